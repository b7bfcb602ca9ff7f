// internal/app/bootstrap/db.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/waffle/config"
	"github.com/dalemusser/workwatch/internal/app/notify"
	"github.com/dalemusser/workwatch/internal/app/recipients"
	apartmentstore "github.com/dalemusser/workwatch/internal/app/store/apartments"
	checkpointstore "github.com/dalemusser/workwatch/internal/app/store/checkpoints"
	positionstore "github.com/dalemusser/workwatch/internal/app/store/positions"
	userstore "github.com/dalemusser/workwatch/internal/app/store/users"
	workitemstore "github.com/dalemusser/workwatch/internal/app/store/workitems"
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"github.com/dalemusser/workwatch/internal/app/system/indexes"
	"github.com/dalemusser/workwatch/internal/app/system/pubsub"
	"github.com/dalemusser/workwatch/internal/app/system/workers"
	"github.com/dalemusser/workwatch/internal/app/workitems"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	mongoConnectTimeout = 10 * time.Second
	redisConnectTimeout = 10 * time.Second
	redisRetryAttempts  = 3
	redisRetryInterval  = time.Second
	amqpDialDelay       = time.Second
)

// ConnectDB connects MongoDB (and Redis or RabbitMQ when configured) and
// assembles the notification pipeline: stores, recipient resolver,
// dispatcher, classifier and the change feed watcher. Nothing runs until
// Startup.
func ConnectDB(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) (DBDeps, error) {
	client, err := connectMongo(ctx, appCfg, logger)
	if err != nil {
		return DBDeps{}, err
	}
	db := client.Database(appCfg.MongoDatabase)
	deps := DBDeps{MongoClient: client, MongoDatabase: db}

	// Release whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			closeDeps(context.Background(), deps, logger)
		}
	}()

	var cursors changefeed.CursorStore
	switch appCfg.CheckpointBackend {
	case CheckpointMongo:
		cursors = checkpointstore.New(db)
	case CheckpointRedis:
		rdb, err := connectRedis(ctx, appCfg.RedisURL, logger)
		if err != nil {
			return DBDeps{}, err
		}
		deps.Redis = rdb
		cursors = checkpointstore.NewRedis(rdb, checkpointstore.DefaultRedisPrefix)
	}

	if appCfg.AMQPURL != "" {
		pub, err := pubsub.NewPublisher(ctx, pubsub.Options{
			URL:          appCfg.AMQPURL,
			Exchange:     appCfg.AMQPExchange,
			Producer:     "workwatch",
			DialAttempts: appCfg.AMQPDialAttempts,
			DialDelay:    amqpDialDelay,
			Logger:       logger.Named("pubsub"),
		})
		if err != nil {
			logger.Error("RabbitMQ connect failed", zap.Error(err))
			return DBDeps{}, fmt.Errorf("connect RabbitMQ: %w", err)
		}
		deps.Transport, deps.TransportName = pub, "amqp"
	} else {
		logger.Warn("amqp_url not set; notifications are logged, not published")
		deps.Transport, deps.TransportName = notify.NewLogTransport(logger.Named("notify")), "log"
	}

	policy, err := notify.ParseDeliveryPolicy(appCfg.NotifyDelivery)
	if err != nil {
		return DBDeps{}, err
	}
	deps.Dispatcher = notify.New(deps.Transport,
		notify.WithFanOutLimit(appCfg.FanOutLimit),
		notify.WithDeliveryPolicy(policy),
		notify.WithLogger(logger.Named("notify")),
	)

	resolver := recipients.New(userstore.New(db), positionstore.New(db), logger.Named("recipients"))
	classifier := workitems.NewClassifier(apartmentstore.New(db), resolver, deps.Dispatcher, logger.Named("workitems"))

	wopts := []changefeed.Option{
		changefeed.WithName(appCfg.WatcherName),
		changefeed.WithPollWindow(appCfg.WatchPollWindow),
		changefeed.WithRetryDelay(appCfg.WatchRetryDelay),
		changefeed.WithLogger(logger.Named("changefeed")),
	}
	if cursors != nil {
		wopts = append(wopts, changefeed.WithCursorStore(cursors))
	}
	wstore := workitemstore.New(db, appCfg.WorkItemsCollection)
	watcher, err := workitems.NewWatcher(changefeed.CollectionSource{Coll: wstore.WatchCollection()}, classifier, wopts...)
	if err != nil {
		return DBDeps{}, fmt.Errorf("build watcher: %w", err)
	}
	deps.Watchers = changefeed.NewGroup(logger.Named("changefeed"), watcher)

	if appCfg.StatsLogInterval > 0 {
		deps.Stats = workers.NewStatsReporter(deps.Watchers, deps.Dispatcher, logger.Named("stats"), appCfg.StatsLogInterval)
	}

	logger.Info("notification pipeline assembled",
		zap.String("collection", appCfg.WorkItemsCollection),
		zap.String("watcher", appCfg.WatcherName),
		zap.String("checkpoint_backend", appCfg.CheckpointBackend),
		zap.String("transport", deps.TransportName),
		zap.String("delivery", string(policy)),
		zap.Int("fanout_limit", appCfg.FanOutLimit))

	ok = true
	return deps, nil
}

func connectMongo(ctx context.Context, appCfg AppConfig, logger *zap.Logger) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(appCfg.MongoURI).
		SetMaxPoolSize(appCfg.MongoMaxPoolSize).
		SetMinPoolSize(appCfg.MongoMinPoolSize)

	client, err := mongo.Connect(cctx, opts)
	if err != nil {
		logger.Error("MongoDB connect failed", zap.Error(err))
		return nil, fmt.Errorf("connect MongoDB: %w", err)
	}
	if err := client.Ping(cctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		logger.Error("MongoDB ping failed", zap.Error(err))
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	logger.Info("connected to MongoDB",
		zap.String("database", appCfg.MongoDatabase),
		zap.Uint64("max_pool_size", appCfg.MongoMaxPoolSize),
		zap.Uint64("min_pool_size", appCfg.MongoMinPoolSize))
	return client, nil
}

// connectRedis parses url and pings until the server answers or the
// attempts run out.
func connectRedis(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis_url: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= redisRetryAttempts; attempt++ {
		rdb := redis.NewClient(opt)
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			logger.Info("connected to Redis", zap.String("addr", opt.Addr))
			return rdb, nil
		}
		_ = rdb.Close()
		logger.Warn("Redis not ready", zap.Int("attempt", attempt), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return nil, errors.Join(errors.New("redis not ready"), ctx.Err())
		case <-time.After(redisRetryInterval):
		}
	}
	return nil, fmt.Errorf("redis not ready after %d attempts: %w", redisRetryAttempts, lastErr)
}

// EnsureSchema reconciles the indexes every lookup and checkpoint relies on.
func EnsureSchema(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if err := indexes.EnsureAll(ctx, deps.MongoDatabase, appCfg.WorkItemsCollection, logger.Named("indexes")); err != nil {
		logger.Error("index setup failed", zap.Error(err))
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}
