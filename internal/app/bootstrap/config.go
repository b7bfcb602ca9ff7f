// internal/app/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/workwatch/internal/app/notify"
	workitemstore "github.com/dalemusser/workwatch/internal/app/store/workitems"
	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// Checkpoint backends.
const (
	CheckpointMemory = "memory"
	CheckpointMongo  = "mongo"
	CheckpointRedis  = "redis"
)

// appConfigKeys defines the configuration keys for workwatch.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, amqp_url, etc.
//   - Environment variables: WORKWATCH_MONGO_URI, WORKWATCH_AMQP_URL, etc.
//   - Command-line flags: --mongo_uri, --amqp_url, etc.
var appConfigKeys = []config.AppKey{
	{Name: "mongo_uri", Default: "mongodb://localhost:27017", Desc: "MongoDB connection URI (must be a replica set for change streams)"},
	{Name: "mongo_database", Default: "workwatch", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size (default: 100)"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size (default: 10)"},

	// Change feed
	{Name: "work_items_collection", Default: workitemstore.DefaultCollection, Desc: "Collection whose changes are watched"},
	{Name: "watcher_name", Default: "work-items", Desc: "Watcher name used in logs and as the checkpoint key"},
	{Name: "watch_poll_window", Default: "1s", Desc: "Max await time per change stream batch (e.g., 500ms, 1s)"},
	{Name: "watch_retry_delay", Default: "1s", Desc: "Delay before reopening a failed change stream"},

	// Checkpointing
	{Name: "checkpoint_backend", Default: CheckpointMemory, Desc: "Resume token storage: 'memory', 'mongo' or 'redis'"},
	{Name: "redis_url", Default: "", Desc: "Redis URL for checkpoint_backend=redis (e.g., redis://localhost:6379/0)"},

	// Delivery
	{Name: "fanout_limit", Default: notify.DefaultFanOutLimit, Desc: "Concurrent notification deliveries per event"},
	{Name: "notify_delivery", Default: string(notify.DeliverAwait), Desc: "Fan-out delivery: 'await' or 'detached'"},
	{Name: "amqp_url", Default: "", Desc: "RabbitMQ URL; blank logs notifications instead of publishing"},
	{Name: "amqp_exchange", Default: "workwatch.notifications", Desc: "RabbitMQ topic exchange"},
	{Name: "amqp_dial_attempts", Default: 5, Desc: "RabbitMQ dial attempts at startup"},

	{Name: "stats_log_interval", Default: "1m", Desc: "How often watcher and delivery counters are logged (0 disables)"},

	// Timeouts
	{Name: "timeout_ping", Default: "2s", Desc: "Health check ping timeout"},
	{Name: "timeout_lookup", Default: "5s", Desc: "Timeout for a single store read during event handling"},
	{Name: "timeout_publish", Default: "5s", Desc: "Timeout for one notification delivery"},
	{Name: "timeout_drain", Default: "30s", Desc: "Shutdown grace period for in-flight work"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// It is called early in startup so that both WAFFLE and the app have
// access to configuration before any backends or handlers are built.
//
// WAFFLE's config.LoadWithAppConfig handles:
//   - Loading from .env files
//   - Loading from config.yaml/json/toml files
//   - Reading environment variables (WAFFLE_* for core, WORKWATCH_* for app)
//   - Parsing command-line flags
//   - Merging with precedence: flags > env > files > defaults
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "WORKWATCH", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		// Change feed
		WorkItemsCollection: appValues.String("work_items_collection"),
		WatcherName:         appValues.String("watcher_name"),
		WatchPollWindow:     appValues.Duration("watch_poll_window", time.Second),
		WatchRetryDelay:     appValues.Duration("watch_retry_delay", time.Second),

		// Checkpointing
		CheckpointBackend: strings.ToLower(strings.TrimSpace(appValues.String("checkpoint_backend"))),
		RedisURL:          appValues.String("redis_url"),

		// Delivery
		FanOutLimit:      appValues.Int("fanout_limit"),
		NotifyDelivery:   strings.ToLower(strings.TrimSpace(appValues.String("notify_delivery"))),
		AMQPURL:          appValues.String("amqp_url"),
		AMQPExchange:     appValues.String("amqp_exchange"),
		AMQPDialAttempts: appValues.Int("amqp_dial_attempts"),

		StatsLogInterval: appValues.Duration("stats_log_interval", time.Minute),

		// Timeouts
		TimeoutPing:    appValues.Duration("timeout_ping", timeouts.DefaultPing),
		TimeoutLookup:  appValues.Duration("timeout_lookup", timeouts.DefaultLookup),
		TimeoutPublish: appValues.Duration("timeout_publish", timeouts.DefaultPublish),
		TimeoutDrain:   appValues.Duration("timeout_drain", timeouts.DefaultDrain),
	}

	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// Return nil to accept the loaded config, or an error to abort startup.
// The MongoDB URI format is checked here to catch configuration errors
// early, before attempting to connect.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
		logger.Error("invalid MongoDB URI", zap.Error(err))
		return fmt.Errorf("invalid MongoDB URI: %w", err)
	}
	if err := validateAppConfig(appCfg); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	return nil
}

// validateAppConfig checks everything that does not need the network.
func validateAppConfig(appCfg AppConfig) error {
	if strings.TrimSpace(appCfg.MongoDatabase) == "" {
		return fmt.Errorf("mongo_database is required")
	}
	if strings.TrimSpace(appCfg.WorkItemsCollection) == "" {
		return fmt.Errorf("work_items_collection is required")
	}
	if strings.TrimSpace(appCfg.WatcherName) == "" {
		return fmt.Errorf("watcher_name is required")
	}
	if appCfg.MongoMinPoolSize > appCfg.MongoMaxPoolSize {
		return fmt.Errorf("mongo_min_pool_size (%d) exceeds mongo_max_pool_size (%d)",
			appCfg.MongoMinPoolSize, appCfg.MongoMaxPoolSize)
	}

	switch appCfg.CheckpointBackend {
	case CheckpointMemory, CheckpointMongo:
	case CheckpointRedis:
		if strings.TrimSpace(appCfg.RedisURL) == "" {
			return fmt.Errorf("checkpoint_backend=redis requires redis_url")
		}
	default:
		return fmt.Errorf("checkpoint_backend must be 'memory', 'mongo' or 'redis', got %q", appCfg.CheckpointBackend)
	}

	if _, err := notify.ParseDeliveryPolicy(appCfg.NotifyDelivery); err != nil {
		return fmt.Errorf("notify_delivery: %w", err)
	}
	if appCfg.FanOutLimit < 1 {
		return fmt.Errorf("fanout_limit must be at least 1, got %d", appCfg.FanOutLimit)
	}
	if appCfg.AMQPURL != "" {
		if strings.TrimSpace(appCfg.AMQPExchange) == "" {
			return fmt.Errorf("amqp_url is set but amqp_exchange is empty")
		}
		if appCfg.AMQPDialAttempts < 1 {
			return fmt.Errorf("amqp_dial_attempts must be at least 1, got %d", appCfg.AMQPDialAttempts)
		}
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"watch_poll_window", appCfg.WatchPollWindow},
		{"watch_retry_delay", appCfg.WatchRetryDelay},
		{"timeout_ping", appCfg.TimeoutPing},
		{"timeout_lookup", appCfg.TimeoutLookup},
		{"timeout_publish", appCfg.TimeoutPublish},
		{"timeout_drain", appCfg.TimeoutDrain},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	if appCfg.StatsLogInterval < 0 {
		return fmt.Errorf("stats_log_interval must not be negative, got %s", appCfg.StatsLogInterval)
	}
	return nil
}
