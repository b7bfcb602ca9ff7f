// internal/app/bootstrap/dbdeps.go
package bootstrap

import (
	"github.com/dalemusser/workwatch/internal/app/notify"
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"github.com/dalemusser/workwatch/internal/app/system/workers"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// DBDeps holds database/back-end dependencies for the app, plus the
// pipeline built on top of them in ConnectDB.
type DBDeps struct {
	MongoClient   *mongo.Client
	MongoDatabase *mongo.Database

	// Redis is set only when checkpoint_backend is "redis".
	Redis *redis.Client

	// Transport is the RabbitMQ publisher, or a log transport when no
	// broker is configured.
	Transport     notify.Transport
	TransportName string

	Dispatcher *notify.Dispatcher
	Watchers   *changefeed.Group

	// Stats is nil when stats_log_interval is zero.
	Stats *workers.StatsReporter
}
