// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables, configuration files, or
// command-line flags (loaded in LoadConfig). They represent *app-level*
// configuration, not WAFFLE core configuration.
//
// WAFFLE's CoreConfig handles framework-level settings like:
//   - HTTP/HTTPS ports and TLS configuration
//   - Logging level and format
//   - Request body size limits
//
// AppConfig carries everything the change feed, the recipient lookups and
// notification delivery need. The struct is passed to every lifecycle hook.
type AppConfig struct {
	// MongoDB connection configuration
	MongoURI         string // MongoDB connection string (e.g., mongodb://localhost:27017)
	MongoDatabase    string // Database name within MongoDB
	MongoMaxPoolSize uint64 // Maximum connections in pool (default: 100)
	MongoMinPoolSize uint64 // Minimum connections to keep warm (default: 10)

	// Change feed
	WorkItemsCollection string        // Watched collection (default: work_items)
	WatcherName         string        // Identifies the subscription in logs and checkpoints
	WatchPollWindow     time.Duration // Max await per getMore on the change stream
	WatchRetryDelay     time.Duration // Pause before reopening a failed subscription

	// Checkpointing: "memory" (in-process only), "mongo" or "redis"
	CheckpointBackend string
	RedisURL          string // Required when CheckpointBackend is "redis"

	// Delivery
	FanOutLimit      int    // Concurrent deliveries per event
	NotifyDelivery   string // "await" or "detached"
	AMQPURL          string // RabbitMQ URL; empty logs notifications instead
	AMQPExchange     string // Topic exchange for notification events
	AMQPDialAttempts int    // Dial attempts before giving up at startup

	// Periodic stats logging; zero disables
	StatsLogInterval time.Duration

	// Timeouts (see internal/app/system/timeouts)
	TimeoutPing    time.Duration
	TimeoutLookup  time.Duration
	TimeoutPublish time.Duration
	TimeoutDrain   time.Duration
}
