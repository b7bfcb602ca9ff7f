// Package timeouts provides centralized timeout values for the notifier's
// outbound calls.
//
// Event handlers run on a context detached from watcher cancellation, so
// every store read and transport call is bounded by one of these instead.
//
// Guidelines for choosing a timeout:
//   - Ping: health checks and connectivity verification
//   - Lookup: single point reads (apartment → building, user, position roster)
//   - Publish: one notification or revoke handed to the transport
//   - Drain: how long shutdown waits for in-flight handlers and deliveries
package timeouts

import (
	"context"
	"sync"
	"time"
)

// Default timeout values (used if Configure is not called).
const (
	DefaultPing    = 2 * time.Second
	DefaultLookup  = 5 * time.Second
	DefaultPublish = 5 * time.Second
	DefaultDrain   = 30 * time.Second
)

// mu protects all timeout values from concurrent access.
var mu sync.RWMutex

var (
	ping    = DefaultPing
	lookup  = DefaultLookup
	publish = DefaultPublish
	drain   = DefaultDrain
)

// Ping returns the timeout for health checks.
func Ping() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return ping
}

// Lookup returns the timeout for a single store read.
func Lookup() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return lookup
}

// Publish returns the timeout for one transport call.
func Publish() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return publish
}

// Drain returns the shutdown grace period.
func Drain() time.Duration {
	mu.RLock()
	defer mu.RUnlock()
	return drain
}

// WithLookup derives a context bounded by Lookup().
func WithLookup(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, Lookup())
}

// WithPublish derives a context bounded by Publish().
func WithPublish(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, Publish())
}

// Config holds timeout configuration values.
// Zero values are ignored (defaults are kept).
type Config struct {
	Ping    time.Duration
	Lookup  time.Duration
	Publish time.Duration
	Drain   time.Duration
}

// Configure sets custom timeout values. Zero values in the config are ignored,
// keeping the current (or default) values. Call during startup.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if cfg.Ping > 0 {
		ping = cfg.Ping
	}
	if cfg.Lookup > 0 {
		lookup = cfg.Lookup
	}
	if cfg.Publish > 0 {
		publish = cfg.Publish
	}
	if cfg.Drain > 0 {
		drain = cfg.Drain
	}
}

// Reset restores all timeouts to their default values.
// Useful for testing.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	ping = DefaultPing
	lookup = DefaultLookup
	publish = DefaultPublish
	drain = DefaultDrain
}

// Current returns the current timeout configuration as a Config struct.
// Useful for logging or debugging.
func Current() Config {
	mu.RLock()
	defer mu.RUnlock()
	return Config{
		Ping:    ping,
		Lookup:  lookup,
		Publish: publish,
		Drain:   drain,
	}
}
