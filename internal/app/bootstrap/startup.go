// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"

	"github.com/dalemusser/waffle/config"
	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// Startup runs one-time application initialization after DB connections and
// schema setup are complete, but before the HTTP handler is built. It
// applies the configured timeouts and starts the change feed.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	timeouts.Configure(timeouts.Config{
		Ping:    appCfg.TimeoutPing,
		Lookup:  appCfg.TimeoutLookup,
		Publish: appCfg.TimeoutPublish,
		Drain:   appCfg.TimeoutDrain,
	})

	// The watchers outlive the startup context; Shutdown stops them.
	deps.Watchers.Start(context.WithoutCancel(ctx))
	if deps.Stats != nil {
		deps.Stats.Start()
	}
	return nil
}
