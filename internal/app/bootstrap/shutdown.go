// internal/app/bootstrap/shutdown.go
package bootstrap

import (
	"context"
	"errors"

	"github.com/dalemusser/waffle/config"
	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// Shutdown stops the change feed, waits for in-flight deliveries, then
// tears down the transport and DB connections. Each step is bounded by
// the drain timeout.
func Shutdown(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	dctx, cancel := context.WithTimeout(ctx, timeouts.Drain())
	defer cancel()

	var errs []error
	if deps.Watchers != nil {
		logger.Info("stopping change feed watchers")
		if err := deps.Watchers.Stop(dctx); err != nil {
			errs = append(errs, err)
		}
	}
	if deps.Dispatcher != nil {
		if err := deps.Dispatcher.Drain(dctx); err != nil {
			logger.Warn("notification drain incomplete", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if deps.Stats != nil {
		deps.Stats.Stop()
	}

	if err := closeDeps(ctx, deps, logger); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeDeps releases connections in reverse order of ConnectDB.
func closeDeps(ctx context.Context, deps DBDeps, logger *zap.Logger) error {
	var errs []error
	if deps.Transport != nil {
		logger.Info("closing notification transport", zap.String("transport", deps.TransportName))
		if err := deps.Transport.Close(); err != nil {
			logger.Error("transport close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if deps.Redis != nil {
		logger.Info("closing Redis client")
		if err := deps.Redis.Close(); err != nil {
			logger.Error("Redis close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if deps.MongoClient != nil {
		logger.Info("disconnecting MongoDB client")
		if err := deps.MongoClient.Disconnect(ctx); err != nil {
			logger.Error("MongoDB disconnect failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
