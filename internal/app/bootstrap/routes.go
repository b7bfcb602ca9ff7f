// internal/app/bootstrap/routes.go
package bootstrap

import (
	"net/http"

	"github.com/dalemusser/waffle/config"
	healthfeature "github.com/dalemusser/workwatch/internal/app/features/health"
	statusfeature "github.com/dalemusser/workwatch/internal/app/features/status"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// any Startup hooks have completed. The service has no user-facing pages;
// the router only exposes operational endpoints:
//   - /health: Mongo ping, change feed liveness and broker connection
//   - /status: watcher and delivery counters as JSON
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	r := chi.NewRouter()

	healthHandler := healthfeature.NewHandler(deps.MongoClient, deps.Watchers, logger)
	if t, ok := deps.Transport.(healthfeature.Transport); ok {
		healthHandler.Transport = t
	}
	r.Mount("/health", healthfeature.Routes(healthHandler))

	statusHandler := statusfeature.NewHandler(deps.Watchers, deps.Dispatcher, statusConfig(appCfg, deps), logger)
	r.Mount("/status", statusfeature.Routes(statusHandler))

	return r, nil
}

// statusConfig picks the non-secret settings shown on /status.
func statusConfig(appCfg AppConfig, deps DBDeps) statusfeature.AppConfig {
	return statusfeature.AppConfig{
		MongoDatabase:       appCfg.MongoDatabase,
		WorkItemsCollection: appCfg.WorkItemsCollection,
		WatcherName:         appCfg.WatcherName,
		PollWindow:          appCfg.WatchPollWindow,
		RetryDelay:          appCfg.WatchRetryDelay,
		FanOutLimit:         appCfg.FanOutLimit,
		Delivery:            appCfg.NotifyDelivery,
		Transport:           deps.TransportName,
		AMQPExchange:        appCfg.AMQPExchange,
		CheckpointBackend:   appCfg.CheckpointBackend,
	}
}
