package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Watchers reports whether every change feed subscription is live
// (changefeed.Group).
type Watchers interface {
	Healthy() bool
}

// Transport reports whether the notification broker is reachable
// (pubsub.Publisher). Transports without a connection are not checked.
type Transport interface {
	Healthy() bool
}

// Handler holds dependencies needed for health checks.
type Handler struct {
	Client    *mongo.Client
	Watchers  Watchers
	Transport Transport
	Log       *zap.Logger
}

// NewHandler constructs a health Handler with the Mongo client, the watcher
// group and logger.
func NewHandler(client *mongo.Client, watchers Watchers, logger *zap.Logger) *Handler {
	return &Handler{
		Client:   client,
		Watchers: watchers,
		Log:      logger,
	}
}

// healthResponse is the JSON structure for the health check response.
type healthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Watchers  string `json:"watchers"`
	Transport string `json:"transport,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "database":"connected", "watchers":"running" }
//
// On DB failure, a stopped watcher or a dropped broker connection: 503 and
//
//	{ "status":"error", "database":"disconnected", "watchers":"running", "message":"Database unavailable", "error":"…"}
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{
		Status:   "ok",
		Database: "connected",
		Watchers: "running",
	}

	if h.Watchers == nil || !h.Watchers.Healthy() {
		resp.Status = "error"
		resp.Watchers = "stopped"
		resp.Message = "Change feed not running"
	}

	if h.Transport != nil {
		resp.Transport = "connected"
		if !h.Transport.Healthy() {
			resp.Status = "error"
			resp.Transport = "disconnected"
			resp.Message = "Notification broker unavailable"
		}
	}

	// Check database
	if err := h.Client.Ping(ctx, readpref.Primary()); err != nil {
		h.Log.Error("health-check: mongo ping failed", zap.Error(err))
		resp.Status = "error"
		resp.Database = "disconnected"
		resp.Message = "Database unavailable"
		resp.Error = err.Error()
	}

	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
