// internal/app/features/status/handler.go
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dalemusser/workwatch/internal/app/notify"
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"go.uber.org/zap"
)

// WatcherStats snapshots the change feed subscriptions (changefeed.Group).
type WatcherStats interface {
	Stats() []changefeed.Stats
}

// DeliveryStats snapshots the notification dispatcher (notify.Dispatcher).
type DeliveryStats interface {
	Stats() notify.Stats
}

// AppConfig is the subset of service configuration shown on the status
// page. Secrets never make it in here.
type AppConfig struct {
	MongoDatabase       string
	WorkItemsCollection string
	WatcherName         string
	PollWindow          time.Duration
	RetryDelay          time.Duration
	FanOutLimit         int
	Delivery            string
	Transport           string
	AMQPExchange        string
	CheckpointBackend   string
}

// ConfigItem is one displayed setting.
type ConfigItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ConfigGroup groups related settings.
type ConfigGroup struct {
	Name  string       `json:"name"`
	Items []ConfigItem `json:"items"`
}

// Handler serves the status endpoint.
type Handler struct {
	Watchers WatcherStats
	Delivery DeliveryStats
	Config   AppConfig
	Log      *zap.Logger

	started time.Time
	now     func() time.Time
}

// NewHandler constructs a status Handler.
func NewHandler(watchers WatcherStats, delivery DeliveryStats, appCfg AppConfig, logger *zap.Logger) *Handler {
	return &Handler{
		Watchers: watchers,
		Delivery: delivery,
		Config:   appCfg,
		Log:      logger,
		started:  time.Now(),
		now:      time.Now,
	}
}

type statusResponse struct {
	Uptime   string             `json:"uptime"`
	Watchers []changefeed.Stats `json:"watchers"`
	Delivery notify.Stats       `json:"delivery"`
	Config   []ConfigGroup      `json:"config"`
}

// Serve handles GET /status with a JSON snapshot of the watchers, the
// dispatcher counters and the effective configuration.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:   h.now().Sub(h.started).Round(time.Second).String(),
		Watchers: []changefeed.Stats{},
		Config:   h.configGroups(),
	}
	if h.Watchers != nil {
		resp.Watchers = h.Watchers.Stats()
	}
	if h.Delivery != nil {
		resp.Delivery = h.Delivery.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.Log.Warn("status: encode response", zap.Error(err))
	}
}

func (h *Handler) configGroups() []ConfigGroup {
	c := h.Config
	t := timeouts.Current()
	return []ConfigGroup{
		{
			Name: "Change Feed",
			Items: []ConfigItem{
				{Name: "mongo_database", Value: c.MongoDatabase},
				{Name: "work_items_collection", Value: c.WorkItemsCollection},
				{Name: "watcher_name", Value: c.WatcherName},
				{Name: "watch_poll_window", Value: c.PollWindow.String()},
				{Name: "watch_retry_delay", Value: c.RetryDelay.String()},
				{Name: "checkpoint_backend", Value: c.CheckpointBackend},
			},
		},
		{
			Name: "Delivery",
			Items: []ConfigItem{
				{Name: "transport", Value: c.Transport},
				{Name: "amqp_exchange", Value: c.AMQPExchange},
				{Name: "notify_delivery", Value: c.Delivery},
				{Name: "fanout_limit", Value: strconv.Itoa(c.FanOutLimit)},
			},
		},
		{
			Name: "Timeouts",
			Items: []ConfigItem{
				{Name: "timeout_ping", Value: t.Ping.String()},
				{Name: "timeout_lookup", Value: t.Lookup.String()},
				{Name: "timeout_publish", Value: t.Publish.String()},
				{Name: "timeout_drain", Value: t.Drain.String()},
			},
		},
	}
}
