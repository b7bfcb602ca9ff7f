// internal/app/system/workers/statsreporter.go
package workers

import (
	"sync"
	"time"

	"github.com/dalemusser/workwatch/internal/app/notify"
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"go.uber.org/zap"
)

// WatcherStats is implemented by changefeed.Group.
type WatcherStats interface {
	Stats() []changefeed.Stats
}

// DeliveryStats is implemented by notify.Dispatcher.
type DeliveryStats interface {
	Stats() notify.Stats
}

// StatsReporter is a background worker that logs watcher and delivery
// counters at a fixed interval.
type StatsReporter struct {
	watchers WatcherStats
	delivery DeliveryStats
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStatsReporter creates a new stats reporter.
//
// Parameters:
//   - watchers: the change feed group
//   - delivery: the notification dispatcher
//   - logger: zap logger for logging
//   - interval: how often to log (e.g., 1 minute)
func NewStatsReporter(watchers WatcherStats, delivery DeliveryStats, logger *zap.Logger, interval time.Duration) *StatsReporter {
	return &StatsReporter{
		watchers: watchers,
		delivery: delivery,
		log:      logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background reporting loop.
func (w *StatsReporter) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("stats reporter started", zap.Duration("interval", w.interval))
}

// Stop signals the worker to stop and waits for it to finish. It logs a
// final report. Safe to call more than once.
func (w *StatsReporter) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		w.report()
		w.log.Info("stats reporter stopped")
	})
}

func (w *StatsReporter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.report()
		}
	}
}

func (w *StatsReporter) report() {
	for _, s := range w.watchers.Stats() {
		fields := []zap.Field{
			zap.String("watcher", s.Name),
			zap.Bool("running", s.Running),
			zap.Int64("sessions", s.Sessions),
			zap.Int64("events", s.Events),
			zap.Int64("errors", s.Errors),
			zap.Bool("has_cursor", s.HasCursor),
		}
		if s.LastEventAt != nil {
			fields = append(fields, zap.Time("last_event_at", *s.LastEventAt))
		}
		w.log.Info("watcher stats", fields...)
	}

	d := w.delivery.Stats()
	w.log.Info("delivery stats",
		zap.String("policy", string(d.Policy)),
		zap.Int64("sent", d.Sent),
		zap.Int64("failed", d.Failed),
		zap.Int64("revoked", d.Revoked),
		zap.Int64("in_flight", d.InFlight))
}
