package workers

import (
	"testing"
	"time"

	"github.com/dalemusser/workwatch/internal/app/notify"
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWatchers []changefeed.Stats

func (f fakeWatchers) Stats() []changefeed.Stats { return f }

type fakeDelivery notify.Stats

func (f fakeDelivery) Stats() notify.Stats { return notify.Stats(f) }

func newReporter(interval time.Duration) (*StatsReporter, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := fakeWatchers{{Name: "work-items", Running: true, Events: 5, LastEventAt: &last}}
	d := fakeDelivery{Policy: notify.DeliverDetached, Sent: 9, InFlight: 2}
	return NewStatsReporter(w, d, zap.New(core), interval), logs
}

func TestStatsReporter_ReportsOnTick(t *testing.T) {
	r, logs := newReporter(5 * time.Millisecond)
	r.Start()

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("watcher stats").Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	entries := logs.FilterMessage("watcher stats").All()
	if len(entries) == 0 {
		t.Fatal("expected at least one watcher stats entry")
	}
	fields := entries[0].ContextMap()
	if fields["watcher"] != "work-items" {
		t.Errorf("watcher = %v, want work-items", fields["watcher"])
	}
	if fields["events"] != int64(5) {
		t.Errorf("events = %v, want 5", fields["events"])
	}
	if _, ok := fields["last_event_at"]; !ok {
		t.Error("expected last_event_at field")
	}

	delivery := logs.FilterMessage("delivery stats").All()
	if len(delivery) == 0 {
		t.Fatal("expected delivery stats entry")
	}
	df := delivery[0].ContextMap()
	if df["policy"] != "detached" || df["sent"] != int64(9) || df["in_flight"] != int64(2) {
		t.Errorf("delivery fields = %v", df)
	}
}

func TestStatsReporter_StopLogsFinalReport(t *testing.T) {
	r, logs := newReporter(time.Hour)
	r.Start()
	r.Stop()
	r.Stop() // second call is a no-op

	if n := logs.FilterMessage("delivery stats").Len(); n != 1 {
		t.Errorf("delivery stats entries = %d, want 1", n)
	}
	if n := logs.FilterMessage("stats reporter stopped").Len(); n != 1 {
		t.Errorf("stopped entries = %d, want 1", n)
	}
}
