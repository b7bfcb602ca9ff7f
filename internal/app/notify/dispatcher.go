// internal/app/notify/dispatcher.go
//
// Package notify builds notification messages and hands them to a Transport.
//
// Single sends are always awaited so callers can rely on their order.
// Fan-outs run with a fixed concurrency cap and are either awaited or
// detached; detached fan-outs are tracked and waited for by Drain.
// Nothing is retried here: a failed delivery is logged and counted.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"github.com/dalemusser/workwatch/internal/domain/models"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFanOutLimit caps concurrent sends within one fan-out.
const DefaultFanOutLimit = 4

// DeliveryPolicy selects how FanOut waits for its sends.
type DeliveryPolicy string

const (
	// DeliverAwait returns from FanOut after every send finished.
	DeliverAwait DeliveryPolicy = "await"
	// DeliverDetached returns from FanOut immediately.
	DeliverDetached DeliveryPolicy = "detached"
)

// ParseDeliveryPolicy accepts "await" or "detached" (case-insensitive).
// Empty means await.
func ParseDeliveryPolicy(s string) (DeliveryPolicy, error) {
	switch DeliveryPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeliverAwait:
		return DeliverAwait, nil
	case DeliverDetached:
		return DeliverDetached, nil
	default:
		return "", fmt.Errorf("unknown delivery policy %q (want await or detached)", s)
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Policy   DeliveryPolicy `json:"policy"`
	Sent     int64          `json:"sent"`
	Failed   int64          `json:"failed"`
	Revoked  int64          `json:"revoked"`
	InFlight int64          `json:"in_flight"`
}

// Dispatcher delivers notifications through a Transport.
type Dispatcher struct {
	transport Transport
	log       *zap.Logger
	limit     int
	policy    DeliveryPolicy
	now       func() time.Time

	pending  sync.WaitGroup
	inFlight atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	revoked  atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFanOutLimit sets the concurrency cap. Values below 1 use the default.
func WithFanOutLimit(n int) Option {
	return func(d *Dispatcher) { d.limit = n }
}

// WithDeliveryPolicy sets how FanOut waits.
func WithDeliveryPolicy(p DeliveryPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher over t.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		limit:     DefaultFanOutLimit,
		policy:    DeliverAwait,
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.limit < 1 {
		d.limit = DefaultFanOutLimit
	}
	if d.policy != DeliverDetached {
		d.policy = DeliverAwait
	}
	return d
}

// Message builds one notification with a fresh id.
func (d *Dispatcher) Message(kind models.UpdateType, parentID, buildingID, recipientID primitive.ObjectID, text string) models.Notification {
	return models.Notification{
		ID:          uuid.NewString(),
		UpdateType:  kind,
		ParentID:    parentID,
		RecipientID: recipientID,
		BuildingID:  buildingID,
		Message:     text,
		CreatedAt:   d.now().UTC(),
	}
}

// Send delivers one notification and waits for the transport.
func (d *Dispatcher) Send(ctx context.Context, n models.Notification) error {
	pctx, cancel := timeouts.WithPublish(ctx)
	defer cancel()

	if err := d.transport.Send(pctx, n); err != nil {
		d.failed.Add(1)
		d.log.Error("notification delivery failed",
			zap.String("notification_id", n.ID),
			zap.String("update_type", string(n.UpdateType)),
			zap.String("recipient_id", n.RecipientID.Hex()),
			zap.String("parent_id", n.ParentID.Hex()),
			zap.Error(err))
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}
	d.sent.Add(1)
	return nil
}

// FanOut delivers msgs with at most the configured number of concurrent
// sends. A failed send does not stop the others. Under the await policy the
// joined failures are returned; under detached the call returns nil at once
// and failures are only logged.
func (d *Dispatcher) FanOut(ctx context.Context, msgs []models.Notification) error {
	if len(msgs) == 0 {
		return nil
	}
	if d.policy == DeliverDetached {
		d.pending.Add(1)
		d.inFlight.Add(1)
		go func() {
			defer d.pending.Done()
			defer d.inFlight.Add(-1)
			_ = d.fanOut(context.WithoutCancel(ctx), msgs)
		}()
		return nil
	}
	return d.fanOut(ctx, msgs)
}

func (d *Dispatcher) fanOut(ctx context.Context, msgs []models.Notification) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(d.limit)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			if err := d.Send(ctx, m); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Never fail the group: a nil return keeps the others running.
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		d.log.Warn("fan-out finished with failures",
			zap.Int("total", len(msgs)),
			zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// Revoke asks the transport to withdraw every notification about entityID.
func (d *Dispatcher) Revoke(ctx context.Context, entityID string) error {
	pctx, cancel := timeouts.WithPublish(ctx)
	defer cancel()

	if err := d.transport.Revoke(pctx, entityID); err != nil {
		d.failed.Add(1)
		d.log.Error("revoke failed", zap.String("entity_id", entityID), zap.Error(err))
		return fmt.Errorf("revoke %s: %w", entityID, err)
	}
	d.revoked.Add(1)
	return nil
}

// Drain waits for detached fan-outs to finish, or for ctx to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.log.Warn("notification drain cut short",
			zap.Int64("in_flight", d.inFlight.Load()),
			zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Policy:   d.policy,
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		Revoked:  d.revoked.Load(),
		InFlight: d.inFlight.Load(),
	}
}
