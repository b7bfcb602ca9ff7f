// internal/app/system/pubsub/publisher.go
//
// Package pubsub publishes notification events to a RabbitMQ topic exchange.
// Messages are persistent JSON envelopes and every publish waits for the
// broker's confirm.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dalemusser/workwatch/internal/domain/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrNacked is returned when the broker refuses a message.
var ErrNacked = errors.New("pubsub: message nacked by broker")

// Options configures NewPublisher.
type Options struct {
	URL          string
	Exchange     string
	Producer     string
	DialAttempts int
	DialDelay    time.Duration
	Logger       *zap.Logger
}

// Publisher sends notification and revoke events. It satisfies the
// notification transport contract.
type Publisher struct {
	exchange string
	producer string
	log      *zap.Logger
	dialOpts ConnectionOptions
	dial     func(context.Context, ConnectionOptions) (*amqp.Connection, error)

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

// NewPublisher dials the broker, declares the exchange and puts the
// publishing channel into confirm mode.
func NewPublisher(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.Exchange == "" {
		return nil, errors.New("pubsub: exchange is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dialOpts := ConnectionOptions{
		URL:           opts.URL,
		RetryAttempts: opts.DialAttempts,
		Delay:         opts.DialDelay,
		Logger:        log,
	}
	conn, err := DialWithRetry(ctx, dialOpts)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		conn:     conn,
		exchange: opts.Exchange,
		producer: opts.Producer,
		log:      log.With(zap.String("exchange", opts.Exchange)),
		dialOpts: dialOpts,
		dial:     DialWithRetry,
	}
	ch, err := p.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.ch = ch
	return p, nil
}

// Healthy reports whether the broker connection is up. A dropped connection
// is redialled on the next publish.
func (p *Publisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// redialLocked replaces a closed connection. Only one attempt is made per
// publish: the publish context bounds it and the caller's retry covers the rest.
func (p *Publisher) redialLocked(ctx context.Context) error {
	opts := p.dialOpts
	opts.RetryAttempts = 1
	conn, err := p.dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("redial broker: %w", err)
	}
	p.conn = conn
	p.ch = nil
	p.log.Info("broker connection re-established")
	return nil
}

func (p *Publisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return ch, nil
}

// Send publishes n under TypeNotificationSend. The notification id is the
// message id, so consumers can deduplicate replays.
func (p *Publisher) Send(ctx context.Context, n models.Notification) error {
	env := NewEnvelope(TypeNotificationSend, n.ID, p.producer, n.ParentID.Hex(), n, time.Now())
	return p.publish(ctx, TypeNotificationSend, env)
}

// Revoke publishes a revoke event for entityID.
func (p *Publisher) Revoke(ctx context.Context, entityID string) error {
	env := NewEnvelope(TypeNotificationRevoke, "", p.producer, entityID, RevokeData{EntityID: entityID}, time.Now())
	return p.publish(ctx, TypeNotificationRevoke, env)
}

func (p *Publisher) publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	cid := ""
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	dc, err := p.publishLocked(ctx, key, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: cid,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNacked, env.Meta.ID)
	}
	p.log.Debug("published", zap.String("key", key), zap.String("message_id", env.Meta.ID))
	return nil
}

// publishLocked publishes on the shared channel. A connection the broker
// dropped is redialled and a closed channel is reopened first.
func (p *Publisher) publishLocked(ctx context.Context, key string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, amqp.ErrClosed
	}
	if p.conn == nil || p.conn.IsClosed() {
		if err := p.redialLocked(ctx); err != nil {
			return nil, err
		}
	}
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.openChannel()
		if err != nil {
			return nil, err
		}
		p.ch = ch
		p.log.Info("publishing channel reopened")
	}
	return p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, msg)
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
