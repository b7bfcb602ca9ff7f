// internal/app/notify/transport.go
package notify

import (
	"context"

	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.uber.org/zap"
)

// Transport is the external notification service. Send must be idempotent
// per Notification.ID from the caller's point of view; redelivery after a
// watcher reconnect is possible.
type Transport interface {
	Send(ctx context.Context, n models.Notification) error
	Revoke(ctx context.Context, entityID string) error
	Close() error
}

// LogTransport only logs. It is used when no broker is configured.
type LogTransport struct {
	log *zap.Logger
}

// NewLogTransport returns a Transport that logs and drops every call.
func NewLogTransport(logger *zap.Logger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTransport{log: logger}
}

func (t *LogTransport) Send(_ context.Context, n models.Notification) error {
	t.log.Info("notification (not published)",
		zap.String("notification_id", n.ID),
		zap.String("update_type", string(n.UpdateType)),
		zap.String("recipient_id", n.RecipientID.Hex()),
		zap.String("parent_id", n.ParentID.Hex()),
		zap.String("message", n.Message))
	return nil
}

func (t *LogTransport) Revoke(_ context.Context, entityID string) error {
	t.log.Info("revoke (not published)", zap.String("entity_id", entityID))
	return nil
}

func (t *LogTransport) Close() error { return nil }
