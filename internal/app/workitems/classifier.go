// internal/app/workitems/classifier.go
//
// Package workitems turns work item change events into notifications.
//
// Classifier.Handle is the change feed handler. It never returns an error:
// contract violations, lookup failures and delivery failures are logged and
// the event is dropped, so one bad document cannot stall the feed.
package workitems

import (
	"context"
	"fmt"

	"github.com/dalemusser/workwatch/internal/app/system/accessmask"
	"github.com/dalemusser/workwatch/internal/app/system/changefeed"
	"github.com/dalemusser/workwatch/internal/app/system/timeouts"
	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// BuildingLookup maps an apartment to its building (apartmentstore.Store).
type BuildingLookup interface {
	BuildingID(ctx context.Context, apartmentID primitive.ObjectID) (primitive.ObjectID, error)
}

// Resolver finds recipients (recipients.Resolver).
type Resolver interface {
	ByAccess(ctx context.Context, buildingID primitive.ObjectID, required accessmask.Mask) ([]models.Recipient, error)
	ByPosition(ctx context.Context, positionID *primitive.ObjectID, buildingID primitive.ObjectID) ([]models.Recipient, error)
	ByUser(ctx context.Context, userID primitive.ObjectID) (*models.Recipient, error)
}

// Notifier delivers messages (notify.Dispatcher).
type Notifier interface {
	Message(kind models.UpdateType, parentID, buildingID, recipientID primitive.ObjectID, text string) models.Notification
	Send(ctx context.Context, n models.Notification) error
	FanOut(ctx context.Context, msgs []models.Notification) error
	Revoke(ctx context.Context, entityID string) error
}

// Classifier routes work item events by operation kind and status.
type Classifier struct {
	buildings BuildingLookup
	resolver  Resolver
	notifier  Notifier
	log       *zap.Logger
}

// NewClassifier wires a Classifier.
func NewClassifier(buildings BuildingLookup, resolver Resolver, notifier Notifier, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		buildings: buildings,
		resolver:  resolver,
		notifier:  notifier,
		log:       logger,
	}
}

// Handle implements changefeed.Handler[models.WorkItem].
func (c *Classifier) Handle(ctx context.Context, ev changefeed.Event[models.WorkItem]) error {
	switch ev.Kind {
	case changefeed.OpInsert:
		c.created(ctx, ev)
	case changefeed.OpUpdate, changefeed.OpReplace:
		c.updated(ctx, ev)
	case changefeed.OpDelete:
		c.deleted(ctx, ev)
	case changefeed.OpUnknown:
		c.fatal("unsupported operation", zap.String("operation", ev.RawKind))
	default:
		c.fatal("unsupported operation", zap.Stringer("kind", ev.Kind))
	}
	return nil
}

// created notifies admins (no position) or the position roster.
func (c *Classifier) created(ctx context.Context, ev changefeed.Event[models.WorkItem]) {
	wi := ev.FullDocument
	if wi == nil {
		c.log.Warn("insert event without document; skipped", docKey(ev))
		return
	}
	log := c.log.With(zap.String("work_item_id", wi.ID.Hex()))

	buildingID, ok := c.building(ctx, wi, log)
	if !ok {
		return
	}

	lctx, cancel := timeouts.WithLookup(ctx)
	defer cancel()

	var (
		rcps []models.Recipient
		err  error
	)
	if wi.PositionID == nil {
		rcps, err = c.resolver.ByAccess(lctx, buildingID, accessmask.Admins())
	} else {
		rcps, err = c.resolver.ByPosition(lctx, wi.PositionID, buildingID)
	}
	if err != nil {
		log.Error("resolve recipients for new work item", zap.Error(err))
		return
	}
	if len(rcps) == 0 {
		log.Info("no recipients for new work item; nothing sent",
			zap.Bool("admin_competency", wi.PositionID == nil))
		return
	}

	text := fmt.Sprintf("New work item created: %s", wi.Header)
	msgs := make([]models.Notification, 0, len(rcps))
	for _, r := range rcps {
		msgs = append(msgs, c.notifier.Message(models.UpdateWorkItemCreated, wi.ID, buildingID, r.ID, text))
	}
	// Failures are logged per recipient by the notifier.
	_ = c.notifier.FanOut(ctx, msgs)
}

// updated interprets the committed status.
func (c *Classifier) updated(ctx context.Context, ev changefeed.Event[models.WorkItem]) {
	wi := ev.FullDocument
	if wi == nil {
		// Deleted before the lookup ran; the delete event follows.
		c.log.Warn("update event without document; skipped", docKey(ev))
		return
	}
	log := c.log.With(
		zap.String("work_item_id", wi.ID.Hex()),
		zap.String("status", string(wi.Status)))

	switch wi.Status {
	case models.StatusRejected:
		buildingID, ok := c.building(ctx, wi, log)
		if !ok {
			return
		}
		text := fmt.Sprintf("Work item %s was rejected", wi.Header)
		if wi.RejectionComment != nil {
			text += fmt.Sprintf(" with message %s", *wi.RejectionComment)
		}
		c.direct(ctx, log, wi.AuthorID, models.UpdateStatusChanged, wi.ID, buildingID, text)

	case models.StatusFinished:
		if wi.ExecuterID == nil {
			c.fatal("finished work item has no executer", zap.String("work_item_id", wi.ID.Hex()))
			return
		}
		if wi.Feedback == nil {
			c.fatal("finished work item has no feedback", zap.String("work_item_id", wi.ID.Hex()))
			return
		}
		buildingID, ok := c.building(ctx, wi, log)
		if !ok {
			return
		}
		text := fmt.Sprintf("Work item %s closed with mark %d", wi.Header, wi.Feedback.Mark)
		c.direct(ctx, log, *wi.ExecuterID, models.UpdateStatusChanged, wi.ID, buildingID, text)

	case models.StatusAssigned:
		if wi.ExecuterID == nil {
			c.fatal("assigned work item has no executer", zap.String("work_item_id", wi.ID.Hex()))
			return
		}
		buildingID, ok := c.building(ctx, wi, log)
		if !ok {
			return
		}
		c.direct(ctx, log, *wi.ExecuterID, models.UpdateStatusChanged, wi.ID, buildingID,
			statusChangedText(wi))
		c.direct(ctx, log, *wi.ExecuterID, models.UpdateAssignedToYou, wi.ID, buildingID,
			fmt.Sprintf("You were assigned to %s", wi.Header))

	case models.StatusReviewed, models.StatusClosed:
		if wi.ExecuterID == nil {
			c.fatal("work item has no executer", zap.String("work_item_id", wi.ID.Hex()),
				zap.String("status", string(wi.Status)))
			return
		}
		buildingID, ok := c.building(ctx, wi, log)
		if !ok {
			return
		}
		c.direct(ctx, log, *wi.ExecuterID, models.UpdateStatusChanged, wi.ID, buildingID,
			statusChangedText(wi))

	case models.StatusCreated:
		log.Warn("status not supported for update notifications")

	default:
		log.Warn("unknown work item status")
	}
}

// deleted revokes notifications using only the document key.
func (c *Classifier) deleted(ctx context.Context, ev changefeed.Event[models.WorkItem]) {
	id, ok := ev.DocumentID()
	if !ok {
		c.fatal("cannot extract id from delete event", zap.String("document_key", ev.DocumentKey.String()))
		return
	}
	// The notifier logs failures.
	_ = c.notifier.Revoke(ctx, id)
}

// direct sends one message to a single known user, waiting for delivery.
func (c *Classifier) direct(ctx context.Context, log *zap.Logger, userID primitive.ObjectID, kind models.UpdateType, parentID, buildingID primitive.ObjectID, text string) {
	lctx, cancel := timeouts.WithLookup(ctx)
	rcp, err := c.resolver.ByUser(lctx, userID)
	cancel()
	if err != nil {
		log.Error("resolve recipient", zap.String("user_id", userID.Hex()), zap.Error(err))
		return
	}
	if rcp == nil {
		log.Warn("recipient not found; nothing sent", zap.String("user_id", userID.Hex()))
		return
	}
	_ = c.notifier.Send(ctx, c.notifier.Message(kind, parentID, buildingID, rcp.ID, text))
}

func (c *Classifier) building(ctx context.Context, wi *models.WorkItem, log *zap.Logger) (primitive.ObjectID, bool) {
	lctx, cancel := timeouts.WithLookup(ctx)
	defer cancel()
	id, err := c.buildings.BuildingID(lctx, wi.ApartmentID)
	if err != nil {
		log.Error("building lookup failed; skipped",
			zap.String("apartment_id", wi.ApartmentID.Hex()),
			zap.Error(err))
		return primitive.NilObjectID, false
	}
	return id, true
}

// fatal records a contract violation. The event is skipped; the feed goes on.
func (c *Classifier) fatal(msg string, fields ...zap.Field) {
	c.log.Error(msg, append(fields, zap.String("severity", "fatal"))...)
}

func statusChangedText(wi *models.WorkItem) string {
	return fmt.Sprintf("Work item %s changed status to %s", wi.Header, wi.Status)
}

func docKey(ev changefeed.Event[models.WorkItem]) zap.Field {
	return zap.String("document_key", ev.DocumentKey.String())
}
