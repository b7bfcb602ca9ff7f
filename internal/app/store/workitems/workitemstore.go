// internal/app/store/workitems/workitemstore.go
package workitemstore

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultCollection is the work items collection name.
const DefaultCollection = "work_items"

// ErrTransitionNotAllowed is returned when the item is missing or its current
// status does not permit the requested transition.
var ErrTransitionNotAllowed = errors.New("work item transition not allowed")

// Store writes and reads work items. The notifier itself only reads through
// WatchCollection; the transitions exist for the upstream API and tests.
type Store struct {
	c *mongo.Collection
}

// New creates a store over the named collection (DefaultCollection if empty).
func New(db *mongo.Database, name string) *Store {
	if name == "" {
		name = DefaultCollection
	}
	return &Store{c: db.Collection(name)}
}

// Collection returns the underlying collection.
func (s *Store) Collection() *mongo.Collection {
	return s.c
}

// WatchCollection returns the collection configured for change streams:
// secondary-preferred reads and majority read concern, so only committed
// writes are observed.
func (s *Store) WatchCollection() *mongo.Collection {
	c, err := s.c.Clone(options.Collection().
		SetReadPreference(readpref.SecondaryPreferred()).
		SetReadConcern(readconcern.Majority()))
	if err != nil {
		// Clone only fails on invalid options, which are fixed here.
		return s.c
	}
	return c
}

// GetByID loads a work item.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*models.WorkItem, error) {
	var w models.WorkItem
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Create inserts a new work item in the created status.
func (s *Store) Create(ctx context.Context, w models.WorkItem) (models.WorkItem, error) {
	if w.ID.IsZero() {
		w.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	w.Status = models.StatusCreated
	w.CreatedAt = now
	w.UpdatedAt = now
	if _, err := s.c.InsertOne(ctx, w); err != nil {
		return models.WorkItem{}, err
	}
	return w, nil
}

// Assign sets the executer and moves the item to assigned.
// Rejected items cannot be assigned.
func (s *Store) Assign(ctx context.Context, id, executerID primitive.ObjectID) error {
	now := time.Now().UTC()
	return s.transition(ctx,
		bson.M{"_id": id, "status": bson.M{"$ne": models.StatusRejected}},
		bson.M{
			"status":      models.StatusAssigned,
			"executer_id": executerID,
			"accepted_at": now,
			"updated_at":  now,
		})
}

// Reject moves a created or assigned item to rejected with an optional comment.
func (s *Store) Reject(ctx context.Context, id primitive.ObjectID, comment *string) error {
	now := time.Now().UTC()
	return s.transition(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []models.WorkItemStatus{models.StatusCreated, models.StatusAssigned}}},
		bson.M{
			"status":            models.StatusRejected,
			"rejection_comment": comment,
			"rejected_at":       now,
			"updated_at":        now,
		})
}

// Review marks an assigned item as reviewed.
func (s *Store) Review(ctx context.Context, id primitive.ObjectID) error {
	return s.transition(ctx,
		bson.M{"_id": id, "status": models.StatusAssigned},
		bson.M{"status": models.StatusReviewed, "updated_at": time.Now().UTC()})
}

// Finish records the author's feedback on an assigned or reviewed item.
func (s *Store) Finish(ctx context.Context, id primitive.ObjectID, fb models.Feedback) error {
	now := time.Now().UTC()
	return s.transition(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []models.WorkItemStatus{models.StatusAssigned, models.StatusReviewed}}},
		bson.M{
			"status":     models.StatusFinished,
			"feedback":   fb,
			"closed_at":  now,
			"updated_at": now,
		})
}

// Close closes an assigned item.
func (s *Store) Close(ctx context.Context, id primitive.ObjectID) error {
	now := time.Now().UTC()
	return s.transition(ctx,
		bson.M{"_id": id, "status": models.StatusAssigned},
		bson.M{
			"status":     models.StatusClosed,
			"closed_at":  now,
			"updated_at": now,
		})
}

// Delete removes the item. Returns the number of documents deleted (0 or 1).
func (s *Store) Delete(ctx context.Context, id primitive.ObjectID) (int64, error) {
	res, err := s.c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *Store) transition(ctx context.Context, filter, set bson.M) error {
	res, err := s.c.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrTransitionNotAllowed
	}
	return nil
}
