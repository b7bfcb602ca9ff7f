// internal/app/store/checkpoints/checkpointstore.go
package checkpointstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the checkpoint collection name.
const Collection = "watch_checkpoints"

// Checkpoint is the last acknowledged change-stream resume token of one watcher.
type Checkpoint struct {
	Name      string    `bson:"_id"`
	Token     bson.Raw  `bson:"token"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Store keeps one checkpoint document per watcher name.
type Store struct {
	c *mongo.Collection
}

// New creates a new checkpoint store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection(Collection)}
}

// Load returns the saved token for the watcher, or nil if none was saved.
func (s *Store) Load(ctx context.Context, name string) (bson.Raw, error) {
	var cp Checkpoint
	err := s.c.FindOne(ctx, bson.M{"_id": name}).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp.Token, nil
}

// Save upserts the watcher's token.
func (s *Store) Save(ctx context.Context, name string, token bson.Raw) error {
	_, err := s.c.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{"$set": bson.M{
			"token":      token,
			"updated_at": time.Now().UTC(),
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Clear removes the watcher's checkpoint so the next start is "from now".
func (s *Store) Clear(ctx context.Context, name string) error {
	_, err := s.c.DeleteOne(ctx, bson.M{"_id": name})
	return err
}
