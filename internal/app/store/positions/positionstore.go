// internal/app/store/positions/positionstore.go
package positionstore

import (
	"context"
	"errors"

	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the positions collection name.
const Collection = "positions"

// Store provides access to building staff positions.
type Store struct {
	c *mongo.Collection
}

// New creates a new position store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection(Collection)}
}

// Roster returns the user ids assigned to the position.
// A missing position yields an empty roster, not an error.
func (s *Store) Roster(ctx context.Context, positionID primitive.ObjectID) ([]primitive.ObjectID, error) {
	var p models.Position
	opts := options.FindOne().SetProjection(bson.M{"personnel": 1})
	err := s.c.FindOne(ctx, bson.M{"_id": positionID}, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.Personnel, nil
}

// Create inserts a position. A zero ID is replaced with a fresh ObjectID.
func (s *Store) Create(ctx context.Context, p models.Position) (models.Position, error) {
	if p.ID.IsZero() {
		p.ID = primitive.NewObjectID()
	}
	if p.Personnel == nil {
		p.Personnel = []primitive.ObjectID{}
	}
	if _, err := s.c.InsertOne(ctx, p); err != nil {
		return models.Position{}, err
	}
	return p, nil
}

// AddPersonnel assigns a user to the position (idempotent).
func (s *Store) AddPersonnel(ctx context.Context, positionID, userID primitive.ObjectID) error {
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": positionID},
		bson.M{"$addToSet": bson.M{"personnel": userID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
