// internal/app/store/apartments/apartmentstore.go
package apartmentstore

import (
	"context"
	"errors"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the apartments collection name.
const Collection = "apartments"

// ErrDuplicateNumber is returned when the building already has an apartment
// with the same number.
var ErrDuplicateNumber = errors.New("apartment number already exists in this building")

type Store struct {
	c *mongo.Collection
}

// New creates a new apartment store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection(Collection)}
}

// BuildingID returns the building the apartment belongs to.
// Returns mongo.ErrNoDocuments if the apartment does not exist.
func (s *Store) BuildingID(ctx context.Context, apartmentID primitive.ObjectID) (primitive.ObjectID, error) {
	var a models.Apartment
	opts := options.FindOne().SetProjection(bson.M{"building_id": 1})
	if err := s.c.FindOne(ctx, bson.M{"_id": apartmentID}, opts).Decode(&a); err != nil {
		return primitive.NilObjectID, err
	}
	return a.BuildingID, nil
}

// Create inserts an apartment. A zero ID is replaced with a fresh ObjectID.
func (s *Store) Create(ctx context.Context, a models.Apartment) (models.Apartment, error) {
	if a.ID.IsZero() {
		a.ID = primitive.NewObjectID()
	}
	if _, err := s.c.InsertOne(ctx, a); err != nil {
		if wafflemongo.IsDup(err) {
			return models.Apartment{}, ErrDuplicateNumber
		}
		return models.Apartment{}, err
	}
	return a, nil
}
