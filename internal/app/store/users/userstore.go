package userstore

import (
	"context"
	"errors"
	"time"

	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the users collection name.
const Collection = "users"

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection(Collection)}
}

// recipientProjection limits reads to what notification decisions need.
var recipientProjection = bson.M{
	"_id":           1,
	"status":        1,
	"notifications": 1,
	"access":        1,
}

// GetByID loads a user by ObjectID. Returns mongo.ErrNoDocuments if not found.
func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	var u models.User
	opts := options.FindOne().SetProjection(recipientProjection)
	if err := s.c.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListInBuilding returns every active user holding a grant in the building.
// Mask filtering is left to the caller.
func (s *Store) ListInBuilding(ctx context.Context, buildingID primitive.ObjectID) ([]models.User, error) {
	filter := bson.M{
		"access.building_id": buildingID,
		"status":             bson.M{"$ne": StatusDisabled},
	}
	return s.find(ctx, filter)
}

// ListByIDs returns the active users among ids. Unknown ids are ignored.
func (s *Store) ListByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{
		"_id":    bson.M{"$in": ids},
		"status": bson.M{"$ne": StatusDisabled},
	}
	return s.find(ctx, filter)
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]models.User, error) {
	cur, err := s.c.Find(ctx, filter, options.Find().SetProjection(recipientProjection))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.User
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

var (
	// ErrDuplicateUser is returned when attempting to create a user whose id already exists.
	ErrDuplicateUser = errors.New("a user with this id already exists")
	errBadStatus     = errors.New(`status must be "active"|"disabled"`)
	errNegativeMask  = errors.New("access_mask must not be negative")
)

// Create inserts a new user after validating fields.
// A zero ID is replaced with a fresh ObjectID.
func (s *Store) Create(ctx context.Context, u models.User) (models.User, error) {
	if u.ID.IsZero() {
		u.ID = primitive.NewObjectID()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	if u.Status != StatusActive && u.Status != StatusDisabled {
		return models.User{}, errBadStatus
	}
	for _, g := range u.Access {
		if g.AccessMask < 0 {
			return models.User{}, errNegativeMask
		}
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	if _, err := s.c.InsertOne(ctx, u); err != nil {
		if wafflemongo.IsDup(err) {
			return models.User{}, ErrDuplicateUser
		}
		return models.User{}, err
	}
	return u, nil
}

// SetNotifications replaces the user's notification preference bits.
func (s *Store) SetNotifications(ctx context.Context, id primitive.ObjectID, flags int64) error {
	res, err := s.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"notifications": flags,
		"updated_at":    time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
