package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Fixtures provides helper methods for creating test data.
type Fixtures struct {
	db *mongo.Database
	t  *testing.T
}

// NewFixtures creates a new Fixtures instance for the given test database.
func NewFixtures(t *testing.T, db *mongo.Database) *Fixtures {
	t.Helper()
	return &Fixtures{db: db, t: t}
}

// DB returns the underlying database for direct access in tests.
func (f *Fixtures) DB() *mongo.Database {
	return f.db
}

// CreateUser creates an active user with the given notification flags and grants.
func (f *Fixtures) CreateUser(ctx context.Context, fullName string, notifications int64, grants ...models.AccessGrant) models.User {
	f.t.Helper()

	now := time.Now().UTC()
	user := models.User{
		ID:            primitive.NewObjectID(),
		FullName:      fullName,
		Status:        "active",
		Notifications: notifications,
		Access:        grants,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := f.db.Collection("users").InsertOne(ctx, user); err != nil {
		f.t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// DisableUser marks a user as disabled.
func (f *Fixtures) DisableUser(ctx context.Context, id primitive.ObjectID) {
	f.t.Helper()

	_, err := f.db.Collection("users").UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": "disabled"}})
	if err != nil {
		f.t.Fatalf("failed to disable test user: %v", err)
	}
}

// CreateApartment creates an apartment in the building.
func (f *Fixtures) CreateApartment(ctx context.Context, buildingID primitive.ObjectID, number string) models.Apartment {
	f.t.Helper()

	a := models.Apartment{ID: primitive.NewObjectID(), BuildingID: buildingID, Number: number}
	if _, err := f.db.Collection("apartments").InsertOne(ctx, a); err != nil {
		f.t.Fatalf("failed to create test apartment: %v", err)
	}
	return a
}

// CreatePosition creates a position with the given personnel.
func (f *Fixtures) CreatePosition(ctx context.Context, buildingID primitive.ObjectID, title string, personnel ...primitive.ObjectID) models.Position {
	f.t.Helper()

	if personnel == nil {
		personnel = []primitive.ObjectID{}
	}
	p := models.Position{ID: primitive.NewObjectID(), BuildingID: buildingID, Title: title, Personnel: personnel}
	if _, err := f.db.Collection("positions").InsertOne(ctx, p); err != nil {
		f.t.Fatalf("failed to create test position: %v", err)
	}
	return p
}
