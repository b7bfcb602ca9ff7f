// internal/domain/models/position.go
package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// Position is a staff role within a building (e.g. "plumber") with the
// users currently assigned to it.
type Position struct {
	ID         primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	BuildingID primitive.ObjectID   `bson:"building_id" json:"building_id"`
	Title      string               `bson:"title" json:"title"`
	Personnel  []primitive.ObjectID `bson:"personnel" json:"personnel"`
}

// Apartment links a unit to its building.
type Apartment struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	BuildingID primitive.ObjectID `bson:"building_id" json:"building_id"`
	Number     string             `bson:"number" json:"number"`
}
