// internal/domain/models/notification.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UpdateType tells the client how to render a notification.
type UpdateType string

const (
	UpdateWorkItemCreated UpdateType = "work_item_created"
	UpdateStatusChanged   UpdateType = "status_changed"
	UpdateAssignedToYou   UpdateType = "assigned_to_you"
)

// Notification is handed to the transport once per (work item, recipient).
// It is not persisted here.
type Notification struct {
	ID          string             `json:"id"`
	UpdateType  UpdateType         `json:"update_type"`
	ParentID    primitive.ObjectID `json:"parent_id"`
	RecipientID primitive.ObjectID `json:"recipient_id"`
	BuildingID  primitive.ObjectID `json:"building_id"`
	Message     string             `json:"message"`
	CreatedAt   time.Time          `json:"created_at"`
}
