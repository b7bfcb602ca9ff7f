// internal/domain/models/workitem.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WorkItemStatus is the lifecycle state of a work item.
type WorkItemStatus string

const (
	StatusCreated  WorkItemStatus = "created"
	StatusAssigned WorkItemStatus = "assigned"
	StatusReviewed WorkItemStatus = "reviewed"
	StatusFinished WorkItemStatus = "finished"
	StatusRejected WorkItemStatus = "rejected"
	StatusClosed   WorkItemStatus = "closed"
)

// Feedback is the author's rating left on a finished work item.
type Feedback struct {
	Mark    int    `bson:"mark" json:"mark"`
	Comment string `bson:"comment,omitempty" json:"comment,omitempty"`
}

// WorkItem is a maintenance request raised for an apartment.
//
// PositionID == nil means the item is "admin competency": nobody in
// particular owns it, so building administrators are told about it.
type WorkItem struct {
	ID               primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	AuthorID         primitive.ObjectID  `bson:"author_id" json:"author_id"`
	ExecuterID       *primitive.ObjectID `bson:"executer_id,omitempty" json:"executer_id,omitempty"`
	PositionID       *primitive.ObjectID `bson:"position_id,omitempty" json:"position_id,omitempty"`
	ApartmentID      primitive.ObjectID  `bson:"apartment_id" json:"apartment_id"`
	Header           string              `bson:"header" json:"header"`
	Status           WorkItemStatus      `bson:"status" json:"status"`
	RejectionComment *string             `bson:"rejection_comment,omitempty" json:"rejection_comment,omitempty"`
	Feedback         *Feedback           `bson:"feedback,omitempty" json:"feedback,omitempty"`

	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `bson:"updated_at" json:"updated_at"`
	AcceptedAt *time.Time `bson:"accepted_at,omitempty" json:"accepted_at,omitempty"`
	RejectedAt *time.Time `bson:"rejected_at,omitempty" json:"rejected_at,omitempty"`
	ClosedAt   *time.Time `bson:"closed_at,omitempty" json:"closed_at,omitempty"`
}
