// internal/domain/models/user.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Notification preference bits stored in User.Notifications.
const (
	NotifyWorkItems     int64 = 1 << iota // work item created / status updates
	NotifyAnnouncements                   // building announcements
)

// AccessGrant binds a user to a building with a role bitmask
// (see internal/app/system/accessmask for the bit layout).
type AccessGrant struct {
	BuildingID primitive.ObjectID `bson:"building_id" json:"building_id"`
	AccessMask int64              `bson:"access_mask" json:"access_mask"`
}

// User is a potential notification recipient.
//
// NOTE:
//   - A user can hold grants in several buildings; each grant carries its own mask.
//   - Notifications is a bit set of Notify* flags; zero means everything is muted.
type User struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	FullName      string             `bson:"full_name" json:"full_name"`
	Status        string             `bson:"status,omitempty" json:"status,omitempty"`
	Notifications int64              `bson:"notifications" json:"notifications"`
	Access        []AccessGrant      `bson:"access,omitempty" json:"access,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// GrantFor returns the user's grant for the building, if any.
func (u User) GrantFor(buildingID primitive.ObjectID) (AccessGrant, bool) {
	for _, g := range u.Access {
		if g.BuildingID == buildingID {
			return g, true
		}
	}
	return AccessGrant{}, false
}

// Recipient is a read-only snapshot of a user resolved for one notification
// decision. It is never cached across events.
type Recipient struct {
	ID            primitive.ObjectID
	AccessMask    int64
	Notifications int64
	BuildingID    primitive.ObjectID
}
