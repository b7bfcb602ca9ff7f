// internal/app/recipients/resolver.go
//
// Package recipients decides who hears about a work item. Every call reads
// fresh user snapshots; nothing is cached between events.
package recipients

import (
	"context"
	"errors"
	"fmt"

	"github.com/dalemusser/workwatch/internal/app/system/accessmask"
	"github.com/dalemusser/workwatch/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// ErrPositionRequired is returned by ByPosition when called without a
// position. Callers route position-less items to ByAccess instead.
var ErrPositionRequired = errors.New("recipients: position id required")

// UserLister is the read side of the user store (userstore.Store).
type UserLister interface {
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	ListInBuilding(ctx context.Context, buildingID primitive.ObjectID) ([]models.User, error)
	ListByIDs(ctx context.Context, ids []primitive.ObjectID) ([]models.User, error)
}

// RosterReader returns the personnel of a position (positionstore.Store).
type RosterReader interface {
	Roster(ctx context.Context, positionID primitive.ObjectID) ([]primitive.ObjectID, error)
}

// Resolver turns a scope into a list of recipients.
type Resolver struct {
	users     UserLister
	positions RosterReader
	log       *zap.Logger
}

// New creates a Resolver.
func New(users UserLister, positions RosterReader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{users: users, positions: positions, log: logger}
}

// ByAccess returns the users of the building whose grants intersect required
// and who have work item notifications switched on. An empty result is not
// an error.
func (r *Resolver) ByAccess(ctx context.Context, buildingID primitive.ObjectID, required accessmask.Mask) ([]models.Recipient, error) {
	if required < 0 {
		return nil, fmt.Errorf("resolve by access: %w", accessmask.ErrNegativeMask)
	}
	users, err := r.users.ListInBuilding(ctx, buildingID)
	if err != nil {
		return nil, fmt.Errorf("list users in building %s: %w", buildingID.Hex(), err)
	}

	out := make([]models.Recipient, 0, len(users))
	for _, u := range users {
		grants, mask := buildingGrants(u, buildingID)
		if len(grants) == 0 {
			continue
		}
		var denied *accessmask.AccessError
		err := accessmask.CheckBuildings(grants, required, buildingID)
		switch {
		case errors.As(err, &denied):
			continue
		case err != nil:
			// A corrupt grant affects only this user.
			r.log.Warn("skipping user with invalid access mask",
				zap.String("user_id", u.ID.Hex()),
				zap.String("building_id", buildingID.Hex()),
				zap.Error(err))
			continue
		}
		if !wantsWorkItems(u) {
			continue
		}
		out = append(out, snapshot(u, buildingID, mask))
	}
	return out, nil
}

// buildingGrants returns the user's grants for one building and their union.
// Duplicate grant rows for a building are merged.
func buildingGrants(u models.User, buildingID primitive.ObjectID) ([]accessmask.Grant, int64) {
	var grants []accessmask.Grant
	var mask int64
	for _, g := range u.Access {
		if g.BuildingID != buildingID {
			continue
		}
		grants = append(grants, accessmask.Grant{BuildingID: g.BuildingID, Mask: accessmask.Mask(g.AccessMask)})
		mask |= g.AccessMask
	}
	return grants, mask
}

// ByPosition returns the roster of the position, filtered by the work item
// notification preference. An empty roster yields an empty result; there is
// no escalation to administrators.
func (r *Resolver) ByPosition(ctx context.Context, positionID *primitive.ObjectID, buildingID primitive.ObjectID) ([]models.Recipient, error) {
	if positionID == nil || positionID.IsZero() {
		return nil, ErrPositionRequired
	}
	roster, err := r.positions.Roster(ctx, *positionID)
	if err != nil {
		return nil, fmt.Errorf("load roster of position %s: %w", positionID.Hex(), err)
	}
	if len(roster) == 0 {
		return []models.Recipient{}, nil
	}

	users, err := r.users.ListByIDs(ctx, roster)
	if err != nil {
		return nil, fmt.Errorf("load roster users: %w", err)
	}

	out := make([]models.Recipient, 0, len(users))
	for _, u := range users {
		if !wantsWorkItems(u) {
			continue
		}
		_, mask := buildingGrants(u, buildingID)
		out = append(out, snapshot(u, buildingID, mask))
	}
	return out, nil
}

// ByUser looks up a single known party (author, executer). It returns nil, nil
// when the user does not exist. Direct targets are not filtered by preference.
func (r *Resolver) ByUser(ctx context.Context, userID primitive.ObjectID) (*models.Recipient, error) {
	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("load user %s: %w", userID.Hex(), err)
	}
	if u == nil {
		return nil, nil
	}

	// Without a building in hand the snapshot carries the union of all grants.
	var mask int64
	for _, g := range u.Access {
		if g.AccessMask > 0 {
			mask |= g.AccessMask
		}
	}
	rcp := snapshot(*u, primitive.NilObjectID, mask)
	return &rcp, nil
}

func wantsWorkItems(u models.User) bool {
	return u.Notifications&models.NotifyWorkItems != 0
}

func snapshot(u models.User, buildingID primitive.ObjectID, mask int64) models.Recipient {
	return models.Recipient{
		ID:            u.ID,
		AccessMask:    mask,
		Notifications: u.Notifications,
		BuildingID:    buildingID,
	}
}
