// internal/app/system/accessmask/accessmask.go
//
// Package accessmask implements the role bitmask used by building access
// grants. Each role is a disjoint bit; a set of roles is their bitwise OR.
// A grant satisfies a requirement when the two masks share at least one bit.
package accessmask

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Mask is a set of roles.
type Mask int64

// Role is a single role bit.
type Role Mask

const (
	SuperAdmin Role = 1 << iota
	Admin
	Staff
	User
)

var (
	// ErrNegativeMask is returned when a mask operand is negative.
	// Negative values have no bit interpretation here; it is always a caller bug.
	ErrNegativeMask = errors.New("accessmask: negative mask")

	// ErrNoTargets is returned by CheckBuildings when no building ids are given.
	ErrNoTargets = errors.New("accessmask: no target buildings")
)

// Build ORs the bit for each given role. Duplicates and order don't matter.
func Build(roles ...Role) Mask {
	var m Mask
	for _, r := range roles {
		m |= Mask(r)
	}
	return m
}

// Admins is the "any administrator" requirement.
func Admins() Mask {
	return Build(SuperAdmin, Admin)
}

// AnyBitSet reports whether context and required share at least one bit.
func AnyBitSet(context, required Mask) (bool, error) {
	if context < 0 || required < 0 {
		return false, fmt.Errorf("%w: context=%d required=%d", ErrNegativeMask, context, required)
	}
	return context&required != 0, nil
}

// Has reports whether the mask contains the role.
func (m Mask) Has(r Role) bool {
	return m >= 0 && m&Mask(r) != 0
}

// String renders the set roles, e.g. "superadmin|staff".
func (m Mask) String() string {
	if m < 0 {
		return fmt.Sprintf("invalid(%d)", int64(m))
	}
	var parts []string
	for _, r := range []struct {
		role Role
		name string
	}{
		{SuperAdmin, "superadmin"},
		{Admin, "admin"},
		{Staff, "staff"},
		{User, "user"},
	} {
		if m.Has(r.role) {
			parts = append(parts, r.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Grant is a principal's mask within one building.
type Grant struct {
	BuildingID primitive.ObjectID
	Mask       Mask
}

// AccessError lists the buildings a principal failed the check for.
type AccessError struct {
	Failed   []primitive.ObjectID
	Required Mask
}

func (e *AccessError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, id := range e.Failed {
		ids = append(ids, id.Hex())
	}
	return fmt.Sprintf("no access to buildings %s with any of %s", strings.Join(ids, ","), e.Required)
}

// CheckBuildings verifies that grants give one of the required roles in every
// target building. It returns *AccessError naming the buildings that failed.
func CheckBuildings(grants []Grant, required Mask, buildingIDs ...primitive.ObjectID) error {
	if len(buildingIDs) == 0 {
		return ErrNoTargets
	}

	byBuilding := make(map[primitive.ObjectID]Mask, len(grants))
	for _, g := range grants {
		byBuilding[g.BuildingID] |= g.Mask
	}

	var failed []primitive.ObjectID
	for _, id := range buildingIDs {
		m, ok := byBuilding[id]
		if !ok {
			failed = append(failed, id)
			continue
		}
		hit, err := AnyBitSet(m, required)
		if err != nil {
			return err
		}
		if !hit {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return &AccessError{Failed: failed, Required: required}
	}
	return nil
}
