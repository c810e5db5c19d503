package store

import (
	"errors"
	"time"
)

// ErrNoMembership is returned when a user has no role in a workspace or has
// been deactivated.
var ErrNoMembership = errors.New("no workspace membership")

type User struct {
	ID            string
	DisplayName   string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

type Workspace struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type Membership struct {
	WorkspaceID string
	UserID      string
	Role        string
	CreatedAt   time.Time
}
