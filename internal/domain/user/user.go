package user

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/apperr"
)

// Role represents a user role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleIssuer Role = "issuer"
	RoleUser   Role = "user"
)

// Status represents user status.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// User is someone who can hold or issue keys.
type User struct {
	ID         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Department string    `json:"department,omitempty"`
	Role       Role      `json:"role"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

// Actor is the identity performing an operation.
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// SystemActor is used by background routines.
var SystemActor = Actor{UserID: uuid.Nil, Role: RoleAdmin}

func (a Actor) ActorString() string {
	if a.UserID == uuid.Nil {
		return "system"
	}
	return string(a.Role) + ":" + a.UserID.String()
}

// HasRole reports whether the actor holds any of roles.
func (a Actor) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// Require fails with InsufficientRole unless the actor holds one of roles.
func (a Actor) Require(roles ...Role) error {
	if a.HasRole(roles...) {
		return nil
	}
	return apperr.Newf(apperr.KindInsufficientRole, "role %q may not perform this operation", a.Role)
}

// IsStaff reports whether the role may issue keys.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleIssuer
}

func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{2,30}[A-Za-z0-9]$`)

func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username is required")
	}
	if !usernamePattern.MatchString(username) {
		return errors.New("username must be 4-32 chars, start with a letter, and contain only letters, digits, '.', '_' or '-'")
	}
	return nil
}

func ValidateRole(role Role) error {
	switch role {
	case RoleAdmin, RoleIssuer, RoleUser:
		return nil
	default:
		return errors.New("invalid role")
	}
}

func ValidateStatus(status Status) error {
	switch status {
	case StatusActive, StatusDisabled:
		return nil
	default:
		return errors.New("invalid status")
	}
}
