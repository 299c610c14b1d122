package roles

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrInvalidActor indicates that the acting user is missing an id, a name or a known role.
var ErrInvalidActor = errors.New("roles: invalid actor")

// Actor identifies the authenticated user performing an operation.
type Actor struct {
	UserID string
	Name   string
	Role   Role
}

// NewActor validates raw identity values and returns an Actor.
func NewActor(userID, name, rawRole string) (Actor, error) {
	trimmedID := strings.TrimSpace(userID)
	if trimmedID == "" {
		return Actor{}, fmt.Errorf("%w: empty user id", ErrInvalidActor)
	}
	if len(trimmedID) > maxIdentifierLength {
		return Actor{}, fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidActor, maxIdentifierLength)
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Actor{}, fmt.Errorf("%w: empty name", ErrInvalidActor)
	}
	role, err := Parse(rawRole)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidActor, err)
	}
	return Actor{UserID: trimmedID, Name: trimmedName, Role: role}, nil
}

// Validate reports whether the actor is usable by the services.
func (a Actor) Validate() error {
	_, err := NewActor(a.UserID, a.Name, a.Role.String())
	return err
}
