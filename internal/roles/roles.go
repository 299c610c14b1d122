package roles

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole indicates that a role name does not match any supported role.
var ErrUnknownRole = errors.New("roles: unknown role")

// Role enumerates the user roles recognised by the field operations backend.
type Role string

const (
	// RoleAdmin has every permission.
	RoleAdmin Role = "admin"
	// RoleSupervisor manages crews and can both upload and review redlines.
	RoleSupervisor Role = "supervisor"
	// RoleRedlineSpecialist prepares and uploads redline documents.
	RoleRedlineSpecialist Role = "redline_specialist"
	// RoleClientReviewer reviews redlines on behalf of the client.
	RoleClientReviewer Role = "client_reviewer"
	// RoleLineman performs field work and has no redline permissions.
	RoleLineman Role = "lineman"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin:             {},
	RoleSupervisor:        {},
	RoleRedlineSpecialist: {},
	RoleClientReviewer:    {},
	RoleLineman:           {},
}

// Parse normalizes a raw role name and validates it.
// Matching is case-insensitive and treats "-" and spaces as "_".
func Parse(raw string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrUnknownRole)
	}
	role := Role(normalized)
	if _, ok := knownRoles[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// String returns the canonical role name.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	_, ok := knownRoles[r]
	return ok
}

// Permissions captures what a role may do in the redline workflow.
type Permissions struct {
	CanUpload          bool
	CanReview          bool
	CanSubmitForReview bool
}

// PermissionsFor computes redline permissions for a role.
func PermissionsFor(role Role) Permissions {
	return Permissions{
		CanUpload:          CanUpload(role),
		CanReview:          CanReview(role),
		CanSubmitForReview: CanSubmitForReview(role),
	}
}

// CanUpload reports whether the role may upload redline versions.
func CanUpload(role Role) bool {
	switch role {
	case RoleAdmin, RoleSupervisor, RoleRedlineSpecialist:
		return true
	default:
		return false
	}
}

// CanSubmitForReview reports whether the role may send a version to review.
func CanSubmitForReview(role Role) bool {
	return CanUpload(role)
}

// CanReview reports whether the role may approve or reject a version.
func CanReview(role Role) bool {
	switch role {
	case RoleAdmin, RoleSupervisor, RoleClientReviewer:
		return true
	default:
		return false
	}
}

// CanViewInternalNotes reports whether the role may read internal redline notes.
func CanViewInternalNotes(role Role) bool {
	switch role {
	case RoleAdmin, RoleRedlineSpecialist:
		return true
	default:
		return false
	}
}

// CanManageJobs reports whether the role may create jobs and advance their lifecycle.
func CanManageJobs(role Role) bool {
	switch role {
	case RoleAdmin, RoleSupervisor:
		return true
	default:
		return false
	}
}
