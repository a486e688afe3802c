package rbac

import (
	"time"
)

// Role lifecycle states. Deleting a role is a transition to disabled so
// historical assignments keep referential integrity.
const (
	StateActive   = "active"
	StateDisabled = "disabled"
)

// Role is a node in the single-parent hierarchy. System roles are seeded and
// reject structural mutation.
type Role struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	ParentID       *int64     `json:"parent_id,omitempty"`
	IsSystem       bool       `json:"is_system"`
	State          string     `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Active reports whether the role participates in permission resolution.
func (r Role) Active() bool { return r.State == StateActive }

// ClosureRow is one materialized (ancestor, descendant, depth) pair. Every
// role has a self-row at depth 0.
type ClosureRow struct {
	AncestorID   int64
	DescendantID int64
	Depth        int
}

// Permission is a named capability identified by (resource, action).
type Permission struct {
	ID       int64  `json:"id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Module   string `json:"module"`
	State    string `json:"state"`
}

// Condition kinds for direct user grants. The set is closed; anything else is
// rejected at assignment time.
const (
	ConditionOwnOrganization = "OWN_ORGANIZATION"
	ConditionOwnRecord       = "OWN_RECORD"
	ConditionDepartment      = "DEPARTMENT"
	ConditionCustom          = "CUSTOM"
)

// ValidCondition reports whether kind names a supported condition.
func ValidCondition(kind string) bool {
	switch kind {
	case ConditionOwnOrganization, ConditionOwnRecord, ConditionDepartment, ConditionCustom:
		return true
	}
	return false
}

// AccessContext carries the request-time attributes conditions are evaluated
// against.
type AccessContext struct {
	UserID             int64
	OrganizationID     int64
	Department         string
	ResourceOwnerID    int64
	ResourceOrgID      int64
	ResourceDepartment string
	Attributes         map[string]string
}

// RoleAssignment links a user to a role. Expiry is optional.
type RoleAssignment struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	RoleID    int64      `json:"role_id"`
	GrantedBy int64      `json:"granted_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ActiveAt reports whether the assignment counts toward permission
// resolution and the last-role invariant at the given instant.
func (a RoleAssignment) ActiveAt(now time.Time) bool {
	if a.RevokedAt != nil {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// UserGrant is a direct per-user permission grant, optionally conditioned.
type UserGrant struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	PermissionID int64      `json:"permission_id"`
	Condition    *string    `json:"condition,omitempty"`
	GrantedBy    int64      `json:"granted_by"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// EffectivePermission is one resolved entry in a user's permission set.
// Source names the role the grant was inherited from, or "direct" for
// per-user grants. Condition is only ever set on direct grants.
type EffectivePermission struct {
	Resource  string  `json:"resource"`
	Action    string  `json:"action"`
	Module    string  `json:"module"`
	Source    string  `json:"source"`
	Direct    bool    `json:"direct"`
	Condition *string `json:"condition,omitempty"`
}

// SourceDirect marks an EffectivePermission granted straight to the user.
const SourceDirect = "direct"

// Key returns the dedup key for effective-permission merging.
func (p EffectivePermission) Key() string { return p.Resource + ":" + p.Action }

// WildcardAction matches any action on a resource when granted.
const WildcardAction = "*"
