package domain

import "time"

// MemberStatus is the lifecycle state of a tenant membership.
type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberRemoved   MemberStatus = "removed"
)

// TenantMember joins a user to a tenant with a mandatory primary role.
// Exactly one member per tenant carries IsOwner.
type TenantMember struct {
	ID                 int64
	TenantID           int64
	UserID             int64
	PrimaryRoleID      int64
	IsOwner            bool
	Status             MemberStatus
	RetentionExpiresAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Restorable reports whether a removed member can still be reactivated.
func (m TenantMember) Restorable(now time.Time) bool {
	if m.Status != MemberRemoved {
		return m.Status == MemberSuspended
	}
	return m.RetentionExpiresAt != nil && now.Before(*m.RetentionExpiresAt)
}

// AssignmentStatus is the lifecycle state of a secondary role assignment.
type AssignmentStatus string

const (
	AssignmentActive  AssignmentStatus = "active"
	AssignmentExpired AssignmentStatus = "expired"
	AssignmentRevoked AssignmentStatus = "revoked"
)

// SecondaryRoleAssignment augments a member's primary role, optionally
// time-boxed. Unique on (tenant, user, role).
type SecondaryRoleAssignment struct {
	ID        int64
	TenantID  int64
	UserID    int64
	RoleID    int64
	Status    AssignmentStatus
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// ActiveAt evaluates expiry lazily: a lapsed ExpiresAt wins over a stale
// active status.
func (a SecondaryRoleAssignment) ActiveAt(now time.Time) bool {
	if a.Status != AssignmentActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Membership is the compact view of one user's standing across tenants,
// cached into session bootstrap payloads for the workspace switcher.
type Membership struct {
	TenantID   int64        `json:"tenant_id"`
	TenantName string       `json:"tenant_name"`
	TenantSlug string       `json:"tenant_slug"`
	RoleName   string       `json:"role_name"`
	RoleSlug   string       `json:"role_slug"`
	IsOwner    bool         `json:"is_owner"`
	Status     MemberStatus `json:"status"`
}
