package domain

import "time"

// OwnerRoleSlug is reserved; every tenant has exactly one role with this slug
// and it is always protected.
const OwnerRoleSlug = "owner"

// OwnerHierarchyLevel is the most privileged level. Lower means more
// privileged.
const OwnerHierarchyLevel = 1

// Role belongs to exactly one tenant.
type Role struct {
	ID             int64
	TenantID       int64
	Name           string
	Slug           string
	HierarchyLevel int
	IsSystem       bool
	IsProtected    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsOwnerRole reports whether the role is the tenant's reserved owner role.
func (r Role) IsOwnerRole() bool {
	return r.Slug == OwnerRoleSlug
}

// Permission is a global catalog entry, not tenant-scoped.
type Permission struct {
	Key         string
	Description string
	RequiresMFA bool
	IsCritical  bool
}
