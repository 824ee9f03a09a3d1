package repository

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom-identity/internal/domain"
)

var (
	// ErrNotFound maps pgx.ErrNoRows across every repository.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict signals a unique-constraint violation.
	ErrConflict = errors.New("repository: conflict")
	// ErrSeatLimit signals a seat-capped insert that found no headroom.
	ErrSeatLimit = errors.New("repository: seat limit reached")
)

// TenantRepository exposes workspace lookups.
type TenantRepository interface {
	GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (domain.Tenant, error)
}

// UserRepository exposes persistence for platform users.
type UserRepository interface {
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	MarkEmailVerified(ctx context.Context, userID int64, at time.Time) error
	SetPasskeyEnabled(ctx context.Context, userID int64, enabled bool) error
}

// RoleRepository manages tenant roles, the global permission catalog, and
// role-permission grants.
type RoleRepository interface {
	GetRole(ctx context.Context, tenantID, roleID int64) (domain.Role, error)
	GetRoleBySlug(ctx context.Context, tenantID int64, slug string) (domain.Role, error)
	ListRoles(ctx context.Context, tenantID int64) ([]domain.Role, error)
	CreateRole(ctx context.Context, role domain.Role) (domain.Role, error)
	UpdateRole(ctx context.Context, role domain.Role) (domain.Role, error)
	DeleteRole(ctx context.Context, tenantID, roleID int64) error

	ListRolePermissions(ctx context.Context, roleID int64) ([]string, error)
	SetRolePermissions(ctx context.Context, tenantID, roleID int64, keys []string) error

	ListPermissions(ctx context.Context) ([]domain.Permission, error)
	UpsertPermissions(ctx context.Context, permissions []domain.Permission) error
}

// MemberRepository manages tenant memberships and secondary assignments.
// CreateSeatChecked and ReactivateSeatChecked run inside a transaction that
// locks the tenant row, so the seat count cannot be raced past the cap by
// concurrent instances.
type MemberRepository interface {
	GetMember(ctx context.Context, tenantID, userID int64) (domain.TenantMember, error)
	GetMemberByID(ctx context.Context, tenantID, memberID int64) (domain.TenantMember, error)
	ListMembers(ctx context.Context, tenantID int64) ([]domain.TenantMember, error)
	ListMemberships(ctx context.Context, userID int64) ([]domain.Membership, error)
	CountActive(ctx context.Context, tenantID int64) (int, error)

	CreateSeatChecked(ctx context.Context, member domain.TenantMember, cap int) (domain.TenantMember, error)
	ReactivateSeatChecked(ctx context.Context, tenantID, memberID, roleID int64, cap int) (domain.TenantMember, error)
	UpdateRoleAssignment(ctx context.Context, tenantID, memberID, roleID int64) error
	UpdateStatus(ctx context.Context, tenantID, memberID int64, status domain.MemberStatus, retentionExpiresAt *time.Time) error

	ListSecondaryAssignments(ctx context.Context, tenantID, userID int64) ([]domain.SecondaryRoleAssignment, error)
	CreateSecondaryAssignment(ctx context.Context, assignment domain.SecondaryRoleAssignment) (domain.SecondaryRoleAssignment, error)
	RevokeSecondaryAssignment(ctx context.Context, tenantID, userID, roleID int64) error
}

// InviteRepository manages tenant invites. Token lookups go through the
// SHA-256 digest; the raw token is never stored.
type InviteRepository interface {
	GetByID(ctx context.Context, tenantID, inviteID int64) (domain.TenantInvite, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (domain.TenantInvite, error)
	GetPendingByEmail(ctx context.Context, tenantID int64, email string) (domain.TenantInvite, error)
	ListByTenant(ctx context.Context, tenantID int64) ([]domain.TenantInvite, error)
	Create(ctx context.Context, invite domain.TenantInvite) (domain.TenantInvite, error)
	Rotate(ctx context.Context, inviteID int64, tokenHash string, expiresAt time.Time, resendCount int) error
	UpdateStatus(ctx context.Context, inviteID int64, status domain.InviteStatus) error
	MarkAccepted(ctx context.Context, inviteID, memberID int64) error
}

// DeviceRepository manages the trusted-device registry.
type DeviceRepository interface {
	Get(ctx context.Context, userID int64, fingerprintHash string) (domain.TrustedDevice, error)
	Upsert(ctx context.Context, device domain.TrustedDevice) (domain.TrustedDevice, error)
}

// PasskeyRepository manages WebAuthn credentials.
type PasskeyRepository interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.PasskeyCredential, error)
	GetByCredentialID(ctx context.Context, credentialID string) (domain.PasskeyCredential, error)
	Create(ctx context.Context, credential domain.PasskeyCredential) (domain.PasskeyCredential, error)
	UpdateCounter(ctx context.Context, credentialID string, counter uint32, usedAt time.Time) error
	Delete(ctx context.Context, userID int64, credentialID string) error
	CountByUser(ctx context.Context, userID int64) (int, error)
}
