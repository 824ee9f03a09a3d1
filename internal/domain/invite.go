package domain

import "time"

// InviteStatus is the lifecycle state of a tenant invite.
type InviteStatus string

const (
	InvitePending   InviteStatus = "pending"
	InviteAccepted  InviteStatus = "accepted"
	InviteExpired   InviteStatus = "expired"
	InviteCancelled InviteStatus = "cancelled"
)

// TenantInvite is a pending offer of (tenant, email, role). The raw token is
// only ever emailed; the row keeps its SHA-256 hash.
type TenantInvite struct {
	ID          int64
	TenantID    int64
	Email       string
	RoleID      int64
	TokenHash   string
	InvitedBy   int64
	ResendCount int
	Status      InviteStatus
	MemberID    *int64
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsExpired reports whether the invite lapsed. Expiry is detected lazily;
// callers transition the row when they observe it.
func (i TenantInvite) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}
