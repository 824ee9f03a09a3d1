package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
)

const testRetention = 30 * 24 * time.Hour

func newMemberService(t *testing.T, f *fixture) *MemberService {
	t.Helper()
	return NewMemberService(f.tenants, f.roles, f.members, f.rbac, f.node, audit.NopRecorder{}, zap.NewNop(), testRetention)
}

func TestAddMember(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	created, err := svc.AddMember(ctx, testTenantID, adminUserID, newcomerUserID, viewerRoleID)
	require.NoError(t, err)
	require.Equal(t, domain.MemberActive, created.Status)
	require.Equal(t, viewerRoleID, created.PrimaryRoleID)

	stored, err := f.members.GetMember(ctx, testTenantID, newcomerUserID)
	require.NoError(t, err)
	require.Equal(t, created.ID, stored.ID)
}

func TestAddMemberRequiresManagePermission(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)

	_, err := svc.AddMember(context.Background(), testTenantID, viewerUserID, newcomerUserID, viewerRoleID)
	requireAppCode(t, err, "permission_denied")
}

func TestAddMemberOwnerRoleRejected(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)

	_, err := svc.AddMember(context.Background(), testTenantID, adminUserID, newcomerUserID, ownerRoleID)
	requireAppCode(t, err, "owner_immutable")
}

func TestAddMemberAlreadyActive(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)

	_, err := svc.AddMember(context.Background(), testTenantID, adminUserID, viewerUserID, viewerRoleID)
	requireAppCode(t, err, "member_already_active")
}

func TestAddMemberSeatLimit(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	// Starter cap is five; three seats are taken by the fixture.
	_, err := svc.AddMember(ctx, testTenantID, adminUserID, 2001, viewerRoleID)
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, testTenantID, adminUserID, 2002, viewerRoleID)
	require.NoError(t, err)

	_, err = svc.AddMember(ctx, testTenantID, adminUserID, 2003, viewerRoleID)
	requireAppCode(t, err, "seat_limit_exceeded")
}

func TestSuspendAndRestoreMember(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.SuspendMember(ctx, testTenantID, adminUserID, viewerMemberID))
	require.Equal(t, domain.MemberSuspended, f.members.members[viewerMemberID].Status)

	_, err := f.rbac.Resolve(ctx, testTenantID, viewerUserID)
	requireAppCode(t, err, "not_a_member")

	restored, err := svc.RestoreMember(ctx, testTenantID, adminUserID, viewerMemberID)
	require.NoError(t, err)
	require.Equal(t, domain.MemberActive, restored.Status)
}

func TestSuspendOwnerRejected(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)

	err := svc.SuspendMember(context.Background(), testTenantID, adminUserID, ownerMemberID)
	requireAppCode(t, err, "owner_immutable")
}

func TestSuspendRequiresActiveMember(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.SuspendMember(ctx, testTenantID, adminUserID, viewerMemberID))
	err := svc.SuspendMember(ctx, testTenantID, adminUserID, viewerMemberID)
	requireAppCode(t, err, "member_not_restorable")
}

func TestRemoveMemberStartsRetention(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()
	now := time.Now()
	svc.WithClock(func() time.Time { return now })

	require.NoError(t, svc.RemoveMember(ctx, testTenantID, adminUserID, viewerMemberID))

	removed := f.members.members[viewerMemberID]
	require.Equal(t, domain.MemberRemoved, removed.Status)
	require.NotNil(t, removed.RetentionExpiresAt)
	require.Equal(t, now.Add(testRetention), *removed.RetentionExpiresAt)

	// Restore inside the window succeeds.
	restored, err := svc.RestoreMember(ctx, testTenantID, adminUserID, viewerMemberID)
	require.NoError(t, err)
	require.Equal(t, domain.MemberActive, restored.Status)
	require.Nil(t, restored.RetentionExpiresAt)
}

func TestRemoveOwnerRejected(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)

	err := svc.RemoveMember(context.Background(), testTenantID, adminUserID, ownerMemberID)
	requireAppCode(t, err, "owner_immutable")
}

func TestRestoreAfterRetentionLapsed(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()
	now := time.Now()
	svc.WithClock(func() time.Time { return now })

	require.NoError(t, svc.RemoveMember(ctx, testTenantID, adminUserID, viewerMemberID))

	now = now.Add(testRetention + time.Hour)
	_, err := svc.RestoreMember(ctx, testTenantID, adminUserID, viewerMemberID)
	requireAppCode(t, err, "member_not_restorable")
}

func TestRestoreReentersSeatCheck(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.SuspendMember(ctx, testTenantID, adminUserID, viewerMemberID))

	// The freed seat plus the two spare ones get taken while the member is
	// suspended.
	for _, userID := range []int64{2001, 2002, 2003} {
		_, err := svc.AddMember(ctx, testTenantID, adminUserID, userID, viewerRoleID)
		require.NoError(t, err)
	}

	_, err := svc.RestoreMember(ctx, testTenantID, adminUserID, viewerMemberID)
	requireAppCode(t, err, "seat_limit_exceeded")
}

func TestUpdateMemberRole(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	require.NoError(t, svc.UpdateMemberRole(ctx, testTenantID, adminUserID, viewerMemberID, adminRoleID))
	require.Equal(t, adminRoleID, f.members.members[viewerMemberID].PrimaryRoleID)

	err := svc.UpdateMemberRole(ctx, testTenantID, adminUserID, ownerMemberID, adminRoleID)
	requireAppCode(t, err, "owner_immutable")

	err = svc.UpdateMemberRole(ctx, testTenantID, adminUserID, viewerMemberID, ownerRoleID)
	requireAppCode(t, err, "owner_immutable")
}

func TestGrantSecondaryRole(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	created, err := svc.GrantSecondaryRole(ctx, testTenantID, adminUserID, viewerUserID, adminRoleID, nil)
	require.NoError(t, err)
	require.Equal(t, domain.AssignmentActive, created.Status)

	res, err := f.rbac.Resolve(ctx, testTenantID, viewerUserID)
	require.NoError(t, err)
	require.True(t, res.Permissions.Has(domain.PermMembersManage))

	_, err = svc.GrantSecondaryRole(ctx, testTenantID, adminUserID, viewerUserID, adminRoleID, nil)
	requireAppCode(t, err, "invalid_request")
}

func TestGrantSecondaryRoleRejectsPrimary(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)

	_, err := svc.GrantSecondaryRole(context.Background(), testTenantID, adminUserID, viewerUserID, viewerRoleID, nil)
	requireAppCode(t, err, "invalid_request")
}

func TestGrantSecondaryRoleRejectsPastExpiry(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	past := time.Now().Add(-time.Minute)

	_, err := svc.GrantSecondaryRole(context.Background(), testTenantID, adminUserID, viewerUserID, adminRoleID, &past)
	requireAppCode(t, err, "invalid_request")
}

func TestRevokeSecondaryRole(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	_, err := svc.GrantSecondaryRole(ctx, testTenantID, adminUserID, viewerUserID, adminRoleID, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSecondaryRole(ctx, testTenantID, adminUserID, viewerUserID, adminRoleID))

	res, err := f.rbac.Resolve(ctx, testTenantID, viewerUserID)
	require.NoError(t, err)
	require.False(t, res.Permissions.Has(domain.PermMembersManage))

	err = svc.RevokeSecondaryRole(ctx, testTenantID, adminUserID, viewerUserID, adminRoleID)
	requireAppCode(t, err, "invalid_request")
}

func TestListMembersRequiresReadPermission(t *testing.T) {
	f := newFixture(t)
	svc := newMemberService(t, f)
	ctx := context.Background()

	members, err := svc.ListMembers(ctx, testTenantID, viewerUserID)
	require.NoError(t, err)
	require.Len(t, members, 3)

	_, err = svc.ListMembers(ctx, testTenantID, newcomerUserID)
	requireAppCode(t, err, "not_a_member")
}
