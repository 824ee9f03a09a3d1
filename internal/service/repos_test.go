package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/notify"
	"github.com/loomhq/loom-identity/internal/repository"
)

// Fixture IDs. Tenant 1 is on the starter plan (five seats) with three
// active members, so two seats remain free at the start of every test.
const (
	testTenantID = int64(1)

	ownerRoleID  = int64(10)
	adminRoleID  = int64(11)
	viewerRoleID = int64(12)

	ownerMemberID  = int64(100)
	adminMemberID  = int64(101)
	viewerMemberID = int64(102)

	ownerUserID    = int64(1000)
	adminUserID    = int64(1001)
	viewerUserID   = int64(1002)
	newcomerUserID = int64(1003)
)

type fixture struct {
	tenants  *fakeTenantRepo
	users    *fakeUserRepo
	roles    *fakeRoleRepo
	members  *fakeMemberRepo
	invites  *fakeInviteRepo
	notifier *captureNotifier
	rbac     *RBACService
	node     *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	roles := &fakeRoleRepo{
		roles: map[int64]domain.Role{
			ownerRoleID:  {ID: ownerRoleID, TenantID: testTenantID, Name: "Owner", Slug: "owner", HierarchyLevel: 1, IsSystem: true, IsProtected: true},
			adminRoleID:  {ID: adminRoleID, TenantID: testTenantID, Name: "Admin", Slug: "admin", HierarchyLevel: 2},
			viewerRoleID: {ID: viewerRoleID, TenantID: testTenantID, Name: "Viewer", Slug: "viewer", HierarchyLevel: 5},
		},
		grants: map[int64][]string{
			adminRoleID: {
				domain.PermMembersRead, domain.PermMembersManage,
				domain.PermInvitesRead, domain.PermInvitesManage,
				domain.PermRolesRead, domain.PermRolesManage,
			},
			viewerRoleID: {domain.PermMembersRead, domain.PermInvitesRead, domain.PermRolesRead},
		},
		catalog: domain.PermissionCatalog(),
	}

	members := &fakeMemberRepo{
		members: map[int64]domain.TenantMember{
			ownerMemberID:  {ID: ownerMemberID, TenantID: testTenantID, UserID: ownerUserID, PrimaryRoleID: ownerRoleID, IsOwner: true, Status: domain.MemberActive},
			adminMemberID:  {ID: adminMemberID, TenantID: testTenantID, UserID: adminUserID, PrimaryRoleID: adminRoleID, Status: domain.MemberActive},
			viewerMemberID: {ID: viewerMemberID, TenantID: testTenantID, UserID: viewerUserID, PrimaryRoleID: viewerRoleID, Status: domain.MemberActive},
		},
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		tenants: &fakeTenantRepo{tenants: map[int64]domain.Tenant{
			testTenantID: {ID: testTenantID, Name: "Acme", Slug: "acme", Plan: domain.PlanStarter, Status: "active"},
		}},
		users: &fakeUserRepo{users: map[int64]domain.User{
			ownerUserID:    {ID: ownerUserID, Email: "owner@acme.test", EmailVerified: true},
			adminUserID:    {ID: adminUserID, Email: "admin@acme.test", EmailVerified: true},
			viewerUserID:   {ID: viewerUserID, Email: "viewer@acme.test", EmailVerified: true},
			newcomerUserID: {ID: newcomerUserID, Email: "newcomer@acme.test", EmailVerified: true},
		}},
		roles:    roles,
		members:  members,
		invites:  &fakeInviteRepo{invites: map[int64]domain.TenantInvite{}},
		notifier: &captureNotifier{},
		node:     node,
	}
	f.rbac = NewRBACService(f.roles, f.members, zap.NewNop())
	return f
}

func requireAppCode(t *testing.T, err error, code string) {
	t.Helper()
	appErr, ok := apperr.As(err)
	require.True(t, ok, "expected application error, got %v", err)
	require.Equal(t, code, appErr.Code)
}

type fakeTenantRepo struct {
	tenants map[int64]domain.Tenant
}

func (f *fakeTenantRepo) GetTenant(_ context.Context, tenantID int64) (domain.Tenant, error) {
	tenant, ok := f.tenants[tenantID]
	if !ok {
		return domain.Tenant{}, repository.ErrNotFound
	}
	return tenant, nil
}

func (f *fakeTenantRepo) GetTenantBySlug(_ context.Context, slug string) (domain.Tenant, error) {
	for _, tenant := range f.tenants {
		if tenant.Slug == slug {
			return tenant, nil
		}
	}
	return domain.Tenant{}, repository.ErrNotFound
}

type fakeUserRepo struct {
	users map[int64]domain.User
}

func (f *fakeUserRepo) GetByID(_ context.Context, userID int64) (domain.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (f *fakeUserRepo) MarkEmailVerified(_ context.Context, userID int64, _ time.Time) error {
	user, ok := f.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	user.EmailVerified = true
	f.users[userID] = user
	return nil
}

func (f *fakeUserRepo) SetPasskeyEnabled(_ context.Context, userID int64, enabled bool) error {
	user, ok := f.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	user.PasskeyEnabled = enabled
	f.users[userID] = user
	return nil
}

type fakeRoleRepo struct {
	roles   map[int64]domain.Role
	grants  map[int64][]string
	catalog []domain.Permission
}

func (f *fakeRoleRepo) GetRole(_ context.Context, tenantID, roleID int64) (domain.Role, error) {
	role, ok := f.roles[roleID]
	if !ok || role.TenantID != tenantID {
		return domain.Role{}, repository.ErrNotFound
	}
	return role, nil
}

func (f *fakeRoleRepo) GetRoleBySlug(_ context.Context, tenantID int64, slug string) (domain.Role, error) {
	for _, role := range f.roles {
		if role.TenantID == tenantID && role.Slug == slug {
			return role, nil
		}
	}
	return domain.Role{}, repository.ErrNotFound
}

func (f *fakeRoleRepo) ListRoles(_ context.Context, tenantID int64) ([]domain.Role, error) {
	var out []domain.Role
	for _, role := range f.roles {
		if role.TenantID == tenantID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (f *fakeRoleRepo) CreateRole(_ context.Context, role domain.Role) (domain.Role, error) {
	for _, existing := range f.roles {
		if existing.TenantID == role.TenantID && existing.Slug == role.Slug {
			return domain.Role{}, repository.ErrConflict
		}
	}
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRoleRepo) UpdateRole(_ context.Context, role domain.Role) (domain.Role, error) {
	if _, ok := f.roles[role.ID]; !ok {
		return domain.Role{}, repository.ErrNotFound
	}
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRoleRepo) DeleteRole(_ context.Context, tenantID, roleID int64) error {
	role, ok := f.roles[roleID]
	if !ok || role.TenantID != tenantID || role.IsProtected || role.IsSystem {
		return repository.ErrNotFound
	}
	delete(f.roles, roleID)
	delete(f.grants, roleID)
	return nil
}

func (f *fakeRoleRepo) ListRolePermissions(_ context.Context, roleID int64) ([]string, error) {
	return f.grants[roleID], nil
}

func (f *fakeRoleRepo) SetRolePermissions(_ context.Context, _, roleID int64, keys []string) error {
	f.grants[roleID] = append([]string(nil), keys...)
	return nil
}

func (f *fakeRoleRepo) ListPermissions(_ context.Context) ([]domain.Permission, error) {
	return f.catalog, nil
}

func (f *fakeRoleRepo) UpsertPermissions(_ context.Context, permissions []domain.Permission) error {
	for _, p := range permissions {
		replaced := false
		for i := range f.catalog {
			if f.catalog[i].Key == p.Key {
				f.catalog[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			f.catalog = append(f.catalog, p)
		}
	}
	return nil
}

type fakeMemberRepo struct {
	members     map[int64]domain.TenantMember
	assignments []domain.SecondaryRoleAssignment
	memberships []domain.Membership
}

func (f *fakeMemberRepo) GetMember(_ context.Context, tenantID, userID int64) (domain.TenantMember, error) {
	for _, m := range f.members {
		if m.TenantID == tenantID && m.UserID == userID {
			return m, nil
		}
	}
	return domain.TenantMember{}, repository.ErrNotFound
}

func (f *fakeMemberRepo) GetMemberByID(_ context.Context, tenantID, memberID int64) (domain.TenantMember, error) {
	m, ok := f.members[memberID]
	if !ok || m.TenantID != tenantID {
		return domain.TenantMember{}, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeMemberRepo) ListMembers(_ context.Context, tenantID int64) ([]domain.TenantMember, error) {
	var out []domain.TenantMember
	for _, m := range f.members {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMemberRepo) ListMemberships(_ context.Context, _ int64) ([]domain.Membership, error) {
	return f.memberships, nil
}

func (f *fakeMemberRepo) CountActive(_ context.Context, tenantID int64) (int, error) {
	return f.countActive(tenantID), nil
}

func (f *fakeMemberRepo) countActive(tenantID int64) int {
	count := 0
	for _, m := range f.members {
		if m.TenantID == tenantID && m.Status == domain.MemberActive {
			count++
		}
	}
	return count
}

func (f *fakeMemberRepo) CreateSeatChecked(_ context.Context, member domain.TenantMember, cap int) (domain.TenantMember, error) {
	for _, m := range f.members {
		if m.TenantID == member.TenantID && m.UserID == member.UserID {
			return domain.TenantMember{}, repository.ErrConflict
		}
	}
	if f.countActive(member.TenantID) >= cap {
		return domain.TenantMember{}, repository.ErrSeatLimit
	}
	member.Status = domain.MemberActive
	f.members[member.ID] = member
	return member, nil
}

func (f *fakeMemberRepo) ReactivateSeatChecked(_ context.Context, tenantID, memberID, roleID int64, cap int) (domain.TenantMember, error) {
	m, ok := f.members[memberID]
	if !ok || m.TenantID != tenantID {
		return domain.TenantMember{}, repository.ErrNotFound
	}
	if f.countActive(tenantID) >= cap {
		return domain.TenantMember{}, repository.ErrSeatLimit
	}
	m.Status = domain.MemberActive
	m.PrimaryRoleID = roleID
	m.RetentionExpiresAt = nil
	f.members[memberID] = m
	return m, nil
}

func (f *fakeMemberRepo) UpdateRoleAssignment(_ context.Context, tenantID, memberID, roleID int64) error {
	m, ok := f.members[memberID]
	if !ok || m.TenantID != tenantID {
		return repository.ErrNotFound
	}
	m.PrimaryRoleID = roleID
	f.members[memberID] = m
	return nil
}

func (f *fakeMemberRepo) UpdateStatus(_ context.Context, tenantID, memberID int64, status domain.MemberStatus, retentionExpiresAt *time.Time) error {
	m, ok := f.members[memberID]
	if !ok || m.TenantID != tenantID {
		return repository.ErrNotFound
	}
	m.Status = status
	m.RetentionExpiresAt = retentionExpiresAt
	f.members[memberID] = m
	return nil
}

func (f *fakeMemberRepo) ListSecondaryAssignments(_ context.Context, tenantID, userID int64) ([]domain.SecondaryRoleAssignment, error) {
	var out []domain.SecondaryRoleAssignment
	for _, a := range f.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.Status == domain.AssignmentActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeMemberRepo) CreateSecondaryAssignment(_ context.Context, assignment domain.SecondaryRoleAssignment) (domain.SecondaryRoleAssignment, error) {
	for _, a := range f.assignments {
		if a.TenantID == assignment.TenantID && a.UserID == assignment.UserID && a.RoleID == assignment.RoleID && a.Status == domain.AssignmentActive {
			return domain.SecondaryRoleAssignment{}, repository.ErrConflict
		}
	}
	assignment.Status = domain.AssignmentActive
	f.assignments = append(f.assignments, assignment)
	return assignment, nil
}

func (f *fakeMemberRepo) RevokeSecondaryAssignment(_ context.Context, tenantID, userID, roleID int64) error {
	for i, a := range f.assignments {
		if a.TenantID == tenantID && a.UserID == userID && a.RoleID == roleID && a.Status == domain.AssignmentActive {
			f.assignments[i].Status = domain.AssignmentRevoked
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeInviteRepo struct {
	invites map[int64]domain.TenantInvite
}

func (f *fakeInviteRepo) GetByID(_ context.Context, tenantID, inviteID int64) (domain.TenantInvite, error) {
	invite, ok := f.invites[inviteID]
	if !ok || invite.TenantID != tenantID {
		return domain.TenantInvite{}, repository.ErrNotFound
	}
	return invite, nil
}

func (f *fakeInviteRepo) GetByTokenHash(_ context.Context, tokenHash string) (domain.TenantInvite, error) {
	for _, invite := range f.invites {
		if invite.TokenHash == tokenHash {
			return invite, nil
		}
	}
	return domain.TenantInvite{}, repository.ErrNotFound
}

func (f *fakeInviteRepo) GetPendingByEmail(_ context.Context, tenantID int64, email string) (domain.TenantInvite, error) {
	for _, invite := range f.invites {
		if invite.TenantID == tenantID && invite.Status == domain.InvitePending && strings.EqualFold(invite.Email, email) {
			return invite, nil
		}
	}
	return domain.TenantInvite{}, repository.ErrNotFound
}

func (f *fakeInviteRepo) ListByTenant(_ context.Context, tenantID int64) ([]domain.TenantInvite, error) {
	var out []domain.TenantInvite
	for _, invite := range f.invites {
		if invite.TenantID == tenantID {
			out = append(out, invite)
		}
	}
	return out, nil
}

func (f *fakeInviteRepo) Create(_ context.Context, invite domain.TenantInvite) (domain.TenantInvite, error) {
	for _, existing := range f.invites {
		if existing.TenantID == invite.TenantID && existing.Status == domain.InvitePending && strings.EqualFold(existing.Email, invite.Email) {
			return domain.TenantInvite{}, repository.ErrConflict
		}
	}
	invite.Status = domain.InvitePending
	f.invites[invite.ID] = invite
	return invite, nil
}

func (f *fakeInviteRepo) Rotate(_ context.Context, inviteID int64, tokenHash string, expiresAt time.Time, resendCount int) error {
	invite, ok := f.invites[inviteID]
	if !ok || invite.Status != domain.InvitePending {
		return repository.ErrNotFound
	}
	invite.TokenHash = tokenHash
	invite.ExpiresAt = expiresAt
	invite.ResendCount = resendCount
	f.invites[inviteID] = invite
	return nil
}

func (f *fakeInviteRepo) UpdateStatus(_ context.Context, inviteID int64, status domain.InviteStatus) error {
	invite, ok := f.invites[inviteID]
	if !ok {
		return repository.ErrNotFound
	}
	invite.Status = status
	f.invites[inviteID] = invite
	return nil
}

func (f *fakeInviteRepo) MarkAccepted(_ context.Context, inviteID, memberID int64) error {
	invite, ok := f.invites[inviteID]
	if !ok {
		return repository.ErrNotFound
	}
	if invite.Status != domain.InvitePending {
		return repository.ErrConflict
	}
	invite.Status = domain.InviteAccepted
	invite.MemberID = &memberID
	f.invites[inviteID] = invite
	return nil
}

type fakeDeviceRepo struct {
	devices map[string]domain.TrustedDevice
}

func deviceKey(userID int64, fingerprintHash string) string {
	return fingerprintHash + "/" + snowflakeString(userID)
}

func (f *fakeDeviceRepo) Get(_ context.Context, userID int64, fingerprintHash string) (domain.TrustedDevice, error) {
	device, ok := f.devices[deviceKey(userID, fingerprintHash)]
	if !ok {
		return domain.TrustedDevice{}, repository.ErrNotFound
	}
	return device, nil
}

func (f *fakeDeviceRepo) Upsert(_ context.Context, device domain.TrustedDevice) (domain.TrustedDevice, error) {
	key := deviceKey(device.UserID, device.FingerprintHash)
	if existing, ok := f.devices[key]; ok {
		if existing.TrustedUntil.After(device.TrustedUntil) {
			device.TrustedUntil = existing.TrustedUntil
		}
		device.ID = existing.ID
	}
	f.devices[key] = device
	return device, nil
}

type fakePasskeyRepo struct {
	creds map[string]domain.PasskeyCredential
}

func (f *fakePasskeyRepo) ListByUser(_ context.Context, userID int64) ([]domain.PasskeyCredential, error) {
	var out []domain.PasskeyCredential
	for _, cred := range f.creds {
		if cred.UserID == userID {
			out = append(out, cred)
		}
	}
	return out, nil
}

func (f *fakePasskeyRepo) GetByCredentialID(_ context.Context, credentialID string) (domain.PasskeyCredential, error) {
	cred, ok := f.creds[credentialID]
	if !ok {
		return domain.PasskeyCredential{}, repository.ErrNotFound
	}
	return cred, nil
}

func (f *fakePasskeyRepo) Create(_ context.Context, credential domain.PasskeyCredential) (domain.PasskeyCredential, error) {
	if _, ok := f.creds[credential.CredentialID]; ok {
		return domain.PasskeyCredential{}, repository.ErrConflict
	}
	f.creds[credential.CredentialID] = credential
	return credential, nil
}

func (f *fakePasskeyRepo) UpdateCounter(_ context.Context, credentialID string, counter uint32, usedAt time.Time) error {
	cred, ok := f.creds[credentialID]
	if !ok {
		return repository.ErrNotFound
	}
	cred.SignatureCounter = counter
	cred.LastUsedAt = &usedAt
	f.creds[credentialID] = cred
	return nil
}

func (f *fakePasskeyRepo) Delete(_ context.Context, userID int64, credentialID string) error {
	cred, ok := f.creds[credentialID]
	if !ok || cred.UserID != userID {
		return repository.ErrNotFound
	}
	delete(f.creds, credentialID)
	return nil
}

func (f *fakePasskeyRepo) CountByUser(_ context.Context, userID int64) (int, error) {
	count := 0
	for _, cred := range f.creds {
		if cred.UserID == userID {
			count++
		}
	}
	return count, nil
}

type captureNotifier struct {
	messages []notify.Message
}

func (c *captureNotifier) Dispatch(_ context.Context, msg notify.Message) error {
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureNotifier) last(t *testing.T) notify.Message {
	t.Helper()
	require.NotEmpty(t, c.messages)
	return c.messages[len(c.messages)-1]
}
