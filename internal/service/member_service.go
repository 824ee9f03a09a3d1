package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
)

// MemberService drives the membership lifecycle: seat-capped joins,
// suspension, soft removal with a retention window, and role changes.
type MemberService struct {
	tenants   repository.TenantRepository
	roles     repository.RoleRepository
	members   repository.MemberRepository
	rbac      *RBACService
	snowflake *snowflake.Node
	recorder  audit.Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	retention time.Duration
}

// NewMemberService wires dependencies.
func NewMemberService(
	tenants repository.TenantRepository,
	roles repository.RoleRepository,
	members repository.MemberRepository,
	rbac *RBACService,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	retention time.Duration,
) *MemberService {
	return &MemberService{
		tenants:   tenants,
		roles:     roles,
		members:   members,
		rbac:      rbac,
		snowflake: node,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		now:       time.Now,
		retention: retention,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *MemberService) WithClock(now func() time.Time) *MemberService {
	s.now = now
	return s
}

// ListMembers returns every membership row in the tenant, all states
// included.
func (s *MemberService) ListMembers(ctx context.Context, tenantID, actorID int64) ([]domain.TenantMember, error) {
	ctx, span := s.startSpan(ctx, "MemberService.ListMembers")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersRead); err != nil {
		return nil, err
	}
	members, err := s.members.ListMembers(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("list members", err)
	}
	return members, nil
}

// AddMember creates an active membership directly, without an invite. The
// seat check runs inside the insert transaction so two concurrent adds can
// never both land on the last seat.
func (s *MemberService) AddMember(ctx context.Context, tenantID, actorID, userID, roleID int64) (domain.TenantMember, error) {
	ctx, span := s.startSpan(ctx, "MemberService.AddMember")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return domain.TenantMember{}, err
	}
	role, err := s.loadAssignableRole(ctx, tenantID, roleID)
	if err != nil {
		return domain.TenantMember{}, err
	}

	if existing, err := s.members.GetMember(ctx, tenantID, userID); err == nil {
		if existing.Status == domain.MemberActive {
			return domain.TenantMember{}, apperr.Conflict("member_already_active", "User is already an active member.")
		}
		return domain.TenantMember{}, apperr.Conflict("member_already_active", "User already has a membership; restore it instead.")
	} else if !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("check membership", err)
	}

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("load tenant", err)
	}

	member := domain.TenantMember{
		ID:            s.snowflake.Generate().Int64(),
		TenantID:      tenantID,
		UserID:        userID,
		PrimaryRoleID: role.ID,
	}
	created, err := s.members.CreateSeatChecked(ctx, member, tenant.SeatCap())
	if err != nil {
		if errors.Is(err, repository.ErrSeatLimit) {
			return domain.TenantMember{}, apperr.Exhausted("seat_limit_exceeded", "The workspace has no remaining seats.")
		}
		if errors.Is(err, repository.ErrConflict) {
			return domain.TenantMember{}, apperr.Conflict("member_already_active", "User is already an active member.")
		}
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("create member", err)
	}

	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.added",
		ResourceType: "member", ResourceID: snowflakeString(created.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"user_id": userID, "role_id": role.ID},
	})
	return created, nil
}

// SuspendMember blocks access without consuming the membership. The owner
// cannot be suspended.
func (s *MemberService) SuspendMember(ctx context.Context, tenantID, actorID, memberID int64) error {
	ctx, span := s.startSpan(ctx, "MemberService.SuspendMember")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return err
	}
	member, err := s.loadMember(ctx, tenantID, memberID)
	if err != nil {
		return err
	}
	if member.IsOwner {
		return apperr.Authorization("owner_immutable", "The workspace owner cannot be suspended.")
	}
	if member.Status != domain.MemberActive {
		return apperr.Conflict("member_not_restorable", "Only active members can be suspended.")
	}

	if err := s.members.UpdateStatus(ctx, tenantID, memberID, domain.MemberSuspended, nil); err != nil {
		span.RecordError(err)
		return apperr.Upstream("suspend member", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.suspended",
		ResourceType: "member", ResourceID: snowflakeString(memberID),
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// RestoreMember reactivates a suspended member, or a removed member whose
// retention window has not lapsed. Reactivation re-enters the seat check:
// the seat may have been given away in the meantime.
func (s *MemberService) RestoreMember(ctx context.Context, tenantID, actorID, memberID int64) (domain.TenantMember, error) {
	ctx, span := s.startSpan(ctx, "MemberService.RestoreMember")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return domain.TenantMember{}, err
	}
	member, err := s.loadMember(ctx, tenantID, memberID)
	if err != nil {
		return domain.TenantMember{}, err
	}
	if member.Status == domain.MemberActive {
		return domain.TenantMember{}, apperr.Conflict("member_already_active", "Member is already active.")
	}
	if !member.Restorable(s.now()) {
		return domain.TenantMember{}, apperr.Conflict("member_not_restorable", "The retention window for this member has lapsed.")
	}

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("load tenant", err)
	}
	restored, err := s.members.ReactivateSeatChecked(ctx, tenantID, memberID, member.PrimaryRoleID, tenant.SeatCap())
	if err != nil {
		if errors.Is(err, repository.ErrSeatLimit) {
			return domain.TenantMember{}, apperr.Exhausted("seat_limit_exceeded", "The workspace has no remaining seats.")
		}
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("restore member", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.restored",
		ResourceType: "member", ResourceID: snowflakeString(memberID),
		Outcome: audit.OutcomeSuccess,
	})
	return restored, nil
}

// RemoveMember soft-deletes the membership and starts the retention clock.
// The owner cannot be removed.
func (s *MemberService) RemoveMember(ctx context.Context, tenantID, actorID, memberID int64) error {
	ctx, span := s.startSpan(ctx, "MemberService.RemoveMember")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return err
	}
	member, err := s.loadMember(ctx, tenantID, memberID)
	if err != nil {
		return err
	}
	if member.IsOwner {
		return apperr.Authorization("owner_immutable", "The workspace owner cannot be removed.")
	}
	if member.Status == domain.MemberRemoved {
		return apperr.Conflict("member_not_restorable", "Member is already removed.")
	}

	retainUntil := s.now().Add(s.retention)
	if err := s.members.UpdateStatus(ctx, tenantID, memberID, domain.MemberRemoved, &retainUntil); err != nil {
		span.RecordError(err)
		return apperr.Upstream("remove member", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.removed",
		ResourceType: "member", ResourceID: snowflakeString(memberID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"retention_expires_at": retainUntil},
	})
	return nil
}

// UpdateMemberRole swaps the primary role. The owner's role is fixed, and no
// member can be promoted into the owner role through this path.
func (s *MemberService) UpdateMemberRole(ctx context.Context, tenantID, actorID, memberID, roleID int64) error {
	ctx, span := s.startSpan(ctx, "MemberService.UpdateMemberRole")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return err
	}
	member, err := s.loadMember(ctx, tenantID, memberID)
	if err != nil {
		return err
	}
	if member.IsOwner {
		return apperr.Authorization("owner_immutable", "The workspace owner's role cannot be changed.")
	}
	role, err := s.loadAssignableRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}

	if err := s.members.UpdateRoleAssignment(ctx, tenantID, memberID, role.ID); err != nil {
		span.RecordError(err)
		return apperr.Upstream("update member role", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.role_changed",
		ResourceType: "member", ResourceID: snowflakeString(memberID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"role_id": role.ID},
	})
	return nil
}

// GrantSecondaryRole layers an additional, optionally time-boxed role on top
// of the member's primary role.
func (s *MemberService) GrantSecondaryRole(ctx context.Context, tenantID, actorID, userID, roleID int64, expiresAt *time.Time) (domain.SecondaryRoleAssignment, error) {
	ctx, span := s.startSpan(ctx, "MemberService.GrantSecondaryRole")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return domain.SecondaryRoleAssignment{}, err
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return domain.SecondaryRoleAssignment{}, apperr.Validation("expires_at must be in the future")
	}
	role, err := s.loadAssignableRole(ctx, tenantID, roleID)
	if err != nil {
		return domain.SecondaryRoleAssignment{}, err
	}
	member, err := s.members.GetMember(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.SecondaryRoleAssignment{}, apperr.NotFound("not_a_member", "User is not a member of this workspace.")
		}
		span.RecordError(err)
		return domain.SecondaryRoleAssignment{}, apperr.Upstream("load member", err)
	}
	if member.PrimaryRoleID == role.ID {
		return domain.SecondaryRoleAssignment{}, apperr.Conflict("invalid_request", "Role is already the member's primary role.")
	}

	assignment := domain.SecondaryRoleAssignment{
		ID:        s.snowflake.Generate().Int64(),
		TenantID:  tenantID,
		UserID:    userID,
		RoleID:    role.ID,
		ExpiresAt: expiresAt,
	}
	created, err := s.members.CreateSecondaryAssignment(ctx, assignment)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.SecondaryRoleAssignment{}, apperr.Conflict("invalid_request", "Role is already assigned to this member.")
		}
		span.RecordError(err)
		return domain.SecondaryRoleAssignment{}, apperr.Upstream("create secondary assignment", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.secondary_role_granted",
		ResourceType: "member", ResourceID: snowflakeString(member.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"role_id": role.ID},
	})
	return created, nil
}

// RevokeSecondaryRole withdraws a secondary assignment immediately.
func (s *MemberService) RevokeSecondaryRole(ctx context.Context, tenantID, actorID, userID, roleID int64) error {
	ctx, span := s.startSpan(ctx, "MemberService.RevokeSecondaryRole")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermMembersManage); err != nil {
		return err
	}
	if err := s.members.RevokeSecondaryAssignment(ctx, tenantID, userID, roleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("invalid_request", "No active assignment for that role.")
		}
		span.RecordError(err)
		return apperr.Upstream("revoke secondary assignment", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "member.secondary_role_revoked",
		ResourceType: "member", ResourceID: snowflakeString(userID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"role_id": roleID},
	})
	return nil
}

func (s *MemberService) loadMember(ctx context.Context, tenantID, memberID int64) (domain.TenantMember, error) {
	member, err := s.members.GetMemberByID(ctx, tenantID, memberID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.TenantMember{}, apperr.NotFound("not_a_member", "Member not found.")
		}
		return domain.TenantMember{}, apperr.Upstream("load member", err)
	}
	return member, nil
}

func (s *MemberService) loadAssignableRole(ctx context.Context, tenantID, roleID int64) (domain.Role, error) {
	role, err := s.roles.GetRole(ctx, tenantID, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Role{}, apperr.Validation("role does not exist in this workspace")
		}
		return domain.Role{}, apperr.Upstream("load role", err)
	}
	if role.IsOwnerRole() {
		return domain.Role{}, apperr.Authorization("owner_immutable", "The owner role cannot be assigned.")
	}
	return role, nil
}

func (s *MemberService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
