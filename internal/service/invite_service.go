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
	"github.com/loomhq/loom-identity/internal/notify"
	"github.com/loomhq/loom-identity/internal/repository"
	"github.com/loomhq/loom-identity/internal/vault"
)

// InviteConfig carries the invite lifecycle knobs.
type InviteConfig struct {
	TTL        time.Duration
	MaxResends int
	AcceptURL  string
}

// InviteService drives the invite lifecycle from creation through
// acceptance. Invite tokens live hashed on the invite row itself, so an
// accepted invite can still recognize its own token and answer a replay with
// a state conflict instead of an unknown-token error.
type InviteService struct {
	tenants   repository.TenantRepository
	users     repository.UserRepository
	roles     repository.RoleRepository
	members   repository.MemberRepository
	invites   repository.InviteRepository
	rbac      *RBACService
	notifier  notify.Dispatcher
	snowflake *snowflake.Node
	recorder  audit.Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	cfg       InviteConfig
}

// NewInviteService wires dependencies.
func NewInviteService(
	tenants repository.TenantRepository,
	users repository.UserRepository,
	roles repository.RoleRepository,
	members repository.MemberRepository,
	invites repository.InviteRepository,
	rbac *RBACService,
	notifier notify.Dispatcher,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg InviteConfig,
) *InviteService {
	return &InviteService{
		tenants:   tenants,
		users:     users,
		roles:     roles,
		members:   members,
		invites:   invites,
		rbac:      rbac,
		notifier:  notifier,
		snowflake: node,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		now:       time.Now,
		cfg:       cfg,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *InviteService) WithClock(now func() time.Time) *InviteService {
	s.now = now
	return s
}

// Create issues a pending invite and emails its single-use token. At most
// one pending invite may exist per (tenant, email); a lapsed pending invite
// is expired in place and does not block a fresh one.
func (s *InviteService) Create(ctx context.Context, tenantID, actorID int64, email string, roleID int64) (domain.TenantInvite, error) {
	ctx, span := s.startSpan(ctx, "InviteService.Create")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermInvitesManage); err != nil {
		return domain.TenantInvite{}, err
	}
	email = normalizeEmail(email)
	if !validEmail(email) {
		return domain.TenantInvite{}, apperr.Validation("a valid email address is required")
	}

	role, err := s.roles.GetRole(ctx, tenantID, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.TenantInvite{}, apperr.Validation("role does not exist in this workspace")
		}
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("load role", err)
	}
	if role.IsOwnerRole() {
		return domain.TenantInvite{}, apperr.Authorization("owner_immutable", "The owner role cannot be offered by invite.")
	}

	if err := s.rejectActiveMember(ctx, tenantID, email); err != nil {
		return domain.TenantInvite{}, err
	}

	if pending, err := s.invites.GetPendingByEmail(ctx, tenantID, email); err == nil {
		if !pending.IsExpired(s.now()) {
			return domain.TenantInvite{}, apperr.Conflict("duplicate_invite", "A pending invite already exists for this email.")
		}
		if err := s.invites.UpdateStatus(ctx, pending.ID, domain.InviteExpired); err != nil {
			span.RecordError(err)
			return domain.TenantInvite{}, apperr.Upstream("expire stale invite", err)
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("check pending invite", err)
	}

	// Advisory headroom check. The binding check happens at accept time,
	// inside the member insert transaction.
	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("load tenant", err)
	}
	active, err := s.members.CountActive(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("count members", err)
	}
	if active >= tenant.SeatCap() {
		return domain.TenantInvite{}, apperr.Exhausted("seat_limit_exceeded", "The workspace has no remaining seats.")
	}

	token, err := newSecretToken()
	if err != nil {
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("generate invite token", err)
	}
	invite := domain.TenantInvite{
		ID:        s.snowflake.Generate().Int64(),
		TenantID:  tenantID,
		Email:     email,
		RoleID:    role.ID,
		TokenHash: vault.HashToken(token),
		InvitedBy: actorID,
		ExpiresAt: s.now().Add(s.cfg.TTL),
	}
	created, err := s.invites.Create(ctx, invite)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.TenantInvite{}, apperr.Conflict("duplicate_invite", "A pending invite already exists for this email.")
		}
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("create invite", err)
	}

	s.sendInvite(ctx, tenant, created, token)
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "invite.created",
		ResourceType: "invite", ResourceID: snowflakeString(created.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"email": email, "role_id": role.ID},
	})
	return created, nil
}

// Resend rotates the token, extends the expiry, and re-emails the invite.
// The previous token stops working immediately. Resends are capped.
func (s *InviteService) Resend(ctx context.Context, tenantID, actorID, inviteID int64) (domain.TenantInvite, error) {
	ctx, span := s.startSpan(ctx, "InviteService.Resend")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermInvitesManage); err != nil {
		return domain.TenantInvite{}, err
	}
	invite, err := s.loadInvite(ctx, tenantID, inviteID)
	if err != nil {
		return domain.TenantInvite{}, err
	}
	if err := s.requirePending(ctx, &invite); err != nil {
		return domain.TenantInvite{}, err
	}
	if invite.ResendCount >= s.cfg.MaxResends {
		return domain.TenantInvite{}, apperr.Exhausted("resend_limit_exceeded", "This invite has reached its resend limit.")
	}

	token, err := newSecretToken()
	if err != nil {
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("generate invite token", err)
	}
	invite.TokenHash = vault.HashToken(token)
	invite.ExpiresAt = s.now().Add(s.cfg.TTL)
	invite.ResendCount++
	if err := s.invites.Rotate(ctx, invite.ID, invite.TokenHash, invite.ExpiresAt, invite.ResendCount); err != nil {
		span.RecordError(err)
		return domain.TenantInvite{}, apperr.Upstream("rotate invite", err)
	}

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err == nil {
		s.sendInvite(ctx, tenant, invite, token)
	} else {
		span.RecordError(err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "invite.resent",
		ResourceType: "invite", ResourceID: snowflakeString(invite.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"resend_count": invite.ResendCount},
	})
	return invite, nil
}

// Cancel withdraws a pending invite. Its token stops resolving immediately.
func (s *InviteService) Cancel(ctx context.Context, tenantID, actorID, inviteID int64) error {
	ctx, span := s.startSpan(ctx, "InviteService.Cancel")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermInvitesManage); err != nil {
		return err
	}
	invite, err := s.loadInvite(ctx, tenantID, inviteID)
	if err != nil {
		return err
	}
	if err := s.requirePending(ctx, &invite); err != nil {
		return err
	}
	if err := s.invites.UpdateStatus(ctx, invite.ID, domain.InviteCancelled); err != nil {
		span.RecordError(err)
		return apperr.Upstream("cancel invite", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "invite.cancelled",
		ResourceType: "invite", ResourceID: snowflakeString(invite.ID),
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// List returns the tenant's invites. Pending rows whose expiry has lapsed
// are transitioned to expired on read.
func (s *InviteService) List(ctx context.Context, tenantID, actorID int64) ([]domain.TenantInvite, error) {
	ctx, span := s.startSpan(ctx, "InviteService.List")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermInvitesRead); err != nil {
		return nil, err
	}
	invites, err := s.invites.ListByTenant(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("list invites", err)
	}
	now := s.now()
	for i := range invites {
		if invites[i].Status == domain.InvitePending && invites[i].IsExpired(now) {
			if err := s.invites.UpdateStatus(ctx, invites[i].ID, domain.InviteExpired); err != nil {
				span.RecordError(err)
				continue
			}
			invites[i].Status = domain.InviteExpired
		}
	}
	return invites, nil
}

// Accept redeems an invite token for the authenticated caller. The member
// mutation lands before the invite flips to accepted, so a crash in between
// leaves a consumable token pointing at an idempotent mutation rather than a
// consumed token with no membership.
func (s *InviteService) Accept(ctx context.Context, rawToken string, userID int64) (domain.TenantMember, error) {
	ctx, span := s.startSpan(ctx, "InviteService.Accept")
	defer span.End()

	invite, err := s.invites.GetByTokenHash(ctx, vault.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.TenantMember{}, apperr.Unauthenticated("Invite token is not recognized.")
		}
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("resolve invite token", err)
	}

	switch invite.Status {
	case domain.InviteAccepted:
		return domain.TenantMember{}, apperr.Conflict("invite_already_accepted", "This invite has already been accepted.")
	case domain.InviteCancelled:
		return domain.TenantMember{}, apperr.Conflict("invite_cancelled", "This invite was cancelled.")
	case domain.InviteExpired:
		return domain.TenantMember{}, apperr.Expired("invite_expired", "This invite has expired.")
	}
	if invite.IsExpired(s.now()) {
		if err := s.invites.UpdateStatus(ctx, invite.ID, domain.InviteExpired); err != nil {
			span.RecordError(err)
		}
		return domain.TenantMember{}, apperr.Expired("invite_expired", "This invite has expired.")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("load user", err)
	}
	if normalizeEmail(user.Email) != normalizeEmail(invite.Email) {
		return domain.TenantMember{}, apperr.Authorization("invite_email_mismatch", "This invite was issued to a different email address.")
	}
	// Possession of the invite token alone is not enough: the matching
	// email must be verified before it counts.
	if !user.EmailVerified {
		return domain.TenantMember{}, apperr.Authorization("invite_email_mismatch", "Verify your email address before accepting this invite.")
	}

	tenant, err := s.tenants.GetTenant(ctx, invite.TenantID)
	if err != nil {
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("load tenant", err)
	}

	member, err := s.materializeMember(ctx, tenant, invite, userID)
	if err != nil {
		return domain.TenantMember{}, err
	}

	if err := s.invites.MarkAccepted(ctx, invite.ID, member.ID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.TenantMember{}, apperr.Conflict("invite_already_accepted", "This invite has already been accepted.")
		}
		span.RecordError(err)
		return domain.TenantMember{}, apperr.Upstream("mark invite accepted", err)
	}

	s.recorder.Record(ctx, audit.Entry{
		Actor: userID, TenantID: invite.TenantID, Action: "invite.accepted",
		ResourceType: "invite", ResourceID: snowflakeString(invite.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"member_id": member.ID},
	})
	return member, nil
}

// materializeMember creates the membership, or reactivates a prior one that
// is still inside its retention window.
func (s *InviteService) materializeMember(ctx context.Context, tenant domain.Tenant, invite domain.TenantInvite, userID int64) (domain.TenantMember, error) {
	existing, err := s.members.GetMember(ctx, tenant.ID, userID)
	switch {
	case err == nil && existing.Status == domain.MemberActive:
		return domain.TenantMember{}, apperr.Conflict("member_already_active", "You are already a member of this workspace.")
	case err == nil && existing.Restorable(s.now()):
		restored, err := s.members.ReactivateSeatChecked(ctx, tenant.ID, existing.ID, invite.RoleID, tenant.SeatCap())
		if err != nil {
			if errors.Is(err, repository.ErrSeatLimit) {
				return domain.TenantMember{}, apperr.Exhausted("seat_limit_exceeded", "The workspace has no remaining seats.")
			}
			return domain.TenantMember{}, apperr.Upstream("reactivate member", err)
		}
		return restored, nil
	case err == nil:
		return domain.TenantMember{}, apperr.Conflict("member_not_restorable", "Your previous membership can no longer be restored.")
	case !errors.Is(err, repository.ErrNotFound):
		return domain.TenantMember{}, apperr.Upstream("check membership", err)
	}

	member := domain.TenantMember{
		ID:            s.snowflake.Generate().Int64(),
		TenantID:      tenant.ID,
		UserID:        userID,
		PrimaryRoleID: invite.RoleID,
	}
	created, err := s.members.CreateSeatChecked(ctx, member, tenant.SeatCap())
	if err != nil {
		if errors.Is(err, repository.ErrSeatLimit) {
			return domain.TenantMember{}, apperr.Exhausted("seat_limit_exceeded", "The workspace has no remaining seats.")
		}
		if errors.Is(err, repository.ErrConflict) {
			return domain.TenantMember{}, apperr.Conflict("member_already_active", "You are already a member of this workspace.")
		}
		return domain.TenantMember{}, apperr.Upstream("create member", err)
	}
	return created, nil
}

func (s *InviteService) loadInvite(ctx context.Context, tenantID, inviteID int64) (domain.TenantInvite, error) {
	invite, err := s.invites.GetByID(ctx, tenantID, inviteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.TenantInvite{}, apperr.NotFound("invalid_request", "Invite not found.")
		}
		return domain.TenantInvite{}, apperr.Upstream("load invite", err)
	}
	return invite, nil
}

// requirePending rejects non-pending invites and lazily expires a pending
// one whose window has lapsed.
func (s *InviteService) requirePending(ctx context.Context, invite *domain.TenantInvite) error {
	switch invite.Status {
	case domain.InviteAccepted:
		return apperr.Conflict("invite_already_accepted", "This invite has already been accepted.")
	case domain.InviteCancelled:
		return apperr.Conflict("invite_cancelled", "This invite was cancelled.")
	case domain.InviteExpired:
		return apperr.Expired("invite_expired", "This invite has expired.")
	}
	if invite.IsExpired(s.now()) {
		if err := s.invites.UpdateStatus(ctx, invite.ID, domain.InviteExpired); err != nil {
			return apperr.Upstream("expire invite", err)
		}
		invite.Status = domain.InviteExpired
		return apperr.Expired("invite_expired", "This invite has expired.")
	}
	return nil
}

// rejectActiveMember blocks invites addressed to an email that already maps
// to an active member.
func (s *InviteService) rejectActiveMember(ctx context.Context, tenantID int64, email string) error {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperr.Upstream("lookup user", err)
	}
	member, err := s.members.GetMember(ctx, tenantID, user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return apperr.Upstream("check membership", err)
	}
	if member.Status == domain.MemberActive {
		return apperr.Conflict("member_already_active", "User is already an active member.")
	}
	return nil
}

func (s *InviteService) sendInvite(ctx context.Context, tenant domain.Tenant, invite domain.TenantInvite, token string) {
	err := s.notifier.Dispatch(ctx, notify.Message{
		Template:  notify.TemplateInvite,
		Recipient: invite.Email,
		Data: map[string]string{
			"tenant_name": tenant.Name,
			"accept_url":  s.cfg.AcceptURL + "?token=" + token,
			"expires_at":  invite.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.logger.Warn("invite notification failed",
			zap.Int64("invite_id", invite.ID),
			zap.Error(err),
		)
	}
}

func (s *InviteService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
