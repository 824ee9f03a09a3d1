package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
)

// PermissionSet is the effective grant set of one member in one tenant.
type PermissionSet map[string]struct{}

// Has reports whether the set grants key.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the sorted-insensitive list of granted keys.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// Resolution is the outcome of resolving one (tenant, user) pair.
type Resolution struct {
	Member      domain.TenantMember
	PrimaryRole domain.Role
	Permissions PermissionSet
}

// RBACService computes effective permissions from the primary role plus any
// unexpired secondary assignments.
type RBACService struct {
	roles   repository.RoleRepository
	members repository.MemberRepository
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRBACService wires dependencies.
func NewRBACService(roles repository.RoleRepository, members repository.MemberRepository, logger *zap.Logger) *RBACService {
	return &RBACService{
		roles:   roles,
		members: members,
		logger:  logger,
		tracer:  otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *RBACService) WithClock(now func() time.Time) *RBACService {
	s.now = now
	return s
}

// Resolve loads the member and computes the effective permission set. Only
// active members resolve; suspended and removed members are denied outright.
func (s *RBACService) Resolve(ctx context.Context, tenantID, userID int64) (*Resolution, error) {
	ctx, span := s.startSpan(ctx, "RBACService.Resolve")
	defer span.End()

	member, err := s.members.GetMember(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Authorization("not_a_member", "You are not a member of this workspace.")
		}
		span.RecordError(err)
		return nil, apperr.Upstream("load member", err)
	}
	if member.Status != domain.MemberActive {
		return nil, apperr.Authorization("not_a_member", "Your membership is not active.")
	}

	role, err := s.roles.GetRole(ctx, tenantID, member.PrimaryRoleID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("load primary role", err)
	}

	perms := make(PermissionSet)
	if member.IsOwner {
		// The owner bypasses grant lookups: the full catalog applies.
		catalog, err := s.roles.ListPermissions(ctx)
		if err != nil {
			span.RecordError(err)
			return nil, apperr.Upstream("load permission catalog", err)
		}
		for _, p := range catalog {
			perms[p.Key] = struct{}{}
		}
		return &Resolution{Member: member, PrimaryRole: role, Permissions: perms}, nil
	}

	if err := s.addRolePermissions(ctx, role.ID, perms); err != nil {
		span.RecordError(err)
		return nil, err
	}

	assignments, err := s.members.ListSecondaryAssignments(ctx, tenantID, userID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("load secondary assignments", err)
	}
	now := s.now()
	for _, a := range assignments {
		// Expiry is lazy: a lapsed assignment contributes nothing even
		// while its row still reads active.
		if !a.ActiveAt(now) {
			continue
		}
		if err := s.addRolePermissions(ctx, a.RoleID, perms); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	return &Resolution{Member: member, PrimaryRole: role, Permissions: perms}, nil
}

// HasPermission reports whether the member holds key in the tenant.
func (s *RBACService) HasPermission(ctx context.Context, tenantID, userID int64, key string) (bool, error) {
	res, err := s.Resolve(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	return res.Permissions.Has(key), nil
}

// RequirePermission resolves and rejects with permission_denied when the
// member lacks key. Membership failures pass through as not_a_member.
func (s *RBACService) RequirePermission(ctx context.Context, tenantID, userID int64, key string) (*Resolution, error) {
	res, err := s.Resolve(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !res.Permissions.Has(key) {
		return nil, apperr.Authorization("permission_denied", "You do not have permission to perform this action.")
	}
	return res, nil
}

func (s *RBACService) addRolePermissions(ctx context.Context, roleID int64, into PermissionSet) error {
	keys, err := s.roles.ListRolePermissions(ctx, roleID)
	if err != nil {
		return apperr.Upstream("load role permissions", err)
	}
	for _, key := range keys {
		into[key] = struct{}{}
	}
	return nil
}

func (s *RBACService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
