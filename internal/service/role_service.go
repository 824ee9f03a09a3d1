package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
)

// RoleService manages custom tenant roles and their permission grants. The
// owner role and other protected roles are read-only through this surface.
type RoleService struct {
	roles     repository.RoleRepository
	rbac      *RBACService
	snowflake *snowflake.Node
	recorder  audit.Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRoleService wires dependencies.
func NewRoleService(roles repository.RoleRepository, rbac *RBACService, node *snowflake.Node, recorder audit.Recorder, logger *zap.Logger) *RoleService {
	return &RoleService{
		roles:     roles,
		rbac:      rbac,
		snowflake: node,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
	}
}

// RoleDetail is a role plus its granted permission keys.
type RoleDetail struct {
	Role        domain.Role `json:"role"`
	Permissions []string    `json:"permissions"`
}

// ListRoles returns the tenant's roles with their grants.
func (s *RoleService) ListRoles(ctx context.Context, tenantID, actorID int64) ([]RoleDetail, error) {
	ctx, span := s.startSpan(ctx, "RoleService.ListRoles")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermRolesRead); err != nil {
		return nil, err
	}
	roles, err := s.roles.ListRoles(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("list roles", err)
	}
	details := make([]RoleDetail, 0, len(roles))
	for _, role := range roles {
		keys, err := s.roles.ListRolePermissions(ctx, role.ID)
		if err != nil {
			span.RecordError(err)
			return nil, apperr.Upstream("list role permissions", err)
		}
		details = append(details, RoleDetail{Role: role, Permissions: keys})
	}
	return details, nil
}

// CreateRole adds a custom role. The reserved owner slug and level are
// rejected up front.
func (s *RoleService) CreateRole(ctx context.Context, tenantID, actorID int64, name string, hierarchyLevel int, permissionKeys []string) (domain.Role, error) {
	ctx, span := s.startSpan(ctx, "RoleService.CreateRole")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermRolesManage); err != nil {
		return domain.Role{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Role{}, apperr.Validation("role name is required")
	}
	slug := slugify(name)
	if slug == domain.OwnerRoleSlug || hierarchyLevel <= domain.OwnerHierarchyLevel {
		return domain.Role{}, apperr.Authorization("owner_immutable", "The owner role cannot be recreated.")
	}
	if err := s.validateKeys(ctx, permissionKeys); err != nil {
		return domain.Role{}, err
	}

	role := domain.Role{
		ID:             s.snowflake.Generate().Int64(),
		TenantID:       tenantID,
		Name:           name,
		Slug:           slug,
		HierarchyLevel: hierarchyLevel,
	}
	created, err := s.roles.CreateRole(ctx, role)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.Role{}, apperr.Conflict("invalid_request", "A role with this name already exists.")
		}
		span.RecordError(err)
		return domain.Role{}, apperr.Upstream("create role", err)
	}
	if len(permissionKeys) > 0 {
		if err := s.roles.SetRolePermissions(ctx, tenantID, created.ID, permissionKeys); err != nil {
			span.RecordError(err)
			return domain.Role{}, apperr.Upstream("set role permissions", err)
		}
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "role.created",
		ResourceType: "role", ResourceID: snowflakeString(created.ID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"slug": created.Slug},
	})
	return created, nil
}

// UpdateRole renames a custom role or moves its hierarchy level.
func (s *RoleService) UpdateRole(ctx context.Context, tenantID, actorID, roleID int64, name string, hierarchyLevel int) (domain.Role, error) {
	ctx, span := s.startSpan(ctx, "RoleService.UpdateRole")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermRolesManage); err != nil {
		return domain.Role{}, err
	}
	role, err := s.loadMutableRole(ctx, tenantID, roleID)
	if err != nil {
		return domain.Role{}, err
	}
	if hierarchyLevel <= domain.OwnerHierarchyLevel {
		return domain.Role{}, apperr.Validation("hierarchy level is reserved")
	}
	role.Name = strings.TrimSpace(name)
	if role.Name == "" {
		return domain.Role{}, apperr.Validation("role name is required")
	}
	role.HierarchyLevel = hierarchyLevel

	updated, err := s.roles.UpdateRole(ctx, role)
	if err != nil {
		span.RecordError(err)
		return domain.Role{}, apperr.Upstream("update role", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "role.updated",
		ResourceType: "role", ResourceID: snowflakeString(roleID),
		Outcome: audit.OutcomeSuccess,
	})
	return updated, nil
}

// SetPermissions replaces a custom role's grant set.
func (s *RoleService) SetPermissions(ctx context.Context, tenantID, actorID, roleID int64, keys []string) error {
	ctx, span := s.startSpan(ctx, "RoleService.SetPermissions")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermRolesManage); err != nil {
		return err
	}
	if _, err := s.loadMutableRole(ctx, tenantID, roleID); err != nil {
		return err
	}
	if err := s.validateKeys(ctx, keys); err != nil {
		return err
	}
	if err := s.roles.SetRolePermissions(ctx, tenantID, roleID, keys); err != nil {
		span.RecordError(err)
		return apperr.Upstream("set role permissions", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "role.permissions_changed",
		ResourceType: "role", ResourceID: snowflakeString(roleID),
		Outcome: audit.OutcomeSuccess,
		Detail:  map[string]any{"permissions": keys},
	})
	return nil
}

// DeleteRole removes a custom role. Protected roles, seeded system roles,
// and roles still in use are refused. System roles stay editable; only
// deletion is off limits.
func (s *RoleService) DeleteRole(ctx context.Context, tenantID, actorID, roleID int64) error {
	ctx, span := s.startSpan(ctx, "RoleService.DeleteRole")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermRolesManage); err != nil {
		return err
	}
	role, err := s.loadMutableRole(ctx, tenantID, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return apperr.Authorization("owner_immutable", "System roles cannot be deleted.")
	}
	if err := s.roles.DeleteRole(ctx, tenantID, roleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("invalid_request", "Role not found.")
		}
		if errors.Is(err, repository.ErrConflict) {
			return apperr.Conflict("invalid_request", "Role is still assigned to members.")
		}
		span.RecordError(err)
		return apperr.Upstream("delete role", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: actorID, TenantID: tenantID, Action: "role.deleted",
		ResourceType: "role", ResourceID: snowflakeString(roleID),
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// Catalog returns the global permission catalog.
func (s *RoleService) Catalog(ctx context.Context, tenantID, actorID int64) ([]domain.Permission, error) {
	ctx, span := s.startSpan(ctx, "RoleService.Catalog")
	defer span.End()

	if _, err := s.rbac.RequirePermission(ctx, tenantID, actorID, domain.PermRolesRead); err != nil {
		return nil, err
	}
	perms, err := s.roles.ListPermissions(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("list permissions", err)
	}
	return perms, nil
}

func (s *RoleService) loadMutableRole(ctx context.Context, tenantID, roleID int64) (domain.Role, error) {
	role, err := s.roles.GetRole(ctx, tenantID, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Role{}, apperr.NotFound("invalid_request", "Role not found.")
		}
		return domain.Role{}, apperr.Upstream("load role", err)
	}
	if role.IsOwnerRole() || role.IsProtected {
		return domain.Role{}, apperr.Authorization("owner_immutable", "Protected roles cannot be modified.")
	}
	return role, nil
}

func (s *RoleService) validateKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	catalog, err := s.roles.ListPermissions(ctx)
	if err != nil {
		return apperr.Upstream("list permissions", err)
	}
	known := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		known[p.Key] = struct{}{}
	}
	for _, key := range keys {
		if _, ok := known[key]; !ok {
			return apperr.Validation("unknown permission key: " + key)
		}
	}
	return nil
}

func (s *RoleService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "-")
	return slug
}
