package tenant

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
)

// Context stores resolved tenant metadata used throughout the request
// lifecycle.
type Context struct {
	Tenant domain.Tenant
}

// Resolver loads tenant metadata from repositories.
type Resolver struct {
	repo    repository.TenantRepository
	domains DomainVerifier
}

// NewResolver creates a tenant resolver.
func NewResolver(repo repository.TenantRepository, domains DomainVerifier) *Resolver {
	return &Resolver{repo: repo, domains: domains}
}

// Resolve loads tenant information from the X-Tenant-ID header value, which
// carries either the numeric ID or the slug.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Context, error) {
	cleaned := strings.ToLower(strings.TrimSpace(ref))
	if cleaned == "" {
		return nil, fmt.Errorf("resolve tenant: empty reference")
	}

	var (
		tenantRow domain.Tenant
		err       error
	)
	if id, parseErr := strconv.ParseInt(cleaned, 10, 64); parseErr == nil {
		tenantRow, err = r.repo.GetTenant(ctx, id)
	} else {
		tenantRow, err = r.repo.GetTenantBySlug(ctx, cleaned)
	}
	if err != nil {
		zap.L().Warn("failed to resolve tenant", zap.String("ref", cleaned), zap.Error(err))
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	zap.L().Debug("tenant context resolved", zap.Int64("tenant_id", tenantRow.ID))
	return &Context{Tenant: tenantRow}, nil
}

// ResolveDomain resolves a request host against the verified custom domains.
// Unverified domains never resolve, regardless of what DNS says.
func (r *Resolver) ResolveDomain(ctx context.Context, host string) (*Context, error) {
	if r.domains == nil {
		return nil, fmt.Errorf("resolve domain: no verifier configured")
	}
	tenantID, ok, err := r.domains.TenantFor(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve domain: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("resolve domain: %s is not verified", host)
	}
	tenantRow, err := r.repo.GetTenant(ctx, tenantID)
	if err != nil {
		zap.L().Warn("verified domain points at missing tenant",
			zap.String("domain", host),
			zap.Int64("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("resolve domain: %w", err)
	}
	return &Context{Tenant: tenantRow}, nil
}
