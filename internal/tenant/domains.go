package tenant

import (
	"context"
	"strings"
	"sync"
)

// DomainVerifier answers whether a custom domain has been proven to belong
// to a tenant. Automated DNS checking is an external concern; implementations
// plug in behind this interface.
type DomainVerifier interface {
	TenantFor(ctx context.Context, domain string) (int64, bool, error)
}

// ManualVerifier is the manual-override escape hatch: an operator approves
// domains explicitly and nothing is verified by default.
type ManualVerifier struct {
	mu       sync.RWMutex
	approved map[string]int64
}

var _ DomainVerifier = (*ManualVerifier)(nil)

// NewManualVerifier constructs an empty verifier.
func NewManualVerifier() *ManualVerifier {
	return &ManualVerifier{approved: make(map[string]int64)}
}

// Approve records a domain as verified for tenantID.
func (v *ManualVerifier) Approve(domain string, tenantID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.approved[normalizeDomain(domain)] = tenantID
}

// Revoke withdraws a prior approval.
func (v *ManualVerifier) Revoke(domain string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.approved, normalizeDomain(domain))
}

func (v *ManualVerifier) TenantFor(_ context.Context, domain string) (int64, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	tenantID, ok := v.approved[normalizeDomain(domain)]
	return tenantID, ok, nil
}

func normalizeDomain(domain string) string {
	host := strings.ToLower(strings.TrimSpace(domain))
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return host
}
