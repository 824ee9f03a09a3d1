package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/idp"
	"github.com/loomhq/loom-identity/internal/vault"
)

type sessionHarness struct {
	svc      *SessionService
	provider *fakeProvider
	now      time.Time
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	f := newFixture(t)
	f.members.memberships = []domain.Membership{
		{TenantID: testTenantID, TenantName: "Acme", TenantSlug: "acme", RoleName: "Owner", RoleSlug: "owner", IsOwner: true, Status: domain.MemberActive},
	}
	h := &sessionHarness{provider: &fakeProvider{}, now: time.Now()}
	clock := func() time.Time { return h.now }
	v := vault.New(vault.NewMemoryStore().WithClock(clock)).WithClock(clock)
	h.svc = NewSessionService(f.users, f.members, h.provider, v, audit.NopRecorder{}, zap.NewNop(), 2*time.Minute)
	return h
}

func TestBootstrapExchange(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	token, err := h.svc.IssueBootstrap(ctx, ownerUserID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	session, err := h.svc.Exchange(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "access-token", session.Credentials.AccessToken)
	require.Equal(t, ownerUserID, session.Identity.UserID)
	require.Equal(t, "owner@acme.test", session.Identity.Email)
	require.True(t, session.Identity.EmailVerified)
	require.Len(t, session.Identity.Memberships, 1)
	require.Equal(t, "acme", session.Identity.Memberships[0].TenantSlug)
	require.Equal(t, 1, h.provider.calls)
}

func TestBootstrapExchangeSingleUse(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	token, err := h.svc.IssueBootstrap(ctx, ownerUserID)
	require.NoError(t, err)

	_, err = h.svc.Exchange(ctx, token)
	require.NoError(t, err)

	_, err = h.svc.Exchange(ctx, token)
	requireAppCode(t, err, "invalid_token")
}

func TestBootstrapExchangeExpired(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()

	token, err := h.svc.IssueBootstrap(ctx, ownerUserID)
	require.NoError(t, err)

	h.now = h.now.Add(3 * time.Minute)
	_, err = h.svc.Exchange(ctx, token)
	requireAppCode(t, err, "invalid_token")
}

func TestBootstrapExchangeUnknownToken(t *testing.T) {
	h := newSessionHarness(t)

	_, err := h.svc.Exchange(context.Background(), "bogus")
	requireAppCode(t, err, "invalid_token")
}

func TestBootstrapExchangeProviderFailure(t *testing.T) {
	h := newSessionHarness(t)
	ctx := context.Background()
	h.provider.err = errors.New("idp unreachable")

	token, err := h.svc.IssueBootstrap(ctx, ownerUserID)
	require.NoError(t, err)

	_, err = h.svc.Exchange(ctx, token)
	requireAppCode(t, err, "upstream_failure")
}

type fakeProvider struct {
	calls int
	err   error
}

func (f *fakeProvider) IssueSession(_ context.Context, _ int64, _ string) (*idp.Credentials, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &idp.Credentials{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}, nil
}
