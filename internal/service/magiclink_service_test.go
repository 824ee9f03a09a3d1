package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/notify"
	"github.com/loomhq/loom-identity/internal/ratelimit"
	"github.com/loomhq/loom-identity/internal/vault"
)

type magicLinkHarness struct {
	svc      *MagicLinkService
	users    *fakeUserRepo
	notifier *captureNotifier
	now      time.Time
}

func newMagicLinkHarness(t *testing.T, limiter ratelimit.Limiter) *magicLinkHarness {
	t.Helper()
	f := newFixture(t)
	h := &magicLinkHarness{users: f.users, notifier: f.notifier, now: time.Now()}
	clock := func() time.Time { return h.now }

	v := vault.New(vault.NewMemoryStore().WithClock(clock)).WithClock(clock)
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter().WithClock(clock)
	}
	h.svc = NewMagicLinkService(f.users, v, limiter, f.notifier, audit.NopRecorder{}, zap.NewNop(), MagicLinkConfig{
		TTL:         15 * time.Minute,
		BaseURL:     "https://app.acme.test/auth/magic-link",
		PerEmailMax: 2,
		PerEmailWin: time.Hour,
	}).WithClock(clock)
	return h
}

func magicLinkToken(t *testing.T, msg notify.Message) string {
	t.Helper()
	require.Equal(t, notify.TemplateMagicLink, msg.Template)
	_, token, found := strings.Cut(msg.Data["link"], "?token=")
	require.True(t, found)
	return token
}

func TestMagicLinkRequestAndConsume(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Request(ctx, "Owner@Acme.test", ""))
	token := magicLinkToken(t, h.notifier.last(t))

	user, _, err := h.svc.Consume(ctx, token)
	require.NoError(t, err)
	require.Equal(t, ownerUserID, user.ID)

	_, _, err = h.svc.Consume(ctx, token)
	requireAppCode(t, err, "invalid_token")
}

func TestMagicLinkUnknownEmailSilent(t *testing.T) {
	h := newMagicLinkHarness(t, nil)

	require.NoError(t, h.svc.Request(context.Background(), "stranger@elsewhere.test", ""))
	require.Empty(t, h.notifier.messages)
}

func TestMagicLinkPerEmailQuota(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Request(ctx, "owner@acme.test", ""))
	require.NoError(t, h.svc.Request(ctx, "owner@acme.test", ""))

	err := h.svc.Request(ctx, "owner@acme.test", "")
	appErr := requireRateLimited(t, err)
	require.GreaterOrEqual(t, appErr.RetryAfter, 1)

	// The quota is per email; another address is unaffected.
	require.NoError(t, h.svc.Request(ctx, "admin@acme.test", ""))

	// The window slides past the oldest request.
	h.now = h.now.Add(time.Hour + time.Minute)
	require.NoError(t, h.svc.Request(ctx, "owner@acme.test", ""))
}

func TestMagicLinkQuotaChargedForUnknownEmail(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	// A probe cannot tell a registered address from an unknown one by
	// watching when the limiter trips.
	require.NoError(t, h.svc.Request(ctx, "stranger@elsewhere.test", ""))
	require.NoError(t, h.svc.Request(ctx, "stranger@elsewhere.test", ""))
	err := h.svc.Request(ctx, "stranger@elsewhere.test", "")
	requireRateLimited(t, err)
}

func TestMagicLinkLimiterFailureFailsOpen(t *testing.T) {
	h := newMagicLinkHarness(t, failingLimiter{})
	ctx := context.Background()

	require.NoError(t, h.svc.Request(ctx, "owner@acme.test", ""))
	require.Len(t, h.notifier.messages, 1)
}

func TestMagicLinkConsumeMarksEmailVerified(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	pendingUserID := int64(1004)
	h.users.users[pendingUserID] = domain.User{ID: pendingUserID, Email: "pending@acme.test"}
	require.NoError(t, h.svc.Request(ctx, "pending@acme.test", ""))
	token := magicLinkToken(t, h.notifier.last(t))

	user, _, err := h.svc.Consume(ctx, token)
	require.NoError(t, err)
	require.True(t, user.EmailVerified)
	require.True(t, h.users.users[pendingUserID].EmailVerified)
}

func TestMagicLinkRedirectRoundTrip(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Request(ctx, "owner@acme.test", "https://app.acme.test/projects/42"))
	token := magicLinkToken(t, h.notifier.last(t))

	_, redirect, err := h.svc.Consume(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "https://app.acme.test/projects/42", redirect)
}

func TestMagicLinkRejectsBadRedirect(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	err := h.svc.Request(ctx, "owner@acme.test", "javascript:alert(1)")
	requireAppCode(t, err, "invalid_request")

	err = h.svc.Request(ctx, "owner@acme.test", "/relative/path")
	requireAppCode(t, err, "invalid_request")
}

func TestMagicLinkConsumeExpired(t *testing.T) {
	h := newMagicLinkHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.svc.Request(ctx, "owner@acme.test", ""))
	token := magicLinkToken(t, h.notifier.last(t))

	h.now = h.now.Add(16 * time.Minute)
	_, _, err := h.svc.Consume(ctx, token)
	requireAppCode(t, err, "invalid_token")
}

func TestMagicLinkRequestRejectsBadEmail(t *testing.T) {
	h := newMagicLinkHarness(t, nil)

	err := h.svc.Request(context.Background(), "nonsense", "")
	requireAppCode(t, err, "invalid_request")
}

func requireRateLimited(t *testing.T, err error) *apperr.Error {
	t.Helper()
	requireAppCode(t, err, "rate_limited")
	appErr, _ := apperr.As(err)
	return appErr
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("limiter store unavailable")
}
