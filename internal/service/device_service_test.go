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

const testTrustTTL = 30 * 24 * time.Hour

var laptopSignals = DeviceSignals{
	UserAgent: "Mozilla/5.0 (Macintosh)",
	Language:  "en-US",
	IP:        "203.0.113.7",
}

func newDeviceHarness(t *testing.T) (*DeviceService, *fakeDeviceRepo, *time.Time) {
	t.Helper()
	f := newFixture(t)
	repo := &fakeDeviceRepo{devices: map[string]domain.TrustedDevice{}}
	now := time.Now()
	svc := NewDeviceService(repo, f.node, audit.NopRecorder{}, zap.NewNop(), testTrustTTL).
		WithClock(func() time.Time { return now })
	return svc, repo, &now
}

func TestFingerprintDeterministic(t *testing.T) {
	require.Equal(t, laptopSignals.Fingerprint(), laptopSignals.Fingerprint())

	other := laptopSignals
	other.IP = "198.51.100.9"
	require.NotEqual(t, laptopSignals.Fingerprint(), other.Fingerprint())
}

func TestTrustAndCheck(t *testing.T) {
	svc, _, _ := newDeviceHarness(t)
	ctx := context.Background()

	device, err := svc.Trust(ctx, ownerUserID, laptopSignals)
	require.NoError(t, err)
	require.Equal(t, laptopSignals.Fingerprint(), device.FingerprintHash)

	trusted, err := svc.IsTrusted(ctx, ownerUserID, laptopSignals)
	require.NoError(t, err)
	require.True(t, trusted)

	// A different device, and a different user on the same device, stay
	// untrusted.
	other := laptopSignals
	other.UserAgent = "Mozilla/5.0 (Windows)"
	trusted, err = svc.IsTrusted(ctx, ownerUserID, other)
	require.NoError(t, err)
	require.False(t, trusted)

	trusted, err = svc.IsTrusted(ctx, adminUserID, laptopSignals)
	require.NoError(t, err)
	require.False(t, trusted)
}

func TestTrustOnlyExtends(t *testing.T) {
	svc, _, now := newDeviceHarness(t)
	ctx := context.Background()
	start := *now

	*now = start.Add(time.Hour)
	later, err := svc.Trust(ctx, ownerUserID, laptopSignals)
	require.NoError(t, err)

	// Re-trusting from an earlier clock must not pull the window back.
	*now = start
	again, err := svc.Trust(ctx, ownerUserID, laptopSignals)
	require.NoError(t, err)
	require.Equal(t, later.TrustedUntil, again.TrustedUntil)
	require.Equal(t, later.ID, again.ID)
}

func TestIsTrustedExpired(t *testing.T) {
	svc, _, now := newDeviceHarness(t)
	ctx := context.Background()

	_, err := svc.Trust(ctx, ownerUserID, laptopSignals)
	require.NoError(t, err)

	*now = now.Add(testTrustTTL + time.Minute)
	trusted, err := svc.IsTrusted(ctx, ownerUserID, laptopSignals)
	require.NoError(t, err)
	require.False(t, trusted)
}
