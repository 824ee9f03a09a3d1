package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier(testSecret, "loom-idp")

	raw, err := v.Sign(Identity{UserID: 42, Email: "a@b.test"}, time.Hour)
	require.NoError(t, err)

	identity, err := v.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), identity.UserID)
	require.Equal(t, "a@b.test", identity.Email)
}

func TestVerifyExpired(t *testing.T) {
	now := time.Now()
	v := NewVerifier(testSecret, "loom-idp").WithClock(func() time.Time { return now })

	raw, err := v.Sign(Identity{UserID: 1}, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = v.Verify(raw)
	require.Error(t, err)
}

func TestVerifyWrongIssuer(t *testing.T) {
	signer := NewVerifier(testSecret, "someone-else")
	raw, err := signer.Sign(Identity{UserID: 1}, time.Hour)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "loom-idp")
	_, err = v.Verify(raw)
	require.Error(t, err)
}

func TestVerifyWrongKey(t *testing.T) {
	signer := NewVerifier("another-secret-another-secret-xx", "loom-idp")
	raw, err := signer.Sign(Identity{UserID: 1}, time.Hour)
	require.NoError(t, err)

	v := NewVerifier(testSecret, "loom-idp")
	_, err = v.Verify(raw)
	require.Error(t, err)
}

func TestVerifyGarbage(t *testing.T) {
	v := NewVerifier(testSecret, "loom-idp")

	_, err := v.Verify("not.a.jwt")
	require.Error(t, err)
}
