package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type claims struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

func newTestVault() (*Vault, *time.Time) {
	now := time.Now()
	clock := func() time.Time { return now }
	v := New(NewMemoryStore().WithClock(clock)).WithClock(clock)
	return v, &now
}

func TestIssueConsumeRoundTrip(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	token, err := v.Issue(ctx, "magiclink", claims{UserID: 42, Email: "a@b.test"}, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	var got claims
	require.NoError(t, v.Consume(ctx, "magiclink", token, &got))
	require.Equal(t, int64(42), got.UserID)
	require.Equal(t, "a@b.test", got.Email)

	err = v.Consume(ctx, "magiclink", token, &got)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeUnknownToken(t *testing.T) {
	v, _ := newTestVault()

	err := v.Consume(context.Background(), "magiclink", "never-issued", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeExpired(t *testing.T) {
	v, now := newTestVault()
	ctx := context.Background()

	token, err := v.Issue(ctx, "magiclink", claims{UserID: 1}, time.Minute)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	err = v.Consume(ctx, "magiclink", token, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKindsAreIsolated(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	token, err := v.Issue(ctx, "magiclink", claims{UserID: 1}, time.Minute)
	require.NoError(t, err)

	err = v.Consume(ctx, "bootstrap", token, nil)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, v.Consume(ctx, "magiclink", token, nil))
}

func TestStashTakeNamedSlot(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Stash(ctx, "webauthn_reg", "1000", claims{UserID: 1000}, time.Minute))

	var got claims
	require.NoError(t, v.Take(ctx, "webauthn_reg", "1000", &got))
	require.Equal(t, int64(1000), got.UserID)

	err := v.Take(ctx, "webauthn_reg", "1000", &got)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStashOverwritesSlot(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Stash(ctx, "webauthn_reg", "1000", claims{UserID: 1}, time.Minute))
	require.NoError(t, v.Stash(ctx, "webauthn_reg", "1000", claims{UserID: 2}, time.Minute))

	var got claims
	require.NoError(t, v.Take(ctx, "webauthn_reg", "1000", &got))
	require.Equal(t, int64(2), got.UserID)
}

func TestStashRejectsNonPositiveTTL(t *testing.T) {
	v, _ := newTestVault()

	err := v.Stash(context.Background(), "webauthn_reg", "1000", claims{}, 0)
	require.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	v, _ := newTestVault()
	ctx := context.Background()

	require.NoError(t, v.Stash(ctx, "webauthn_login", "abc", claims{UserID: 7}, time.Minute))
	require.NoError(t, v.Invalidate(ctx, "webauthn_login", "abc"))

	err := v.Take(ctx, "webauthn_login", "abc", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	v := New(NewMemoryStore())
	ctx := context.Background()

	token, err := v.Issue(ctx, "bootstrap", claims{UserID: 9}, time.Minute)
	require.NoError(t, err)

	const attempts = 32
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.Consume(ctx, "bootstrap", token, nil)
		}()
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, ErrNotFound)
		}
	}
	require.Equal(t, 1, winners)
}
