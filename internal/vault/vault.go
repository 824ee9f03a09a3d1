// Package vault is a generic ephemeral-secret exchange: issue a single-use,
// TTL-bound secret, consume it exactly once. Magic links, session bootstrap
// tokens, and WebAuthn challenges are thin specializations over it.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a secret is missing, already consumed, or
// expired. Callers cannot distinguish the three; by the time a second
// consumer asks, the answer is the same.
var ErrNotFound = errors.New("vault: secret not found")

// Store is the backing key-value contract. Take must be atomic: under
// concurrent callers for the same key exactly one receives the value.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// envelope wraps every payload so expiry can be re-validated at consumption
// time, independent of the store's own TTL enforcement.
type envelope struct {
	Payload   json.RawMessage `json:"payload"`
	IssuedAt  time.Time       `json:"issued_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Vault issues and consumes ephemeral secrets over a Store.
type Vault struct {
	store Store
	now   func() time.Time
}

// New constructs a Vault.
func New(store Store) *Vault {
	return &Vault{store: store, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (v *Vault) WithClock(now func() time.Time) *Vault {
	v.now = now
	return v
}

// Issue generates a 256-bit bearer token, stores the payload under the
// token's hash, and returns the raw token. The raw value never reaches the
// store, so a store dump cannot forge a consumable secret.
func (v *Vault) Issue(ctx context.Context, kind string, payload any, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	if err := v.Stash(ctx, kind, hashToken(token), payload, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Consume atomically fetches and invalidates the secret issued for token,
// decoding its payload into out. A second call for the same token returns
// ErrNotFound.
func (v *Vault) Consume(ctx context.Context, kind, token string, out any) error {
	return v.Take(ctx, kind, hashToken(token), out)
}

// Stash stores a payload under a caller-chosen name instead of a bearer
// token. WebAuthn challenges use this: the protocol returns the challenge
// inside a signed response, so consumption is keyed by (owner, kind).
func (v *Vault) Stash(ctx context.Context, kind, name string, payload any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("stash %s: ttl must be positive", kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	now := v.now().UTC()
	env, err := json.Marshal(envelope{Payload: body, IssuedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	if err := v.store.Put(ctx, storageKey(kind, name), env, ttl); err != nil {
		return fmt.Errorf("persist %s: %w", kind, err)
	}
	return nil
}

// Take atomically fetches and invalidates a named secret. Expiry is checked
// again from the stored envelope as defense in depth against clock or
// storage inconsistencies.
func (v *Vault) Take(ctx context.Context, kind, name string, out any) error {
	data, err := v.store.Take(ctx, storageKey(kind, name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("take %s: %w", kind, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s envelope: %w", kind, err)
	}
	if v.now().UTC().After(env.ExpiresAt) {
		return ErrNotFound
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return nil
}

// Invalidate deletes a named secret before its expiry, e.g. on logout or
// invite cancellation.
func (v *Vault) Invalidate(ctx context.Context, kind, name string) error {
	if err := v.store.Delete(ctx, storageKey(kind, name)); err != nil {
		return fmt.Errorf("invalidate %s: %w", kind, err)
	}
	return nil
}

func storageKey(kind, name string) string {
	return "vault:" + kind + ":" + name
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashToken exposes the storage-key hash for callers that persist token
// digests elsewhere, such as invite rows.
func HashToken(token string) string {
	return hashToken(token)
}
