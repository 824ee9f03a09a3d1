package service

import (
	"context"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/vault"
)

type passkeyHarness struct {
	svc      *PasskeyService
	users    *fakeUserRepo
	passkeys *fakePasskeyRepo
	vault    *vault.Vault
}

func newPasskeyHarness(t *testing.T) *passkeyHarness {
	t.Helper()
	f := newFixture(t)
	web, err := webauthn.New(&webauthn.Config{
		RPID:          "acme.test",
		RPDisplayName: "Acme",
		RPOrigins:     []string{"https://acme.test"},
	})
	require.NoError(t, err)

	passkeys := &fakePasskeyRepo{creds: map[string]domain.PasskeyCredential{}}
	v := vault.New(vault.NewMemoryStore())
	svc := NewPasskeyService(f.users, passkeys, web, v, f.node, audit.NopRecorder{}, zap.NewNop(), 5*time.Minute)
	return &passkeyHarness{svc: svc, users: f.users, passkeys: passkeys, vault: v}
}

func (h *passkeyHarness) seedCredential(userID int64, rawID string, counter uint32) domain.PasskeyCredential {
	cred := domain.PasskeyCredential{
		ID:               int64(len(h.passkeys.creds) + 1),
		UserID:           userID,
		CredentialID:     encodeCredentialID([]byte(rawID)),
		PublicKey:        []byte("public-key"),
		SignatureCounter: counter,
		Transports:       []string{"internal"},
		DeviceType:       domain.PasskeySingleDevice,
	}
	h.passkeys.creds[cred.CredentialID] = cred
	return cred
}

func TestBeginRegistrationStashesChallenge(t *testing.T) {
	h := newPasskeyHarness(t)
	ctx := context.Background()

	creation, err := h.svc.BeginRegistration(ctx, ownerUserID)
	require.NoError(t, err)
	require.NotNil(t, creation)
	require.NotNil(t, creation.Response.AuthenticatorSelection.ResidentKey)
	require.Equal(t, protocol.ResidentKeyRequirementRequired, creation.Response.AuthenticatorSelection.ResidentKey)

	var session webauthn.SessionData
	require.NoError(t, h.vault.Take(ctx, vaultKindPasskeyReg, snowflakeString(ownerUserID), &session))
	require.NotEmpty(t, session.Challenge)

	// The slot is single-use.
	err = h.vault.Take(ctx, vaultKindPasskeyReg, snowflakeString(ownerUserID), &session)
	require.ErrorIs(t, err, vault.ErrNotFound)
}

func TestBeginRegistrationExcludesExistingCredentials(t *testing.T) {
	h := newPasskeyHarness(t)
	h.seedCredential(ownerUserID, "cred-1", 0)

	creation, err := h.svc.BeginRegistration(context.Background(), ownerUserID)
	require.NoError(t, err)
	require.Len(t, creation.Response.CredentialExcludeList, 1)
}

func TestBeginRegistrationUnknownUser(t *testing.T) {
	h := newPasskeyHarness(t)

	_, err := h.svc.BeginRegistration(context.Background(), 9999)
	requireAppCode(t, err, "invalid_token")
}

func TestFinishRegistrationWithoutChallenge(t *testing.T) {
	h := newPasskeyHarness(t)

	_, err := h.svc.FinishRegistration(context.Background(), ownerUserID, &protocol.ParsedCredentialCreationData{})
	requireAppCode(t, err, "challenge_expired")
}

func TestBeginLoginIssuesSessionHandle(t *testing.T) {
	h := newPasskeyHarness(t)
	ctx := context.Background()

	challenge, err := h.svc.BeginLogin(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, challenge.SessionID)
	require.NotNil(t, challenge.Assertion)

	var session webauthn.SessionData
	require.NoError(t, h.vault.Take(ctx, vaultKindPasskeyLogin, challenge.SessionID, &session))
}

func TestFinishLoginWithoutChallenge(t *testing.T) {
	h := newPasskeyHarness(t)

	_, err := h.svc.FinishLogin(context.Background(), "unknown-session", &protocol.ParsedCredentialAssertionData{})
	requireAppCode(t, err, "challenge_expired")
}

func TestSignatureCounterCloneGuard(t *testing.T) {
	h := newPasskeyHarness(t)
	ctx := context.Background()
	stored := h.seedCredential(ownerUserID, "cred-1", 5)

	// Strictly increasing counters pass.
	require.NoError(t, h.svc.verifyCounter(ctx, stored, 6))

	// A replayed or regressed counter means a second copy of the key.
	err := h.svc.verifyCounter(ctx, stored, 5)
	requireAppCode(t, err, "credential_cloned")
	err = h.svc.verifyCounter(ctx, stored, 3)
	requireAppCode(t, err, "credential_cloned")

	// Authenticators that never count present zero forever; a zero against
	// a non-zero stored count is still a regression.
	neverCounts := h.seedCredential(adminUserID, "cred-2", 0)
	require.NoError(t, h.svc.verifyCounter(ctx, neverCounts, 0))
	err = h.svc.verifyCounter(ctx, stored, 0)
	requireAppCode(t, err, "credential_cloned")
}

func TestListCredentials(t *testing.T) {
	h := newPasskeyHarness(t)
	h.seedCredential(ownerUserID, "cred-1", 3)
	h.seedCredential(ownerUserID, "cred-2", 0)
	h.seedCredential(adminUserID, "cred-3", 0)

	creds, err := h.svc.ListCredentials(context.Background(), ownerUserID)
	require.NoError(t, err)
	require.Len(t, creds, 2)
}

func TestDeleteCredential(t *testing.T) {
	h := newPasskeyHarness(t)
	ctx := context.Background()
	first := h.seedCredential(ownerUserID, "cred-1", 0)
	second := h.seedCredential(ownerUserID, "cred-2", 0)
	require.NoError(t, h.users.SetPasskeyEnabled(ctx, ownerUserID, true))

	require.NoError(t, h.svc.DeleteCredential(ctx, ownerUserID, first.CredentialID))
	require.True(t, h.users.users[ownerUserID].PasskeyEnabled)

	// Removing the last credential turns the flag back off.
	require.NoError(t, h.svc.DeleteCredential(ctx, ownerUserID, second.CredentialID))
	require.False(t, h.users.users[ownerUserID].PasskeyEnabled)
}

func TestDeleteCredentialWrongUser(t *testing.T) {
	h := newPasskeyHarness(t)
	cred := h.seedCredential(ownerUserID, "cred-1", 0)

	err := h.svc.DeleteCredential(context.Background(), adminUserID, cred.CredentialID)
	requireAppCode(t, err, "invalid_request")
}

func TestCredentialIDRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0xff, 0x7e, 0x00, 0x42}
	decoded, err := decodeCredentialID(encodeCredentialID(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}
