package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/repository"
	"github.com/loomhq/loom-identity/internal/vault"
)

const (
	vaultKindPasskeyReg   = "webauthn_reg"
	vaultKindPasskeyLogin = "webauthn_login"
)

// PasskeyService manages WebAuthn credential registration and discoverable
// login. Challenges are single-use and TTL-bound; the signed ceremony state
// lives in the vault between begin and finish.
type PasskeyService struct {
	users        repository.UserRepository
	passkeys     repository.PasskeyRepository
	web          *webauthn.WebAuthn
	vault        *vault.Vault
	snowflake    *snowflake.Node
	recorder     audit.Recorder
	logger       *zap.Logger
	tracer       trace.Tracer
	now          func() time.Time
	challengeTTL time.Duration
}

// NewPasskeyService wires dependencies.
func NewPasskeyService(
	users repository.UserRepository,
	passkeys repository.PasskeyRepository,
	web *webauthn.WebAuthn,
	v *vault.Vault,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	challengeTTL time.Duration,
) *PasskeyService {
	return &PasskeyService{
		users:        users,
		passkeys:     passkeys,
		web:          web,
		vault:        v,
		snowflake:    node,
		recorder:     recorder,
		logger:       logger,
		tracer:       otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		now:          time.Now,
		challengeTTL: challengeTTL,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *PasskeyService) WithClock(now func() time.Time) *PasskeyService {
	s.now = now
	return s
}

// BeginRegistration opens a registration ceremony for an authenticated
// user. Existing credentials are excluded so an authenticator is never
// registered twice.
func (s *PasskeyService) BeginRegistration(ctx context.Context, userID int64) (*protocol.CredentialCreation, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.BeginRegistration")
	defer span.End()

	wu, err := s.loadWebauthnUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(wu.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(wu.credentials).CredentialDescriptors()))
	}
	creation, session, err := s.web.BeginRegistration(wu, opts...)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("begin registration", err)
	}

	// One ceremony per user at a time: a new begin overwrites the slot.
	if err := s.vault.Stash(ctx, vaultKindPasskeyReg, snowflakeString(userID), session, s.challengeTTL); err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("persist registration challenge", err)
	}
	return creation, nil
}

// FinishRegistration closes the ceremony and persists the credential. The
// first credential flips the user's passkey flag on.
func (s *PasskeyService) FinishRegistration(ctx context.Context, userID int64, response *protocol.ParsedCredentialCreationData) (domain.PasskeyCredential, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.FinishRegistration")
	defer span.End()

	var session webauthn.SessionData
	if err := s.vault.Take(ctx, vaultKindPasskeyReg, snowflakeString(userID), &session); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return domain.PasskeyCredential{}, apperr.Expired("challenge_expired", "The registration challenge expired or was already used.")
		}
		span.RecordError(err)
		return domain.PasskeyCredential{}, apperr.Upstream("load registration challenge", err)
	}

	wu, err := s.loadWebauthnUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return domain.PasskeyCredential{}, err
	}
	cred, err := s.web.CreateCredential(wu, session, response)
	if err != nil {
		span.RecordError(err)
		return domain.PasskeyCredential{}, apperr.Unauthenticated("Registration response failed verification.")
	}

	deviceType := domain.PasskeySingleDevice
	if cred.Flags.BackupEligible {
		deviceType = domain.PasskeyMultiDevice
	}
	record := domain.PasskeyCredential{
		ID:               s.snowflake.Generate().Int64(),
		UserID:           userID,
		CredentialID:     encodeCredentialID(cred.ID),
		PublicKey:        cred.PublicKey,
		SignatureCounter: cred.Authenticator.SignCount,
		Transports:       transportStrings(cred.Transport),
		DeviceType:       deviceType,
		BackupState:      cred.Flags.BackupState,
	}
	stored, err := s.passkeys.Create(ctx, record)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.PasskeyCredential{}, apperr.Conflict("credential_exists", "This authenticator is already registered.")
		}
		span.RecordError(err)
		return domain.PasskeyCredential{}, apperr.Upstream("store credential", err)
	}

	if !wu.user.PasskeyEnabled {
		if err := s.users.SetPasskeyEnabled(ctx, userID, true); err != nil {
			span.RecordError(err)
			return domain.PasskeyCredential{}, apperr.Upstream("enable passkeys", err)
		}
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: userID, Action: "passkey.registered",
		ResourceType: "passkey", ResourceID: stored.CredentialID,
		Outcome: audit.OutcomeSuccess,
	})
	return stored, nil
}

// LoginChallenge is the begin-login response: the assertion options plus the
// opaque handle the client must return with the signed response.
type LoginChallenge struct {
	SessionID string
	Assertion *protocol.CredentialAssertion
}

// BeginLogin opens a discoverable (usernameless) login ceremony.
func (s *PasskeyService) BeginLogin(ctx context.Context) (*LoginChallenge, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.BeginLogin")
	defer span.End()

	assertion, session, err := s.web.BeginDiscoverableLogin()
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("begin login", err)
	}
	sessionID := uuid.NewString()
	if err := s.vault.Stash(ctx, vaultKindPasskeyLogin, sessionID, session, s.challengeTTL); err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("persist login challenge", err)
	}
	return &LoginChallenge{SessionID: sessionID, Assertion: assertion}, nil
}

// FinishLogin validates the assertion and returns the authenticated user.
// A regressed signature counter marks the credential as cloned and the
// login is refused; two zero counters mean the authenticator never counts
// and the guard does not apply.
func (s *PasskeyService) FinishLogin(ctx context.Context, sessionID string, response *protocol.ParsedCredentialAssertionData) (domain.User, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.FinishLogin")
	defer span.End()

	var session webauthn.SessionData
	if err := s.vault.Take(ctx, vaultKindPasskeyLogin, sessionID, &session); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return domain.User{}, apperr.Expired("challenge_expired", "The login challenge expired or was already used.")
		}
		span.RecordError(err)
		return domain.User{}, apperr.Upstream("load login challenge", err)
	}

	validatedUser, cred, err := s.web.ValidatePasskeyLogin(s.discoverableHandler(ctx), session, response)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, apperr.Unauthenticated("Login response failed verification.")
	}

	credentialID := encodeCredentialID(cred.ID)
	stored, err := s.passkeys.GetByCredentialID(ctx, credentialID)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, apperr.Upstream("load credential", err)
	}
	newCount := cred.Authenticator.SignCount
	if err := s.verifyCounter(ctx, stored, newCount); err != nil {
		return domain.User{}, err
	}
	if err := s.passkeys.UpdateCounter(ctx, credentialID, newCount, s.now()); err != nil {
		span.RecordError(err)
		return domain.User{}, apperr.Upstream("update credential counter", err)
	}

	wu, ok := validatedUser.(*webauthnUser)
	if !ok {
		return domain.User{}, apperr.Upstream("unexpected user type", nil)
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: wu.user.ID, Action: "passkey.login",
		ResourceType: "passkey", ResourceID: credentialID,
		Outcome: audit.OutcomeSuccess,
	})
	return wu.user, nil
}

// verifyCounter enforces the monotonic signature counter. A presented count
// at or below the stored one means the credential was cloned, except when
// both are zero: that authenticator never counts.
func (s *PasskeyService) verifyCounter(ctx context.Context, stored domain.PasskeyCredential, presented uint32) error {
	if presented == 0 && stored.SignatureCounter == 0 {
		return nil
	}
	if presented <= stored.SignatureCounter {
		s.recorder.Record(ctx, audit.Entry{
			Actor: stored.UserID, Action: "passkey.clone_detected",
			ResourceType: "passkey", ResourceID: stored.CredentialID,
			Outcome: audit.OutcomeDenied,
			Detail:  map[string]any{"stored_count": stored.SignatureCounter, "presented_count": presented},
		})
		return apperr.Authorization("credential_cloned", "This passkey appears to have been cloned and was rejected.")
	}
	return nil
}

// ListCredentials returns the caller's registered passkeys.
func (s *PasskeyService) ListCredentials(ctx context.Context, userID int64) ([]domain.PasskeyCredential, error) {
	ctx, span := s.startSpan(ctx, "PasskeyService.ListCredentials")
	defer span.End()

	creds, err := s.passkeys.ListByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("list credentials", err)
	}
	return creds, nil
}

// DeleteCredential unregisters a passkey. Removing the last one turns the
// user's passkey flag back off.
func (s *PasskeyService) DeleteCredential(ctx context.Context, userID int64, credentialID string) error {
	ctx, span := s.startSpan(ctx, "PasskeyService.DeleteCredential")
	defer span.End()

	if err := s.passkeys.Delete(ctx, userID, credentialID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("invalid_request", "Credential not found.")
		}
		span.RecordError(err)
		return apperr.Upstream("delete credential", err)
	}
	remaining, err := s.passkeys.CountByUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return apperr.Upstream("count credentials", err)
	}
	if remaining == 0 {
		if err := s.users.SetPasskeyEnabled(ctx, userID, false); err != nil {
			span.RecordError(err)
			return apperr.Upstream("disable passkeys", err)
		}
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: userID, Action: "passkey.deleted",
		ResourceType: "passkey", ResourceID: credentialID,
		Outcome: audit.OutcomeSuccess,
	})
	return nil
}

func (s *PasskeyService) loadWebauthnUser(ctx context.Context, userID int64) (*webauthnUser, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.Unauthenticated("Unknown user.")
		}
		return nil, apperr.Upstream("load user", err)
	}
	records, err := s.passkeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Upstream("list credentials", err)
	}
	creds := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		id, err := decodeCredentialID(record.CredentialID)
		if err != nil {
			return nil, apperr.Upstream("decode credential id", err)
		}
		creds = append(creds, webauthn.Credential{
			ID:        id,
			PublicKey: record.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: record.SignatureCounter,
			},
			Transport: transportValues(record.Transports),
		})
	}
	return &webauthnUser{user: user, credentials: creds}, nil
}

func (s *PasskeyService) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID, err := strconv.ParseInt(string(userHandle), 10, 64)
		if err != nil {
			return nil, errors.New("malformed user handle")
		}
		return s.loadWebauthnUser(ctx, userID)
	}
}

func (s *PasskeyService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func decodeCredentialID(id string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(id)
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(transports))
	for _, t := range transports {
		out = append(out, string(t))
	}
	return out
}

func transportValues(transports []string) []protocol.AuthenticatorTransport {
	out := make([]protocol.AuthenticatorTransport, 0, len(transports))
	for _, t := range transports {
		out = append(out, protocol.AuthenticatorTransport(t))
	}
	return out
}

// webauthnUser adapts a platform user plus stored credentials to the
// webauthn.User contract. The user handle is the decimal user ID.
type webauthnUser struct {
	user        domain.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte {
	return []byte(strconv.FormatInt(u.user.ID, 10))
}

func (u *webauthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webauthnUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.user.Email
}

func (u *webauthnUser) WebAuthnIcon() string {
	return ""
}

func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}
