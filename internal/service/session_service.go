package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/idp"
	"github.com/loomhq/loom-identity/internal/repository"
	"github.com/loomhq/loom-identity/internal/vault"
)

const vaultKindBootstrap = "bootstrap"

// bootstrapClaims is the vault payload behind a session-bootstrap token.
type bootstrapClaims struct {
	UserID int64 `json:"user_id"`
}

// IdentitySnapshot is the caller's profile plus their standing across
// tenants, returned on exchange so the client can render a workspace
// switcher without further round trips.
type IdentitySnapshot struct {
	UserID        int64               `json:"user_id"`
	Email         string              `json:"email"`
	EmailVerified bool                `json:"email_verified"`
	Name          string              `json:"name"`
	AvatarURL     string              `json:"avatar_url,omitempty"`
	Memberships   []domain.Membership `json:"memberships"`
}

// BootstrapSession is the outcome of a successful token exchange.
type BootstrapSession struct {
	Credentials *idp.Credentials `json:"credentials"`
	Identity    IdentitySnapshot `json:"identity"`
}

// SessionService bridges a just-verified identity into a provider session.
// The bootstrap token is a short-lived single-use handoff between the
// verification step and the session exchange.
type SessionService struct {
	users    repository.UserRepository
	members  repository.MemberRepository
	provider idp.Provider
	vault    *vault.Vault
	recorder audit.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	ttl      time.Duration
}

// NewSessionService wires dependencies.
func NewSessionService(
	users repository.UserRepository,
	members repository.MemberRepository,
	provider idp.Provider,
	v *vault.Vault,
	recorder audit.Recorder,
	logger *zap.Logger,
	bootstrapTTL time.Duration,
) *SessionService {
	return &SessionService{
		users:    users,
		members:  members,
		provider: provider,
		vault:    v,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		ttl:      bootstrapTTL,
	}
}

// IssueBootstrap mints the single-use handoff token after a completed
// verification (magic link or passkey login).
func (s *SessionService) IssueBootstrap(ctx context.Context, userID int64) (string, error) {
	ctx, span := s.startSpan(ctx, "SessionService.IssueBootstrap")
	defer span.End()

	token, err := s.vault.Issue(ctx, vaultKindBootstrap, bootstrapClaims{UserID: userID}, s.ttl)
	if err != nil {
		span.RecordError(err)
		return "", apperr.Upstream("issue bootstrap token", err)
	}
	return token, nil
}

// Exchange redeems a bootstrap token for provider session credentials plus
// the caller's identity snapshot. A second exchange of the same token fails.
func (s *SessionService) Exchange(ctx context.Context, token string) (*BootstrapSession, error) {
	ctx, span := s.startSpan(ctx, "SessionService.Exchange")
	defer span.End()

	var claims bootstrapClaims
	if err := s.vault.Consume(ctx, vaultKindBootstrap, token, &claims); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil, apperr.Unauthenticated("Bootstrap token is invalid, expired, or already used.")
		}
		span.RecordError(err)
		return nil, apperr.Upstream("consume bootstrap token", err)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("load user", err)
	}
	memberships, err := s.members.ListMemberships(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("list memberships", err)
	}
	creds, err := s.provider.IssueSession(ctx, user.ID, user.Email)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Upstream("issue provider session", err)
	}

	s.recorder.Record(ctx, audit.Entry{
		Actor: user.ID, Action: "session.exchanged", Outcome: audit.OutcomeSuccess,
	})
	return &BootstrapSession{
		Credentials: creds,
		Identity: IdentitySnapshot{
			UserID:        user.ID,
			Email:         user.Email,
			EmailVerified: user.EmailVerified,
			Name:          user.Name,
			AvatarURL:     user.AvatarURL,
			Memberships:   memberships,
		},
	}, nil
}

func (s *SessionService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
