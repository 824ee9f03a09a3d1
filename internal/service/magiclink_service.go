package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/domain"
	"github.com/loomhq/loom-identity/internal/notify"
	"github.com/loomhq/loom-identity/internal/ratelimit"
	"github.com/loomhq/loom-identity/internal/repository"
	"github.com/loomhq/loom-identity/internal/vault"
)

const vaultKindMagicLink = "magiclink"

// MagicLinkConfig carries the magic-link knobs.
type MagicLinkConfig struct {
	TTL         time.Duration
	BaseURL     string
	PerEmailMax int
	PerEmailWin time.Duration
}

// magicLinkClaims is the vault payload behind a magic-link token.
type magicLinkClaims struct {
	UserID      int64  `json:"user_id"`
	Email       string `json:"email"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// MagicLinkService issues and redeems email sign-in links. Requests never
// reveal whether an account exists: the response and the per-email quota
// accounting are identical either way.
type MagicLinkService struct {
	users    repository.UserRepository
	vault    *vault.Vault
	limiter  ratelimit.Limiter
	notifier notify.Dispatcher
	recorder audit.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
	cfg      MagicLinkConfig
}

// NewMagicLinkService wires dependencies.
func NewMagicLinkService(
	users repository.UserRepository,
	v *vault.Vault,
	limiter ratelimit.Limiter,
	notifier notify.Dispatcher,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg MagicLinkConfig,
) *MagicLinkService {
	return &MagicLinkService{
		users:    users,
		vault:    v,
		limiter:  limiter,
		notifier: notifier,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/loomhq/loom-identity/internal/service"),
		now:      time.Now,
		cfg:      cfg,
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *MagicLinkService) WithClock(now func() time.Time) *MagicLinkService {
	s.now = now
	return s
}

// Request issues a magic link for email if an account exists. The quota is
// charged before the account lookup, so probing the limiter tells an
// attacker nothing about which emails are registered. redirectURI is an
// optional post-auth destination echoed back on consume.
func (s *MagicLinkService) Request(ctx context.Context, email, redirectURI string) error {
	ctx, span := s.startSpan(ctx, "MagicLinkService.Request")
	defer span.End()

	email = normalizeEmail(email)
	if !validEmail(email) {
		return apperr.Validation("a valid email address is required")
	}
	redirectURI = strings.TrimSpace(redirectURI)
	if redirectURI != "" {
		u, err := url.Parse(redirectURI)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return apperr.Validation("redirect_uri must be an absolute http(s) URL")
		}
	}

	decision, err := s.limiter.Allow(ctx, "magiclink:"+email, s.cfg.PerEmailMax, s.cfg.PerEmailWin)
	if err != nil {
		// Quota accounting failing must not take sign-in down with it.
		span.RecordError(err)
		s.logger.Warn("magic link quota check failed, allowing", zap.Error(err))
	} else if !decision.Allowed {
		return apperr.RateLimited(int(decision.RetryAfter.Seconds()) + 1)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.recorder.Record(ctx, audit.Entry{
				Action: "magiclink.requested", Outcome: audit.OutcomeSuccess,
				Detail: map[string]any{"known_account": false},
			})
			return nil
		}
		span.RecordError(err)
		return apperr.Upstream("lookup user", err)
	}

	token, err := s.vault.Issue(ctx, vaultKindMagicLink, magicLinkClaims{UserID: user.ID, Email: user.Email, RedirectURI: redirectURI}, s.cfg.TTL)
	if err != nil {
		span.RecordError(err)
		return apperr.Upstream("issue magic link", err)
	}

	err = s.notifier.Dispatch(ctx, notify.Message{
		Template:  notify.TemplateMagicLink,
		Recipient: user.Email,
		Data: map[string]string{
			"link":       fmt.Sprintf("%s?token=%s", s.cfg.BaseURL, token),
			"expires_in": s.cfg.TTL.String(),
		},
	})
	if err != nil {
		s.logger.Warn("magic link notification failed", zap.Error(err))
	}
	s.recorder.Record(ctx, audit.Entry{
		Actor: user.ID, Action: "magiclink.requested", Outcome: audit.OutcomeSuccess,
		Detail: map[string]any{"known_account": true},
	})
	return nil
}

// Consume redeems a magic-link token exactly once, marks the email
// verified, and returns the redirect requested at issue time. Consumed,
// expired, and unknown tokens are indistinguishable.
func (s *MagicLinkService) Consume(ctx context.Context, token string) (domain.User, string, error) {
	ctx, span := s.startSpan(ctx, "MagicLinkService.Consume")
	defer span.End()

	var claims magicLinkClaims
	if err := s.vault.Consume(ctx, vaultKindMagicLink, token, &claims); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return domain.User{}, "", apperr.Unauthenticated("Magic link is invalid, expired, or already used.")
		}
		span.RecordError(err)
		return domain.User{}, "", apperr.Upstream("consume magic link", err)
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		span.RecordError(err)
		return domain.User{}, "", apperr.Upstream("load user", err)
	}
	if !user.EmailVerified {
		if err := s.users.MarkEmailVerified(ctx, user.ID, s.now()); err != nil {
			span.RecordError(err)
			return domain.User{}, "", apperr.Upstream("mark email verified", err)
		}
		user.EmailVerified = true
	}

	s.recorder.Record(ctx, audit.Entry{
		Actor: user.ID, Action: "magiclink.consumed", Outcome: audit.OutcomeSuccess,
	})
	return user, claims.RedirectURI, nil
}

func (s *MagicLinkService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
