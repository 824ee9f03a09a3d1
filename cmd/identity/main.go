package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/audit"
	"github.com/loomhq/loom-identity/internal/bootstrap"
	"github.com/loomhq/loom-identity/internal/config"
	httptransport "github.com/loomhq/loom-identity/internal/http"
	"github.com/loomhq/loom-identity/internal/http/handler"
	httpmiddleware "github.com/loomhq/loom-identity/internal/http/middleware"
	"github.com/loomhq/loom-identity/internal/idp"
	"github.com/loomhq/loom-identity/internal/jwt"
	"github.com/loomhq/loom-identity/internal/notify"
	"github.com/loomhq/loom-identity/internal/ratelimit"
	"github.com/loomhq/loom-identity/internal/repository"
	"github.com/loomhq/loom-identity/internal/server"
	"github.com/loomhq/loom-identity/internal/service"
	"github.com/loomhq/loom-identity/internal/telemetry"
	"github.com/loomhq/loom-identity/internal/tenant"
	"github.com/loomhq/loom-identity/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newTenantRepository,
			newUserRepository,
			newRoleRepository,
			newMemberRepository,
			newInviteRepository,
			newDeviceRepository,
			newPasskeyRepository,
			newVault,
			newRateLimiter,
			newWebAuthn,
			newSessionVerifier,
			newIdentityProvider,
			newNotifier,
			newAuditRecorder,
			newDomainVerifier,
			tenant.NewResolver,
			service.NewRBACService,
			newMemberService,
			newInviteService,
			newMagicLinkService,
			newSessionService,
			newDeviceService,
			newPasskeyService,
			service.NewRoleService,
			handler.NewAuthHandler,
			handler.NewPasskeyHandler,
			handler.NewDeviceHandler,
			handler.NewMemberHandler,
			handler.NewInviteHandler,
			handler.NewRoleHandler,
			newAuthMiddleware,
			newThrottle,
			newRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, syncCatalog, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newTenantRepository(pool *pgxpool.Pool) repository.TenantRepository {
	return repository.NewPostgresTenantRepo(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newRoleRepository(pool *pgxpool.Pool) repository.RoleRepository {
	return repository.NewPostgresRoleRepo(pool)
}

func newMemberRepository(pool *pgxpool.Pool) repository.MemberRepository {
	return repository.NewPostgresMemberRepo(pool)
}

func newInviteRepository(pool *pgxpool.Pool) repository.InviteRepository {
	return repository.NewPostgresInviteRepo(pool)
}

func newDeviceRepository(pool *pgxpool.Pool) repository.DeviceRepository {
	return repository.NewPostgresDeviceRepo(pool)
}

func newPasskeyRepository(pool *pgxpool.Pool) repository.PasskeyRepository {
	return repository.NewPostgresPasskeyRepo(pool)
}

func newVault(client redis.UniversalClient) *vault.Vault {
	return vault.New(vault.NewRedisStore(client))
}

func newRateLimiter(client redis.UniversalClient) ratelimit.Limiter {
	return ratelimit.NewRedisLimiter(client)
}

func newWebAuthn(cfg config.Config) (*webauthn.WebAuthn, error) {
	return webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthnRPID,
		RPDisplayName: cfg.WebAuthnDisplayName,
		RPOrigins:     cfg.WebAuthnOrigins,
	})
}

func newSessionVerifier(cfg config.Config) *jwt.Verifier {
	return jwt.NewVerifier(cfg.SessionJWTSecret, cfg.SessionJWTIssuer)
}

func newIdentityProvider(cfg config.Config) idp.Provider {
	return idp.NewHTTPProvider(cfg.IdPSessionEndpoint, cfg.IdPAPIKey, nil)
}

func newNotifier(cfg config.Config, logger *zap.Logger) notify.Dispatcher {
	if cfg.NotifyWebhookURL == "" {
		logger.Warn("NOTIFY_WEBHOOK_URL not set, notifications disabled")
		return notify.Nop{}
	}
	return notify.NewAsync(notify.NewWebhookDispatcher(cfg.NotifyWebhookURL, nil), logger)
}

func newAuditRecorder(logger *zap.Logger) audit.Recorder {
	return audit.NewZapRecorder(logger)
}

func newDomainVerifier() tenant.DomainVerifier {
	// Custom-domain approval is a manual operator action; automated DNS
	// checks plug in behind the same interface.
	return tenant.NewManualVerifier()
}

func newMemberService(
	tenants repository.TenantRepository,
	roles repository.RoleRepository,
	members repository.MemberRepository,
	rbac *service.RBACService,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg config.Config,
) *service.MemberService {
	return service.NewMemberService(tenants, roles, members, rbac, node, recorder, logger, cfg.MemberRetention)
}

func newInviteService(
	tenants repository.TenantRepository,
	users repository.UserRepository,
	roles repository.RoleRepository,
	members repository.MemberRepository,
	invites repository.InviteRepository,
	rbac *service.RBACService,
	notifier notify.Dispatcher,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg config.Config,
) *service.InviteService {
	return service.NewInviteService(tenants, users, roles, members, invites, rbac, notifier, node, recorder, logger, service.InviteConfig{
		TTL:        cfg.InviteTTL,
		MaxResends: cfg.InviteMaxResends,
		AcceptURL:  cfg.InviteAcceptURL,
	})
}

func newMagicLinkService(
	users repository.UserRepository,
	v *vault.Vault,
	limiter ratelimit.Limiter,
	notifier notify.Dispatcher,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg config.Config,
) *service.MagicLinkService {
	return service.NewMagicLinkService(users, v, limiter, notifier, recorder, logger, service.MagicLinkConfig{
		TTL:         cfg.MagicLinkTTL,
		BaseURL:     cfg.MagicLinkBaseURL,
		PerEmailMax: cfg.MagicLinkPerEmail,
		PerEmailWin: cfg.MagicLinkWindow,
	})
}

func newSessionService(
	users repository.UserRepository,
	members repository.MemberRepository,
	provider idp.Provider,
	v *vault.Vault,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg config.Config,
) *service.SessionService {
	return service.NewSessionService(users, members, provider, v, recorder, logger, cfg.BootstrapTokenTTL)
}

func newDeviceService(
	devices repository.DeviceRepository,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg config.Config,
) *service.DeviceService {
	return service.NewDeviceService(devices, node, recorder, logger, cfg.DeviceTrustTTL)
}

func newPasskeyService(
	users repository.UserRepository,
	passkeys repository.PasskeyRepository,
	web *webauthn.WebAuthn,
	v *vault.Vault,
	node *snowflake.Node,
	recorder audit.Recorder,
	logger *zap.Logger,
	cfg config.Config,
) *service.PasskeyService {
	return service.NewPasskeyService(users, passkeys, web, v, node, recorder, logger, cfg.ChallengeTTL)
}

func newAuthMiddleware(verifier *jwt.Verifier) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Verifier: verifier}
}

func newThrottle(cfg config.Config) *httpmiddleware.Throttle {
	return httpmiddleware.NewThrottle(cfg.ThrottleRPM)
}

func newRouter(
	cfg config.Config,
	logger *zap.Logger,
	auth *handler.AuthHandler,
	passkeys *handler.PasskeyHandler,
	devices *handler.DeviceHandler,
	members *handler.MemberHandler,
	invites *handler.InviteHandler,
	roles *handler.RoleHandler,
	identity *httpmiddleware.Auth,
	resolver *tenant.Resolver,
	limiter ratelimit.Limiter,
	throttle *httpmiddleware.Throttle,
) *gin.Engine {
	return httptransport.NewRouter(httptransport.RouterDeps{
		Config:   cfg,
		Logger:   logger,
		Auth:     auth,
		Passkeys: passkeys,
		Devices:  devices,
		Members:  members,
		Invites:  invites,
		Roles:    roles,
		Identity: identity,
		Resolver: resolver,
		Limiter:  limiter,
		Throttle: throttle,
	})
}

func syncCatalog(roles repository.RoleRepository, logger *zap.Logger) error {
	return bootstrap.SyncPermissionCatalog(roles, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
