package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/config"
	"github.com/loomhq/loom-identity/internal/http/handler"
	httpmiddleware "github.com/loomhq/loom-identity/internal/http/middleware"
	"github.com/loomhq/loom-identity/internal/ratelimit"
	"github.com/loomhq/loom-identity/internal/tenant"
)

// RouterDeps bundles everything NewRouter wires together.
type RouterDeps struct {
	Config   config.Config
	Logger   *zap.Logger
	Auth     *handler.AuthHandler
	Passkeys *handler.PasskeyHandler
	Devices  *handler.DeviceHandler
	Members  *handler.MemberHandler
	Invites  *handler.InviteHandler
	Roles    *handler.RoleHandler
	Identity *httpmiddleware.Auth
	Resolver *tenant.Resolver
	Limiter  ratelimit.Limiter
	Throttle *httpmiddleware.Throttle
}

// NewRouter wires Gin routes and middleware.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(deps.Logger))
	if deps.Throttle != nil {
		r.Use(deps.Throttle.Handler())
	}
	r.Use(httpmiddleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	limited := func(max int) gin.HandlerFunc {
		return httpmiddleware.SlidingWindow(deps.Limiter, max, cfg.RateLimitWindow, deps.Logger)
	}

	auth := r.Group("/auth")
	{
		magic := auth.Group("/magic-link")
		{
			magic.POST("/request", limited(cfg.RateLimitMax), deps.Auth.MagicLinkRequest)
			magic.POST("/consume", limited(cfg.RateLimitMax), deps.Auth.MagicLinkConsume)
		}

		passkeys := auth.Group("/passkeys")
		{
			passkeys.POST("/register/begin", deps.Identity.RequireIdentity, deps.Passkeys.RegisterBegin)
			passkeys.POST("/register/finish", deps.Identity.RequireIdentity, deps.Passkeys.RegisterFinish)
			passkeys.POST("/login/begin", limited(cfg.RateLimitMax), deps.Passkeys.LoginBegin)
			passkeys.POST("/login/finish", limited(cfg.RateLimitMax), deps.Passkeys.LoginFinish)
		}
	}

	session := r.Group("/session")
	{
		session.POST("/exchange", limited(cfg.RateLimitMax), deps.Auth.Exchange)
	}

	me := r.Group("/me", deps.Identity.RequireIdentity)
	{
		me.GET("/passkeys", deps.Passkeys.ListCredentials)
		me.DELETE("/passkeys/:credential_id", deps.Passkeys.DeleteCredential)
		me.POST("/devices/trust", deps.Devices.Trust)
		me.GET("/devices/trusted", deps.Devices.Check)
	}

	r.POST("/invites/accept", deps.Identity.RequireIdentity, deps.Invites.Accept)

	tenants := r.Group("/tenants/:tenant_id",
		deps.Identity.RequireIdentity,
		httpmiddleware.Tenant(deps.Resolver),
	)
	{
		members := tenants.Group("/members")
		{
			members.GET("", deps.Members.List)
			members.POST("", deps.Members.Add)
			members.POST("/:member_id/suspend", deps.Members.Suspend)
			members.POST("/:member_id/restore", deps.Members.Restore)
			members.DELETE("/:member_id", deps.Members.Remove)
			members.PATCH("/:member_id/role", deps.Members.UpdateRole)
			members.POST("/secondary-roles", deps.Members.GrantSecondary)
			members.DELETE("/secondary-roles", deps.Members.RevokeSecondary)
		}

		invites := tenants.Group("/invites")
		{
			invites.GET("", deps.Invites.List)
			invites.POST("", deps.Invites.Create)
			invites.POST("/:invite_id/resend", deps.Invites.Resend)
			invites.DELETE("/:invite_id", deps.Invites.Cancel)
		}

		roles := tenants.Group("/roles")
		{
			roles.GET("", deps.Roles.List)
			roles.POST("", deps.Roles.Create)
			roles.PATCH("/:role_id", deps.Roles.Update)
			roles.PUT("/:role_id/permissions", deps.Roles.SetPermissions)
			roles.DELETE("/:role_id", deps.Roles.Delete)
		}

		tenants.GET("/permissions", deps.Roles.Catalog)
	}

	return r
}
