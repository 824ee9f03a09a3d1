package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/apperr"
	"github.com/loomhq/loom-identity/internal/http/middleware"
	"github.com/loomhq/loom-identity/internal/jwt"
)

// respondError maps service errors onto the wire contract. Anything that is
// not a structured error is masked as an upstream failure.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	if appErr, ok := apperr.As(err); ok {
		if appErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
		}
		c.AbortWithStatusJSON(appErr.Status, gin.H{
			"error":             appErr.Code,
			"error_description": appErr.Description,
		})
		return
	}
	if logger != nil {
		logger.Error("unclassified handler error", zap.Error(err))
	}
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
		"error":             "upstream_failure",
		"error_description": "An internal dependency failed.",
	})
}

func requireIdentity(c *gin.Context) (jwt.Identity, bool) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "Authentication required.",
		})
	}
	return identity, ok
}

func requireTenant(c *gin.Context) (int64, bool) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error":             "invalid_tenant",
			"error_description": "Tenant context missing.",
		})
		return 0, false
	}
	return tenantCtx.Tenant.ID, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "Malformed " + name + ".",
		})
		return 0, false
	}
	return id, true
}
