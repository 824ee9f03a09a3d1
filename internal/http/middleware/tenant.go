package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom-identity/internal/tenant"
)

const tenantContextKey = "tenantContext"

// Tenant attaches tenant metadata to the gin context. The X-Tenant-ID header
// wins, then the path parameter, then a verified custom domain on the
// request host.
func Tenant(resolver *tenant.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			tenantCtx *tenant.Context
			err       error
		)
		ref := strings.TrimSpace(c.Request.Header.Get("X-Tenant-ID"))
		if ref == "" {
			ref = c.Param("tenant_id")
		}
		if ref != "" {
			tenantCtx, err = resolver.Resolve(c.Request.Context(), ref)
		} else {
			tenantCtx, err = resolver.ResolveDomain(c.Request.Context(), c.Request.Host)
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Unknown tenant."})
			return
		}
		c.Set(tenantContextKey, tenantCtx)
		c.Next()
	}
}

// GetTenantContext extracts the tenant context from gin.
func GetTenantContext(c *gin.Context) (*tenant.Context, bool) {
	value, ok := c.Get(tenantContextKey)
	if !ok {
		return nil, false
	}
	tenantCtx, ok := value.(*tenant.Context)
	return tenantCtx, ok
}
