package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom-identity/internal/jwt"
)

const identityKey = "callerIdentity"

// Auth validates the Authorization header and attaches the caller identity.
type Auth struct {
	Verifier *jwt.Verifier
}

// RequireIdentity ensures the request carries a valid session bearer token.
func (m *Auth) RequireIdentity(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header required."})
		return
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Bearer token required."})
		return
	}
	identity, err := m.Verifier.Verify(parts[1])
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Invalid session token."})
		return
	}
	c.Set(identityKey, identity)
	c.Next()
}

// GetIdentity exposes the verified caller identity to handlers.
func GetIdentity(c *gin.Context) (jwt.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return jwt.Identity{}, false
	}
	identity, ok := value.(jwt.Identity)
	return identity, ok
}
