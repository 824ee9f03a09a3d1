package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/service"
)

// AuthHandler exposes the magic-link and session-bootstrap flows.
type AuthHandler struct {
	magicLinks *service.MagicLinkService
	sessions   *service.SessionService
	logger     *zap.Logger
}

// NewAuthHandler wires dependencies.
func NewAuthHandler(magicLinks *service.MagicLinkService, sessions *service.SessionService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{magicLinks: magicLinks, sessions: sessions, logger: logger}
}

type magicLinkRequest struct {
	Email       string `json:"email" binding:"required"`
	RedirectURI string `json:"redirect_uri"`
}

// MagicLinkRequest issues a sign-in link. The response never discloses
// whether the email maps to an account.
func (h *AuthHandler) MagicLinkRequest(c *gin.Context) {
	var req magicLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "email is required."})
		return
	}
	if err := h.magicLinks.Request(c.Request.Context(), req.Email, req.RedirectURI); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

type magicLinkConsume struct {
	Token string `json:"token" binding:"required"`
}

// MagicLinkConsume redeems the link and returns a session bootstrap token.
func (h *AuthHandler) MagicLinkConsume(c *gin.Context) {
	var req magicLinkConsume
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}
	user, redirectURI, err := h.magicLinks.Consume(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	bootstrap, err := h.sessions.IssueBootstrap(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	resp := gin.H{"bootstrap_token": bootstrap}
	if redirectURI != "" {
		resp["redirect_uri"] = redirectURI
	}
	c.JSON(http.StatusOK, resp)
}

type exchangeRequest struct {
	BootstrapToken string `json:"bootstrap_token" binding:"required"`
}

// Exchange trades a bootstrap token for provider credentials plus the
// caller's identity snapshot.
func (h *AuthHandler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "bootstrap_token is required."})
		return
	}
	session, err := h.sessions.Exchange(c.Request.Context(), req.BootstrapToken)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
