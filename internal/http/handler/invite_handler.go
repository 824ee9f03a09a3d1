package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/service"
)

// InviteHandler exposes invite management plus the public accept endpoint.
type InviteHandler struct {
	invites *service.InviteService
	logger  *zap.Logger
}

// NewInviteHandler wires dependencies.
func NewInviteHandler(invites *service.InviteService, logger *zap.Logger) *InviteHandler {
	return &InviteHandler{invites: invites, logger: logger}
}

// List returns the tenant's invites with expiries settled.
func (h *InviteHandler) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	invites, err := h.invites.List(c.Request.Context(), tenantID, identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]gin.H, 0, len(invites))
	for _, invite := range invites {
		out = append(out, gin.H{
			"id":           invite.ID,
			"email":        invite.Email,
			"role_id":      invite.RoleID,
			"status":       invite.Status,
			"resend_count": invite.ResendCount,
			"expires_at":   invite.ExpiresAt,
			"created_at":   invite.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"invites": out})
}

type createInviteRequest struct {
	Email  string `json:"email" binding:"required"`
	RoleID int64  `json:"role_id" binding:"required"`
}

// Create issues a new invite. The token travels by email only and never
// appears in this response.
func (h *InviteHandler) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req createInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "email and role_id are required."})
		return
	}
	invite, err := h.invites.Create(c.Request.Context(), tenantID, identity.UserID, req.Email, req.RoleID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         invite.ID,
		"email":      invite.Email,
		"role_id":    invite.RoleID,
		"status":     invite.Status,
		"expires_at": invite.ExpiresAt,
	})
}

// Resend rotates the token and re-emails the invite.
func (h *InviteHandler) Resend(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	inviteID, ok := pathID(c, "invite_id")
	if !ok {
		return
	}
	invite, err := h.invites.Resend(c.Request.Context(), tenantID, identity.UserID, inviteID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           invite.ID,
		"resend_count": invite.ResendCount,
		"expires_at":   invite.ExpiresAt,
	})
}

// Cancel withdraws a pending invite.
func (h *InviteHandler) Cancel(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	inviteID, ok := pathID(c, "invite_id")
	if !ok {
		return
	}
	if err := h.invites.Cancel(c.Request.Context(), tenantID, identity.UserID, inviteID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type acceptInviteRequest struct {
	Token string `json:"token" binding:"required"`
}

// Accept redeems an invite token for the authenticated caller. The tenant
// comes from the token, not from any header.
func (h *InviteHandler) Accept(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req acceptInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}
	member, err := h.invites.Accept(c.Request.Context(), req.Token, identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, member)
}
