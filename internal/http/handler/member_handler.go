package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/service"
)

// MemberHandler exposes tenant membership management.
type MemberHandler struct {
	members *service.MemberService
	logger  *zap.Logger
}

// NewMemberHandler wires dependencies.
func NewMemberHandler(members *service.MemberService, logger *zap.Logger) *MemberHandler {
	return &MemberHandler{members: members, logger: logger}
}

// List returns every membership in the tenant.
func (h *MemberHandler) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	members, err := h.members.ListMembers(c.Request.Context(), tenantID, identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type addMemberRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	RoleID int64 `json:"role_id" binding:"required"`
}

// Add creates an active membership directly.
func (h *MemberHandler) Add(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "user_id and role_id are required."})
		return
	}
	member, err := h.members.AddMember(c.Request.Context(), tenantID, identity.UserID, req.UserID, req.RoleID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

// Suspend blocks a member's access.
func (h *MemberHandler) Suspend(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	memberID, ok := pathID(c, "member_id")
	if !ok {
		return
	}
	if err := h.members.SuspendMember(c.Request.Context(), tenantID, identity.UserID, memberID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Restore reactivates a suspended or recently removed member.
func (h *MemberHandler) Restore(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	memberID, ok := pathID(c, "member_id")
	if !ok {
		return
	}
	member, err := h.members.RestoreMember(c.Request.Context(), tenantID, identity.UserID, memberID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

// Remove soft-deletes a membership.
func (h *MemberHandler) Remove(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	memberID, ok := pathID(c, "member_id")
	if !ok {
		return
	}
	if err := h.members.RemoveMember(c.Request.Context(), tenantID, identity.UserID, memberID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type updateRoleRequest struct {
	RoleID int64 `json:"role_id" binding:"required"`
}

// UpdateRole swaps a member's primary role.
func (h *MemberHandler) UpdateRole(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	memberID, ok := pathID(c, "member_id")
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "role_id is required."})
		return
	}
	if err := h.members.UpdateMemberRole(c.Request.Context(), tenantID, identity.UserID, memberID, req.RoleID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type grantSecondaryRequest struct {
	UserID    int64      `json:"user_id" binding:"required"`
	RoleID    int64      `json:"role_id" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// GrantSecondary layers an extra role onto a member.
func (h *MemberHandler) GrantSecondary(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req grantSecondaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "user_id and role_id are required."})
		return
	}
	assignment, err := h.members.GrantSecondaryRole(c.Request.Context(), tenantID, identity.UserID, req.UserID, req.RoleID, req.ExpiresAt)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

type revokeSecondaryRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	RoleID int64 `json:"role_id" binding:"required"`
}

// RevokeSecondary withdraws a secondary role assignment.
func (h *MemberHandler) RevokeSecondary(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req revokeSecondaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "user_id and role_id are required."})
		return
	}
	if err := h.members.RevokeSecondaryRole(c.Request.Context(), tenantID, identity.UserID, req.UserID, req.RoleID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
