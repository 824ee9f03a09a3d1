package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/service"
)

// RoleHandler exposes custom role management and the permission catalog.
type RoleHandler struct {
	roles  *service.RoleService
	logger *zap.Logger
}

// NewRoleHandler wires dependencies.
func NewRoleHandler(roles *service.RoleService, logger *zap.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, logger: logger}
}

// List returns the tenant's roles with their grants.
func (h *RoleHandler) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	roles, err := h.roles.ListRoles(c.Request.Context(), tenantID, identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

type createRoleRequest struct {
	Name           string   `json:"name" binding:"required"`
	HierarchyLevel int      `json:"hierarchy_level" binding:"required"`
	Permissions    []string `json:"permissions"`
}

// Create adds a custom role.
func (h *RoleHandler) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "name and hierarchy_level are required."})
		return
	}
	role, err := h.roles.CreateRole(c.Request.Context(), tenantID, identity.UserID, req.Name, req.HierarchyLevel, req.Permissions)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, role)
}

type updateRoleBody struct {
	Name           string `json:"name" binding:"required"`
	HierarchyLevel int    `json:"hierarchy_level" binding:"required"`
}

// Update renames or re-levels a custom role.
func (h *RoleHandler) Update(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	roleID, ok := pathID(c, "role_id")
	if !ok {
		return
	}
	var req updateRoleBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "name and hierarchy_level are required."})
		return
	}
	role, err := h.roles.UpdateRole(c.Request.Context(), tenantID, identity.UserID, roleID, req.Name, req.HierarchyLevel)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, role)
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" binding:"required"`
}

// SetPermissions replaces a role's grant set.
func (h *RoleHandler) SetPermissions(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	roleID, ok := pathID(c, "role_id")
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "permissions is required."})
		return
	}
	if err := h.roles.SetPermissions(c.Request.Context(), tenantID, identity.UserID, roleID, req.Permissions); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Delete removes a custom role.
func (h *RoleHandler) Delete(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	roleID, ok := pathID(c, "role_id")
	if !ok {
		return
	}
	if err := h.roles.DeleteRole(c.Request.Context(), tenantID, identity.UserID, roleID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Catalog returns the global permission catalog.
func (h *RoleHandler) Catalog(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	perms, err := h.roles.Catalog(c.Request.Context(), tenantID, identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"permissions": perms})
}
