package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/service"
)

// PasskeyHandler exposes WebAuthn registration and login ceremonies.
type PasskeyHandler struct {
	passkeys *service.PasskeyService
	sessions *service.SessionService
	logger   *zap.Logger
}

// NewPasskeyHandler wires dependencies.
func NewPasskeyHandler(passkeys *service.PasskeyService, sessions *service.SessionService, logger *zap.Logger) *PasskeyHandler {
	return &PasskeyHandler{passkeys: passkeys, sessions: sessions, logger: logger}
}

// RegisterBegin opens a registration ceremony for the authenticated caller.
func (h *PasskeyHandler) RegisterBegin(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	creation, err := h.passkeys.BeginRegistration(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, creation)
}

// RegisterFinish verifies the attestation and stores the new credential.
func (h *PasskeyHandler) RegisterFinish(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed registration response."})
		return
	}
	credential, err := h.passkeys.FinishRegistration(c.Request.Context(), identity.UserID, parsed)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"credential_id": credential.CredentialID,
		"device_type":   credential.DeviceType,
		"created_at":    credential.CreatedAt,
	})
}

// LoginBegin opens a discoverable login ceremony. No authentication is
// required; the passkey itself identifies the user.
func (h *PasskeyHandler) LoginBegin(c *gin.Context) {
	challenge, err := h.passkeys.BeginLogin(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": challenge.SessionID,
		"assertion":  challenge.Assertion,
	})
}

// LoginFinish verifies the assertion and returns a session bootstrap token.
func (h *PasskeyHandler) LoginFinish(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "session_id is required."})
		return
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed login response."})
		return
	}
	user, err := h.passkeys.FinishLogin(c.Request.Context(), sessionID, parsed)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	bootstrap, err := h.sessions.IssueBootstrap(c.Request.Context(), user.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bootstrap_token": bootstrap})
}

// ListCredentials returns the caller's registered passkeys.
func (h *PasskeyHandler) ListCredentials(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	credentials, err := h.passkeys.ListCredentials(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]gin.H, 0, len(credentials))
	for _, cred := range credentials {
		out = append(out, gin.H{
			"credential_id": cred.CredentialID,
			"device_type":   cred.DeviceType,
			"backup_state":  cred.BackupState,
			"created_at":    cred.CreatedAt,
			"last_used_at":  cred.LastUsedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// DeleteCredential unregisters one of the caller's passkeys.
func (h *PasskeyHandler) DeleteCredential(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	credentialID := c.Param("credential_id")
	if credentialID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "credential_id is required."})
		return
	}
	if err := h.passkeys.DeleteCredential(c.Request.Context(), identity.UserID, credentialID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
