package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/service"
)

// DeviceHandler exposes the trusted-device registry.
type DeviceHandler struct {
	devices *service.DeviceService
	logger  *zap.Logger
}

// NewDeviceHandler wires dependencies.
func NewDeviceHandler(devices *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, logger: logger}
}

func deviceSignals(c *gin.Context) service.DeviceSignals {
	return service.DeviceSignals{
		UserAgent: c.Request.UserAgent(),
		Language:  c.GetHeader("Accept-Language"),
		IP:        c.ClientIP(),
	}
}

// Trust marks the current device as trusted for the caller.
func (h *DeviceHandler) Trust(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	device, err := h.devices.Trust(c.Request.Context(), identity.UserID, deviceSignals(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trusted_until": device.TrustedUntil})
}

// Check reports whether the current device is inside its trust window.
func (h *DeviceHandler) Check(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	trusted, err := h.devices.IsTrusted(c.Request.Context(), identity.UserID, deviceSignals(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trusted": trusted})
}
