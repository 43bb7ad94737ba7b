package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/haasonsaas/warden/pkg/protocol"
)

func (s *Server) handleRegisterDevice(c *gin.Context) {
	var req protocol.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.EmployeeEmail == "" {
		respondError(c, http.StatusBadRequest, "email required", s.logger)
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = "dev-" + xid.New().String()
	}

	meta := "{}"
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid metadata", s.logger)
			return
		}
		meta = string(raw)
	}

	// Re-registering a known device ID resets its record wholesale. There is
	// no ownership check; log the prior owner so re-provisioning is auditable.
	var existing Device
	if err := s.db.Where("device_id = ?", deviceID).First(&existing).Error; err == nil {
		reqLog := requestLogger(c, s.logger)
		reqLog.Warn().
			Str("device_id", deviceID).
			Str("prior_owner", existing.OwnerEmail).
			Str("new_owner", req.EmployeeEmail).
			Msg("Re-registering existing device, record overwritten")
		if err := s.db.Delete(&Device{}, "device_id = ?", deviceID).Error; err != nil {
			respondError(c, http.StatusInternalServerError, "failed to reset device", s.logger)
			return
		}
	}

	device := Device{
		DeviceID:   deviceID,
		OwnerEmail: req.EmployeeEmail,
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.Create(&device).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist device", s.logger)
		return
	}

	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Str("device_id", deviceID).Str("owner", req.EmployeeEmail).Msg("Device registered")
	c.JSON(http.StatusOK, protocol.RegisterResponse{DeviceID: deviceID})
}

// handleBindDevice records the hardware fingerprint on behalf of the agent.
// Binding is best-effort and orthogonal to activation.
func (s *Server) handleBindDevice(c *gin.Context) {
	s.bindDevice(c, c.Param("device_id"))
}

func (s *Server) handleAdminBind(c *gin.Context) {
	s.bindDevice(c, c.Param("device_id"))
}

func (s *Server) bindDevice(c *gin.Context, deviceID string) {
	var info protocol.BoundInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	updates := map[string]interface{}{
		"bound":        true,
		"bound_mac":    info.MAC,
		"bound_serial": info.Serial,
	}
	result := s.db.Model(&Device{}).Where("device_id = ?", deviceID).Updates(updates)
	if result.Error != nil {
		respondError(c, http.StatusInternalServerError, "failed to bind device", s.logger)
		return
	}
	if result.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, "device not found", s.logger)
		return
	}

	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Str("device_id", deviceID).Str("mac", info.MAC).Msg("Device bound")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListDevices(c *gin.Context) {
	var devices []Device
	if err := s.db.Order("created_at desc").Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list devices", s.logger)
		return
	}

	out := make([]protocol.Device, 0, len(devices))
	for i := range devices {
		out = append(out, devices[i].toProtocol())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	var device Device
	if err := s.db.Where("device_id = ?", c.Param("device_id")).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "device not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "device lookup failed", s.logger)
		return
	}
	c.JSON(http.StatusOK, device.toProtocol())
}

// handleAdminActivate flips a device to activated without OTP proof. It
// exists for operator recovery when email delivery is unavailable.
func (s *Server) handleAdminActivate(c *gin.Context) {
	deviceID := c.Param("device_id")
	if err := s.activateDevice(s.db, deviceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "device not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to activate device", s.logger)
		return
	}
	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Str("device_id", deviceID).Msg("Device activated by admin")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// activateDevice sets activated and activation_time together so the record
// never shows one without the other.
func (s *Server) activateDevice(tx *gorm.DB, deviceID string) error {
	now := time.Now().UTC()
	result := tx.Model(&Device{}).Where("device_id = ?", deviceID).Updates(map[string]interface{}{
		"activated":       true,
		"activation_time": now,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Server) touchLastSeen(deviceID string) {
	now := time.Now().UTC()
	if err := s.db.Model(&Device{}).Where("device_id = ?", deviceID).Update("last_seen", now).Error; err != nil {
		s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to update last_seen")
	}
}
