package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"gorm.io/gorm"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// handleCreateCommand enqueues a command for a device. The type is validated
// against the allow-list here so nothing outside the closed set ever enters
// the queue.
func (s *Server) handleCreateCommand(c *gin.Context) {
	deviceID := c.Param("device_id")

	var req protocol.CommandCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if !req.Type.Known() {
		respondError(c, http.StatusBadRequest, "unknown command type", s.logger)
		return
	}

	payload := "{}"
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}

	record := CommandRecord{
		ID:       "cmd-" + xid.New().String(),
		DeviceID: deviceID,
		Type:     string(req.Type),
		Payload:  payload,
	}
	if err := s.db.Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to enqueue command", s.logger)
		return
	}

	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Str("device_id", deviceID).Str("command_id", record.ID).Str("type", record.Type).Msg("Command enqueued")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": record.ID})
}

// handlePollCommands returns the device's undelivered commands and marks them
// delivered in the same transaction. The select-and-flip is atomic, so two
// concurrent polls never receive overlapping sets; once handed out a command
// is never returned again.
func (s *Server) handlePollCommands(c *gin.Context) {
	deviceID := c.Param("device_id")

	commands, err := s.fetchAndMarkDelivered(deviceID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "poll error", s.logger)
		return
	}
	s.touchLastSeen(deviceID)

	c.JSON(http.StatusOK, commands)
}

func (s *Server) fetchAndMarkDelivered(deviceID string) ([]protocol.Command, error) {
	out := []protocol.Command{}
	// Transactions open with the write lock held (_txlock=immediate), so two
	// concurrent polls serialize and never read the same undelivered rows.
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rows []CommandRecord
		if err := tx.
			Where("device_id = ? AND delivered = ?", deviceID, false).
			Order("created_at").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
			out = append(out, rows[i].toProtocol())
		}
		return tx.Model(&CommandRecord{}).Where("id IN ?", ids).Update("delivered", true).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
