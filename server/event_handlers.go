package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// handleReceiveEvent persists a submitted event: raw payload to disk first,
// then the index record. A storage failure fails the whole submission so no
// record ever points at a blob that was never written. Resubmitting the same
// event_id overwrites both blob and record.
func (s *Server) handleReceiveEvent(c *gin.Context) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	eventID, _ := payload["event_id"].(string)
	if eventID == "" {
		eventID = "evt-" + xid.New().String()
		payload["event_id"] = eventID
	}
	deviceID, _ := payload["device_id"].(string)
	eventType, _ := payload["event_type"].(string)

	raw, err := json.Marshal(payload)
	if err != nil {
		respondError(c, http.StatusBadRequest, "unencodable payload", s.logger)
		return
	}

	storedPath := filepath.Join(s.storageDir, eventID+".json")
	if err := os.WriteFile(storedPath, raw, 0o644); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store payload", s.logger)
		return
	}

	record := EventRecord{
		ID:         eventID,
		DeviceID:   deviceID,
		EventType:  eventType,
		Payload:    string(raw),
		StoredPath: storedPath,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_id", "event_type", "payload", "stored_path"}),
	}).Create(&record).Error; err != nil {
		os.Remove(storedPath)
		respondError(c, http.StatusInternalServerError, "failed to record event", s.logger)
		return
	}

	s.alertAdmins(eventType, deviceID, raw)

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": eventID})
}

// handleReceiveThumbnail attaches an out-of-band thumbnail to an existing
// event. Unknown event IDs are a clean 404; nothing else on the record moves.
func (s *Server) handleReceiveThumbnail(c *gin.Context) {
	eventID := c.Param("event_id")

	var record EventRecord
	if err := s.db.Where("id = ?", eventID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "event not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "event lookup failed", s.logger)
		return
	}

	file, err := c.FormFile("thumbnail")
	if err != nil {
		respondError(c, http.StatusBadRequest, "thumbnail file required", s.logger)
		return
	}

	ext := filepath.Ext(file.Filename)
	if ext == "" {
		ext = ".png"
	}
	outPath := filepath.Join(s.storageDir, fmt.Sprintf("%s_thumb%s", eventID, ext))
	if err := c.SaveUploadedFile(file, outPath); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store thumbnail", s.logger)
		return
	}

	if err := s.db.Model(&EventRecord{}).Where("id = ?", eventID).Update("thumbnail_path", outPath).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to attach thumbnail", s.logger)
		return
	}

	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Str("event_id", eventID).Msg("Thumbnail attached")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": eventID})
}
