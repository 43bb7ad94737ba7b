package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haasonsaas/warden/pkg/protocol"
)

const (
	otpLength = 6
	otpTTL    = 5 * time.Minute
)

func (s *Server) handleRequestOTP(c *gin.Context) {
	var req protocol.OTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Email == "" || req.DeviceID == "" {
		respondError(c, http.StatusBadRequest, "missing fields", s.logger)
		return
	}

	code, err := generateOTP(otpLength)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate code", s.logger)
		return
	}

	record := OTPRecord{
		DeviceID:  req.DeviceID,
		Email:     req.Email,
		Code:      code,
		ExpiresAt: time.Now().UTC().Add(otpTTL),
		CreatedAt: time.Now().UTC(),
	}
	// One live OTP per device: a new request replaces any prior record.
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist code", s.logger)
		return
	}

	// Dispatch is out-of-band; the record persists whether or not the email
	// goes through, and the caller learns only sent true/false.
	sent := true
	body := fmt.Sprintf("Your Warden activation code is: %s\nValid for a few minutes.", code)
	if err := s.mailer.Send([]string{req.Email}, "Warden activation code", body); err != nil {
		reqLog := requestLogger(c, s.logger)
		reqLog.Warn().Err(err).Str("device_id", req.DeviceID).Msg("OTP dispatch failed")
		sent = false
	}

	c.JSON(http.StatusOK, protocol.OTPRequestResponse{Sent: sent})
}

func (s *Server) handleVerifyOTP(c *gin.Context) {
	var req protocol.OTPVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.DeviceID == "" || req.Code == "" {
		respondError(c, http.StatusBadRequest, "missing fields", s.logger)
		return
	}

	ok, err := s.verifyOTP(req.DeviceID, req.Code)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "verification failed", s.logger)
		return
	}
	if ok {
		reqLog := requestLogger(c, s.logger)
		reqLog.Info().Str("device_id", req.DeviceID).Msg("Device activated")
	}
	c.JSON(http.StatusOK, protocol.OTPVerifyResponse{OK: ok})
}

// verifyOTP applies the consumption rules in one transaction: a missing
// record rejects; an expired record is deleted and rejects; an exact match
// is deleted and activates the device. A wrong-but-live code leaves the
// record intact for retry.
func (s *Server) verifyOTP(deviceID, code string) (bool, error) {
	var ok bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var record OTPRecord
		if err := tx.
			Where("device_id = ?", deviceID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if time.Now().UTC().After(record.ExpiresAt) {
			return tx.Delete(&OTPRecord{}, "device_id = ?", deviceID).Error
		}

		if record.Code != code {
			return nil
		}

		if err := tx.Delete(&OTPRecord{}, "device_id = ?", deviceID).Error; err != nil {
			return err
		}
		if err := s.activateDevice(tx, deviceID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

func generateOTP(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
