package main

import (
	"encoding/json"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Mailer delivers out-of-band notifications: OTP codes and admin alerts.
// Delivery failure is reported to the caller but never blocks the operation
// that triggered it.
type Mailer interface {
	Send(to []string, subject, body string) error
}

type smtpMailer struct {
	host     string
	port     string
	user     string
	password string
	sender   string
}

func mailerFromEnv(logger zerolog.Logger) Mailer {
	host := os.Getenv("WARDEN_SMTP_HOST")
	if host == "" {
		logger.Warn().Msg("WARDEN_SMTP_HOST not set; OTP and alert email disabled")
		return noopMailer{logger: logger}
	}
	sender := os.Getenv("WARDEN_SMTP_SENDER")
	if sender == "" {
		sender = os.Getenv("WARDEN_SMTP_USER")
	}
	return &smtpMailer{
		host:     host,
		port:     envOr("WARDEN_SMTP_PORT", "587"),
		user:     os.Getenv("WARDEN_SMTP_USER"),
		password: os.Getenv("WARDEN_SMTP_PASS"),
		sender:   sender,
	}
}

func (m *smtpMailer) Send(to []string, subject, body string) error {
	if len(to) == 0 {
		return nil
	}
	msg := strings.Join([]string{
		"From: " + m.sender,
		"To: " + strings.Join(to, ", "),
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	addr := m.host + ":" + m.port
	auth := smtp.PlainAuth("", m.user, m.password, m.host)
	if err := smtp.SendMail(addr, auth, m.sender, to, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}
	return nil
}

// noopMailer stands in when SMTP is unconfigured (local development); sends
// are logged and reported as failures so callers surface sent:false honestly.
type noopMailer struct {
	logger zerolog.Logger
}

func (m noopMailer) Send(to []string, subject, _ string) error {
	m.logger.Info().Strs("to", to).Str("subject", subject).Msg("Mail suppressed (no SMTP configured)")
	return fmt.Errorf("smtp not configured")
}

// AlertConfig maps event types to alert rules and recipients.
type AlertConfig struct {
	GlobalAdmins    []string            `json:"global_admins"`
	PerDeviceAdmins map[string][]string `json:"per_device_admins"`
	AlertRules      map[string]bool     `json:"alert_rules"`
}

func loadAlertConfig(path string, logger zerolog.Logger) *AlertConfig {
	cfg := &AlertConfig{
		PerDeviceAdmins: map[string][]string{},
		AlertRules:      map[string]bool{},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Alert config unreadable")
		}
		return cfg
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Alert config corrupt, alerting disabled")
		return &AlertConfig{PerDeviceAdmins: map[string][]string{}, AlertRules: map[string]bool{}}
	}
	return cfg
}

// recipients returns the deduplicated union of global and per-device admins.
func (a *AlertConfig) recipients(deviceID string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, addr := range a.GlobalAdmins {
		if _, dup := seen[addr]; !dup {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	for _, addr := range a.PerDeviceAdmins[deviceID] {
		if _, dup := seen[addr]; !dup {
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// alertAdmins emails configured recipients about a noteworthy event. Failures
// are logged only; ingestion never fails because alerting did.
func (s *Server) alertAdmins(eventType, deviceID string, raw []byte) {
	if eventType == "" || !s.alerts.AlertRules[eventType] {
		return
	}
	recipients := s.alerts.recipients(deviceID)
	if len(recipients) == 0 {
		return
	}
	subject := fmt.Sprintf("[ALERT] %s on %s", eventType, deviceID)
	if err := s.mailer.Send(recipients, subject, string(raw)); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Str("device_id", deviceID).Msg("Alert dispatch failed")
	}
}
