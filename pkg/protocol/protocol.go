// Package protocol defines the wire types shared by the agent, the collector
// server, and the operator CLI. The command vocabulary is a closed set: adding
// a new command type means adding it here, in one reviewable place.
package protocol

import (
	"encoding/json"
	"time"
)

// CommandType identifies an action the agent may be asked to perform.
type CommandType string

const (
	CommandWarnUser       CommandType = "WARN_USER"
	CommandQuarantineFile CommandType = "QUARANTINE_FILE"
	CommandDisableUSB     CommandType = "DISABLE_USB"
	CommandDisableUpload  CommandType = "DISABLE_UPLOAD"
	CommandBlockTransfer  CommandType = "BLOCK_TRANSFER"
)

var knownCommands = map[CommandType]struct{}{
	CommandWarnUser:       {},
	CommandQuarantineFile: {},
	CommandDisableUSB:     {},
	CommandDisableUpload:  {},
	CommandBlockTransfer:  {},
}

// Known reports whether the command type belongs to the allow-list. Unknown
// types decode fine at the wire layer; they are rejected at dispatch so a
// forged or future command is inert rather than a parse failure.
func (t CommandType) Known() bool {
	_, ok := knownCommands[t]
	return ok
}

// KnownCommandTypes returns the allow-list for display and validation.
func KnownCommandTypes() []CommandType {
	return []CommandType{
		CommandWarnUser,
		CommandQuarantineFile,
		CommandDisableUSB,
		CommandDisableUpload,
		CommandBlockTransfer,
	}
}

// Command is a queued instruction delivered to an agent via polling.
type Command struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandCreate is the admin request to enqueue a command for a device.
type CommandCreate struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is an agent-observed occurrence submitted to the collector. Payload
// content is produced by the monitoring layer and treated as opaque here.
type Event struct {
	EventID   string          `json:"event_id,omitempty"`
	DeviceID  string          `json:"device_id"`
	EventType string          `json:"event_type,omitempty"`
	UserEmail string          `json:"user_email,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventAck is the collector's response to an event submission.
type EventAck struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// RegisterRequest creates (or overwrites) a device record.
type RegisterRequest struct {
	EmployeeEmail string            `json:"employee_email"`
	DeviceID      string            `json:"device_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse returns the assigned device ID.
type RegisterResponse struct {
	DeviceID string `json:"device_id"`
}

// OTPRequest asks the backend to generate and email an activation code.
type OTPRequest struct {
	Email    string `json:"email"`
	DeviceID string `json:"device_id"`
}

// OTPRequestResponse reports whether the out-of-band dispatch succeeded. The
// OTP record persists server-side regardless.
type OTPRequestResponse struct {
	Sent bool `json:"sent"`
}

// OTPVerifyRequest submits an activation code for a device.
type OTPVerifyRequest struct {
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
}

// OTPVerifyResponse reports the verification outcome.
type OTPVerifyResponse struct {
	OK bool `json:"ok"`
}

// BoundInfo is the hardware fingerprint recorded by a bind call.
type BoundInfo struct {
	MAC    string `json:"mac,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// Device is the backend's view of a device record, as served to admins.
type Device struct {
	DeviceID       string            `json:"device_id"`
	OwnerEmail     string            `json:"owner_email"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Bound          bool              `json:"bound"`
	BoundInfo      *BoundInfo        `json:"bound_info,omitempty"`
	Activated      bool              `json:"activated"`
	ActivationTime *time.Time        `json:"activation_time,omitempty"`
	LastSeen       *time.Time        `json:"last_seen,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Manifest is the update channel document served to agents.
type Manifest struct {
	LatestVersion string             `json:"latest_version"`
	Channels      map[string]Channel `json:"channels"`
}

// Channel carries the artifact location for one release channel.
type Channel struct {
	URL string `json:"url"`
}

// StableURL returns the stable channel artifact URL, or "" when absent.
func (m Manifest) StableURL() string {
	return m.Channels["stable"].URL
}

// NativeMessage is the envelope the native-messaging bridge forwards to the
// agent's local listener.
type NativeMessage struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// NativeReply is the framed response returned to the browser extension.
type NativeReply struct {
	Status string `json:"status"`
}
