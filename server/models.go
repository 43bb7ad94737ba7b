package main

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// Device is the durable registration/activation/binding state for one agent.
// Records are created by registration, mutated only by activation and binding,
// and never deleted in-band.
type Device struct {
	DeviceID       string `gorm:"primaryKey"`
	OwnerEmail     string `gorm:"index"`
	Metadata       string `gorm:"type:text"` // JSON object
	Bound          bool
	BoundMAC       string
	BoundSerial    string
	Activated      bool
	ActivationTime *time.Time
	LastSeen       *time.Time
	CreatedAt      time.Time
}

func (d *Device) toProtocol() protocol.Device {
	out := protocol.Device{
		DeviceID:       d.DeviceID,
		OwnerEmail:     d.OwnerEmail,
		Bound:          d.Bound,
		Activated:      d.Activated,
		ActivationTime: d.ActivationTime,
		LastSeen:       d.LastSeen,
		CreatedAt:      d.CreatedAt,
	}
	if d.Metadata != "" {
		var meta map[string]string
		if err := json.Unmarshal([]byte(d.Metadata), &meta); err == nil {
			out.Metadata = meta
		}
	}
	if d.Bound {
		out.BoundInfo = &protocol.BoundInfo{MAC: d.BoundMAC, Serial: d.BoundSerial}
	}
	return out
}

// OTPRecord is the single live activation code for a device. A new request
// overwrites any prior record; verification consumes it on success or expiry.
type OTPRecord struct {
	DeviceID  string `gorm:"primaryKey"`
	Email     string
	Code      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CommandRecord is one queue entry awaiting delivery to a device. The
// delivered flag only ever moves false to true.
type CommandRecord struct {
	ID        string `gorm:"primaryKey"`
	DeviceID  string `gorm:"index"`
	Type      string
	Payload   string `gorm:"type:text"` // JSON
	Delivered bool   `gorm:"index"`
	CreatedAt time.Time
}

func (c *CommandRecord) toProtocol() protocol.Command {
	cmd := protocol.Command{
		ID:   c.ID,
		Type: protocol.CommandType(c.Type),
	}
	if c.Payload != "" {
		cmd.Payload = json.RawMessage(c.Payload)
	}
	return cmd
}

// EventRecord indexes one submitted event. The raw payload lives on disk at
// StoredPath; ThumbnailPath is attached later by a separate call.
type EventRecord struct {
	ID            string `gorm:"primaryKey"`
	DeviceID      string `gorm:"index"`
	EventType     string `gorm:"index"`
	Payload       string `gorm:"type:text"` // JSON
	StoredPath    string
	ThumbnailPath string
	CreatedAt     time.Time
}
