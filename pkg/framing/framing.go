// Package framing implements the browser native-messaging wire format:
// a 4-byte little-endian length prefix followed by that many bytes of UTF-8
// JSON. Chrome and Firefox both speak this framing over the host process's
// standard input and output.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame. Chrome caps messages to the host at
// 4 GB but replies at 1 MB; 16 MB is comfortably past anything a content
// script sends while keeping a corrupt length prefix from allocating wildly.
const MaxMessageSize = 16 << 20

// ReadMessage reads one length-prefixed JSON message into v. Returns io.EOF
// cleanly when the stream is closed before a prefix arrives.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading %d-byte frame: %w", size, err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// WriteMessage writes v as one length-prefixed JSON message.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
