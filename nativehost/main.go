// Command nativehost bridges a browser extension into the agent. The browser
// launches it as a native-messaging host: messages arrive on stdin as 4-byte
// little-endian length-prefixed JSON, get forwarded to the agent's loopback
// listener, and a framed status reply goes back on stdout.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/framing"
	"github.com/haasonsaas/warden/pkg/protocol"
)

var (
	endpoint = flag.String("endpoint", defaultEndpoint(), "Agent local event endpoint")
	Version  = "dev"
)

func defaultEndpoint() string {
	if ep := os.Getenv("WARDEN_AGENT_ENDPOINT"); ep != "" {
		return ep
	}
	return "http://127.0.0.1:7010/native/events"
}

func main() {
	flag.Parse()

	// stdout carries frames for the browser; logs go to stderr only.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	log.Info().Str("version", Version).Str("endpoint", *endpoint).Msg("Native host started")

	client := &http.Client{Timeout: 2 * time.Second}
	run(os.Stdin, os.Stdout, client, *endpoint)
}

func run(in io.Reader, out io.Writer, client *http.Client, endpoint string) {
	for {
		var raw json.RawMessage
		if err := framing.ReadMessage(in, &raw); err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Msg("Browser closed the channel")
				return
			}
			log.Error().Err(err).Msg("Dropping unreadable frame")
			return
		}

		status := "ok"
		if err := forward(client, endpoint, raw); err != nil {
			log.Warn().Err(err).Msg("Forward to agent failed")
			status = "failed"
		}
		if err := framing.WriteMessage(out, protocol.NativeReply{Status: status}); err != nil {
			log.Error().Err(err).Msg("Reply write failed")
			return
		}
	}
}

func forward(client *http.Client, endpoint string, payload json.RawMessage) error {
	msg := protocol.NativeMessage{EventType: "browser_upload_attempt", Payload: payload}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return nil
}
