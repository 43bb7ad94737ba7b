package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/warden/pkg/protocol"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:        baseURL,
		Token:          "agent-token",
		RetryInitialMs: 1,
		RetryMaxMs:     2,
		RetryMax:       5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendEventRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(protocol.EventAck{Status: "ok", ID: "evt-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ack, err := c.SendEvent(context.Background(), &protocol.Event{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if ack.ID != "evt-1" {
		t.Errorf("ack.ID = %q", ack.ID)
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("server hit %d times, want 3", n)
	}
}

func TestSendEventDoesNotRetryRejection(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.SendEvent(context.Background(), &protocol.Event{DeviceID: "dev-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	var statusErr StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Errorf("err = %v, want StatusError 400", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.PollCommands(context.Background(), "dev-1"); err != nil {
		t.Fatalf("PollCommands: %v", err)
	}
	if got != "Bearer agent-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestPollCommandsDecodesBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/dev-1/commands" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]protocol.Command{
			{ID: "cmd-1", Type: protocol.CommandWarnUser},
			{ID: "cmd-2", Type: protocol.CommandDisableUSB, Payload: json.RawMessage(`{"reason":"policy"}`)},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	commands, err := c.PollCommands(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("PollCommands: %v", err)
	}
	if len(commands) != 2 || commands[0].ID != "cmd-1" || commands[1].Type != protocol.CommandDisableUSB {
		t.Errorf("commands = %+v", commands)
	}
}

func TestUploadThumbnailRepeatsBodyOnRetry(t *testing.T) {
	var hits int32
	var lastLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		atomic.StoreInt64(&lastLen, int64(len(body)))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.UploadThumbnail(context.Background(), "evt-1", strings.NewReader("thumb-bytes"), "shot.png")
	if err != nil {
		t.Fatalf("UploadThumbnail: %v", err)
	}
	// The retried request must carry the full multipart body again.
	if atomic.LoadInt64(&lastLen) == 0 {
		t.Error("retried request had an empty body")
	}
}

func TestDownloadArtifactWritesAtomically(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("artifact-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "updates", "update_2.0.0.bin")
	c := newTestClient(t, srv.URL)
	if err := c.DownloadArtifact(context.Background(), srv.URL+"/blob", dest); err != nil {
		t.Fatalf("DownloadArtifact: %v", err)
	}

	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(raw) != "artifact-bytes" {
		t.Errorf("artifact content = %q", raw)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(dest))
	if err != nil {
		t.Fatalf("listing dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("unexpected leftovers: %v", entries)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}
