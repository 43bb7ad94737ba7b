package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/credstore"
	"github.com/haasonsaas/warden/pkg/protocol"
	"github.com/haasonsaas/warden/pkg/transport"
)

func TestVersionDiffers(t *testing.T) {
	cases := []struct {
		latest, local string
		want          bool
		wantErr       bool
	}{
		{"2.0.0", "1.0.0", true, false},
		{"1.0.0", "1.0.0", false, false},
		{"v1.2.3", "1.2.3", false, false},
		{"1.0.0", "2.0.0", true, false},
		{"2.0.0", "garbage", true, false},
		{"garbage", "1.0.0", false, true},
		{"", "1.0.0", false, true},
	}
	for _, tc := range cases {
		got, err := versionDiffers(tc.latest, tc.local)
		if tc.wantErr {
			if err == nil {
				t.Errorf("versionDiffers(%q, %q): expected error", tc.latest, tc.local)
			}
			continue
		}
		if err != nil {
			t.Errorf("versionDiffers(%q, %q): %v", tc.latest, tc.local, err)
			continue
		}
		if got != tc.want {
			t.Errorf("versionDiffers(%q, %q) = %v, want %v", tc.latest, tc.local, got, tc.want)
		}
	}
}

func newSyncAgent(t *testing.T, serverURL string) *Agent {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.URL = serverURL
	cfg.Server.RetryInitialMs = 1
	cfg.Server.RetryMaxMs = 2
	cfg.State.PolicyCache = filepath.Join(dir, "policy_cache.json")
	cfg.State.UpdateDir = filepath.Join(dir, "updates")

	store := credstore.New(
		filepath.Join(dir, "agent_config.enc"),
		filepath.Join(dir, "agent.key"),
		"",
	)
	state := &credstore.Config{DeviceID: "dev-1", AgentVersion: "1.0.0", Activated: true}
	if err := store.Save(state); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	client, err := transport.New(transport.Options{
		BaseURL:        serverURL,
		RetryInitialMs: 1,
		RetryMaxMs:     2,
	})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}

	return &Agent{cfg: cfg, store: store, client: client, state: state}
}

func TestSyncPolicyOnceWritesCache(t *testing.T) {
	policy := map[string]any{"blocked_extensions": []string{".exe"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/policy" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(policy)
	}))
	defer srv.Close()

	a := newSyncAgent(t, srv.URL)
	if err := a.syncPolicyOnce(context.Background()); err != nil {
		t.Fatalf("syncPolicyOnce: %v", err)
	}

	raw, err := os.ReadFile(a.cfg.State.PolicyCache)
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	var cached map[string]any
	if err := json.Unmarshal(raw, &cached); err != nil {
		t.Fatalf("cache not JSON: %v", err)
	}
	if _, ok := cached["blocked_extensions"]; !ok {
		t.Errorf("cache content = %v", cached)
	}
}

func TestSyncUpdateOnceStagesNewVersion(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/update/manifest/"):
			json.NewEncoder(w).Encode(protocol.Manifest{
				LatestVersion: "2.0.0",
				Channels:      map[string]protocol.Channel{"stable": {URL: srvURL + "/artifacts/agent-2.0.0.bin"}},
			})
		case strings.HasPrefix(r.URL.Path, "/artifacts/"):
			w.Write([]byte("new agent build"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	a := newSyncAgent(t, srv.URL)
	if err := a.syncUpdateOnce(context.Background()); err != nil {
		t.Fatalf("syncUpdateOnce: %v", err)
	}

	dest := filepath.Join(a.cfg.State.UpdateDir, "update_2.0.0.bin")
	raw, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("artifact not staged: %v", err)
	}
	if string(raw) != "new agent build" {
		t.Errorf("artifact content = %q", raw)
	}

	// The pending update survives in the durable store.
	persisted, err := a.store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted.PendingUpdate == nil || persisted.PendingUpdate.Version != "2.0.0" || persisted.PendingUpdate.Path != dest {
		t.Errorf("PendingUpdate = %+v", persisted.PendingUpdate)
	}
	if a.state.PendingUpdate == nil || a.state.PendingUpdate.Version != "2.0.0" {
		t.Errorf("in-memory state not mirrored: %+v", a.state.PendingUpdate)
	}
}

func TestSyncUpdateOnceSkipsEqualVersion(t *testing.T) {
	artifactHit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/artifacts/") {
			artifactHit = true
		}
		json.NewEncoder(w).Encode(protocol.Manifest{
			LatestVersion: "1.0.0",
			Channels:      map[string]protocol.Channel{"stable": {URL: "/artifacts/agent.bin"}},
		})
	}))
	defer srv.Close()

	a := newSyncAgent(t, srv.URL)
	if err := a.syncUpdateOnce(context.Background()); err != nil {
		t.Fatalf("syncUpdateOnce: %v", err)
	}
	if artifactHit {
		t.Error("artifact downloaded for an equal version")
	}
	if a.state.PendingUpdate != nil {
		t.Errorf("PendingUpdate = %+v", a.state.PendingUpdate)
	}
}

func TestSyncUpdateOnceSkipsBadManifestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.Manifest{LatestVersion: "not-a-version"})
	}))
	defer srv.Close()

	a := newSyncAgent(t, srv.URL)
	// Unusable manifest is logged and skipped, not an error for the loop.
	if err := a.syncUpdateOnce(context.Background()); err != nil {
		t.Fatalf("syncUpdateOnce: %v", err)
	}
	if a.state.PendingUpdate != nil {
		t.Errorf("PendingUpdate = %+v", a.state.PendingUpdate)
	}
}
