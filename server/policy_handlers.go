package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

var defaultPolicy = map[string]any{
	"allowed_extensions": []string{".txt", ".pdf"},
	"blocked_extensions": []string{".exe"},
	"sensitive_patterns": []string{"CONFIDENTIAL"},
}

var defaultManifest = map[string]any{
	"latest_version": "1.0.0",
	"channels":       map[string]any{"stable": map[string]any{"url": ""}},
}

// ensureDefaultPolicyFiles seeds the policy and manifest files on first run
// so agents always have something to fetch.
func (s *Server) ensureDefaultPolicyFiles() {
	seedJSONFile(s.policyPath, defaultPolicy, s)
	seedJSONFile(s.manifestPath, defaultManifest, s)
}

func seedJSONFile(path string, doc map[string]any, s *Server) {
	if _, err := os.Stat(path); err == nil {
		return
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to encode default document")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to create document directory")
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to seed default document")
	}
}

// handleGetPolicy serves the current policy document verbatim. Agents cache
// it wholesale; no per-agent shaping happens here.
func (s *Server) handleGetPolicy(c *gin.Context) {
	s.serveJSONFile(c, s.policyPath)
}

// handleGetManifest serves the update manifest. The device ID is accepted for
// future per-device channels but the document is currently global.
func (s *Server) handleGetManifest(c *gin.Context) {
	s.serveJSONFile(c, s.manifestPath)
}

func (s *Server) serveJSONFile(c *gin.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "document unavailable", s.logger)
		return
	}
	var doc json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		respondError(c, http.StatusInternalServerError, "document corrupt", s.logger)
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// handleUpdatePolicy replaces the policy document wholesale (admin only).
func (s *Server) handleUpdatePolicy(c *gin.Context) {
	var doc map[string]any
	if err := c.ShouldBindJSON(&doc); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		respondError(c, http.StatusBadRequest, "unencodable policy", s.logger)
		return
	}
	if err := os.WriteFile(s.policyPath, raw, 0o644); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to write policy", s.logger)
		return
	}
	reqLog := requestLogger(c, s.logger)
	reqLog.Info().Msg("Policy updated")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
