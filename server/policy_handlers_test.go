package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPolicyServesSeededDefaults(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/policy", nil)
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
	require.Contains(t, doc, "allowed_extensions")
	require.Contains(t, doc, "blocked_extensions")
}

func TestGetManifestServesSeededDefaults(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/update/manifest/dev-1", nil)
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
	require.Equal(t, "1.0.0", doc["latest_version"])
}

func TestUpdatePolicyReplacesDocument(t *testing.T) {
	env := newTestEnv(t)

	next := map[string]any{
		"allowed_extensions": []string{".md"},
		"blocked_extensions": []string{".exe", ".dll"},
	}
	raw, err := json.Marshal(next)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/admin/policy", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.server.adminToken)
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/policy", nil)
	resp = httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
	require.NotContains(t, doc, "sensitive_patterns")
	require.ElementsMatch(t, []any{".exe", ".dll"}, doc["blocked_extensions"])
}

func TestUpdatePolicyRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPut, "/admin/policy", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
	require.Equal(t, "healthy", doc["status"])
}
