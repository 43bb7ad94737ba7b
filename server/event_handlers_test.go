package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func submitEvent(t *testing.T, env testEnv, payload map[string]any) string {
	t.Helper()
	resp := postJSON(t, env, "/api/v1/events", payload)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Status string `json:"status"`
		ID     string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.NotEmpty(t, body.ID)
	return body.ID
}

func TestReceiveEventAssignsID(t *testing.T) {
	env := newTestEnv(t)

	id := submitEvent(t, env, map[string]any{
		"device_id":  "dev-1",
		"event_type": "usb_insert",
	})
	require.Regexp(t, `^evt-`, id)

	var record EventRecord
	require.NoError(t, env.server.db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, "dev-1", record.DeviceID)
	require.Equal(t, "usb_insert", record.EventType)

	// The stored blob carries the assigned ID back-filled into the payload.
	raw, err := os.ReadFile(record.StoredPath)
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, id, stored["event_id"])
}

func TestReceiveEventKeepsClientID(t *testing.T) {
	env := newTestEnv(t)

	id := submitEvent(t, env, map[string]any{
		"event_id":   "evt-client-1",
		"device_id":  "dev-1",
		"event_type": "clipboard_copy",
	})
	require.Equal(t, "evt-client-1", id)
}

func TestReceiveEventDuplicateIDOverwrites(t *testing.T) {
	env := newTestEnv(t)

	submitEvent(t, env, map[string]any{
		"event_id":   "evt-dup",
		"device_id":  "dev-1",
		"event_type": "usb_insert",
	})
	submitEvent(t, env, map[string]any{
		"event_id":   "evt-dup",
		"device_id":  "dev-1",
		"event_type": "usb_copy",
	})

	var count int64
	require.NoError(t, env.server.db.Model(&EventRecord{}).Where("id = ?", "evt-dup").Count(&count).Error)
	require.EqualValues(t, 1, count)

	var record EventRecord
	require.NoError(t, env.server.db.Where("id = ?", "evt-dup").First(&record).Error)
	require.Equal(t, "usb_copy", record.EventType)

	raw, err := os.ReadFile(record.StoredPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), "usb_copy")
}

func TestReceiveEventTriggersAlert(t *testing.T) {
	env := newTestEnv(t)
	env.server.alerts.GlobalAdmins = []string{"sec@b.com"}
	env.server.alerts.AlertRules = map[string]bool{"usb_copy": true}

	submitEvent(t, env, map[string]any{
		"device_id":  "dev-1",
		"event_type": "usb_copy",
	})
	require.Len(t, env.mailer.sent, 1)
	require.Equal(t, []string{"sec@b.com"}, env.mailer.sent[0].To)

	// Event types without a rule stay quiet.
	submitEvent(t, env, map[string]any{
		"device_id":  "dev-1",
		"event_type": "clipboard_copy",
	})
	require.Len(t, env.mailer.sent, 1)
}

func thumbnailRequest(t *testing.T, eventID, filename string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("thumbnail", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG fake image bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/"+eventID+"/thumbnail", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestReceiveThumbnailAttaches(t *testing.T) {
	env := newTestEnv(t)
	id := submitEvent(t, env, map[string]any{
		"device_id":  "dev-1",
		"event_type": "screenshot",
	})

	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, thumbnailRequest(t, id, "shot.png"))
	require.Equal(t, http.StatusOK, resp.Code)

	var record EventRecord
	require.NoError(t, env.server.db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, filepath.Join(env.server.storageDir, id+"_thumb.png"), record.ThumbnailPath)

	_, err := os.Stat(record.ThumbnailPath)
	require.NoError(t, err)
}

func TestReceiveThumbnailUnknownEvent(t *testing.T) {
	env := newTestEnv(t)

	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, thumbnailRequest(t, "evt-missing", "shot.png"))
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReceiveThumbnailDefaultsExtension(t *testing.T) {
	env := newTestEnv(t)
	id := submitEvent(t, env, map[string]any{
		"device_id":  "dev-1",
		"event_type": "screenshot",
	})

	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, thumbnailRequest(t, id, "blob"))
	require.Equal(t, http.StatusOK, resp.Code)

	var record EventRecord
	require.NoError(t, env.server.db.Where("id = ?", id).First(&record).Error)
	require.Equal(t, ".png", filepath.Ext(record.ThumbnailPath))
}
