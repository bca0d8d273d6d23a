package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelForSeverity(t *testing.T) {
	assert.Equal(t, AlertLevelCritical, LevelForSeverity("critical"))
	assert.Equal(t, AlertLevelError, LevelForSeverity("HIGH"))
	assert.Equal(t, AlertLevelWarning, LevelForSeverity("medium"))
	assert.Equal(t, AlertLevelInfo, LevelForSeverity("low"))
	assert.Equal(t, AlertLevelInfo, LevelForSeverity(""))
}

func TestWebhookChannelSignsBody(t *testing.T) {
	var (
		body      []byte
		signature string
		timestamp string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Authrisk-Signature")
		timestamp = r.Header.Get("X-Authrisk-Timestamp")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wc := NewWebhookChannel(&WebhookConfig{Enabled: true, URL: srv.URL, Secret: "s3cret"})
	alert := &Alert{ID: "a1", Level: AlertLevelCritical, Title: "Account takeover", Recipient: "u1", Timestamp: time.Now()}
	require.NoError(t, wc.Send(context.Background(), alert))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "Account takeover", decoded["title"])
	assert.Equal(t, "u1", decoded["recipient"])
	assert.Equal(t, Sign("s3cret", timestamp, body), signature)
	assert.NotEqual(t, Sign("other", timestamp, body), signature)
}

func TestWebhookChannelErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wc := NewWebhookChannel(&WebhookConfig{Enabled: true, URL: srv.URL})
	assert.Error(t, wc.Send(context.Background(), &Alert{}))

	off := NewWebhookChannel(&WebhookConfig{URL: srv.URL})
	assert.False(t, off.IsEnabled())
	assert.Error(t, off.Send(context.Background(), &Alert{}))
}

func TestSlackChannel(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sc := NewSlackChannel(&SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#security", Username: "authrisk"})
	require.NoError(t, sc.Send(context.Background(), &Alert{Level: AlertLevelError, Title: "Brute force", Timestamp: time.Now()}))

	assert.Equal(t, "#security", payload["channel"])
	attachments := payload["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]interface{})
	assert.Equal(t, "#ff0000", first["color"])
	assert.Equal(t, "Brute force", first["title"])
}
