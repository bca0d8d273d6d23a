package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Alert represents an alert
type Alert struct {
	ID         string                 `json:"id"`
	Level      AlertLevel             `json:"level"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Source     string                 `json:"source"`
	Recipient  string                 `json:"recipient"`
	Timestamp  time.Time              `json:"timestamp"`
	Channels   []string               `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RetryCount int                    `json:"-"`
}

// AlertLevel represents alert level
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelError    AlertLevel = "error"
	AlertLevelCritical AlertLevel = "critical"
)

// RecipientAdmins addresses the administrator audience
const RecipientAdmins = "admins"

// LevelForSeverity maps a security severity to an alert level
func LevelForSeverity(severity string) AlertLevel {
	switch strings.ToLower(severity) {
	case "critical":
		return AlertLevelCritical
	case "high":
		return AlertLevelError
	case "medium":
		return AlertLevelWarning
	default:
		return AlertLevelInfo
	}
}

// AlertChannel represents an alert channel
type AlertChannel interface {
	Send(ctx context.Context, alert *Alert) error
	GetName() string
	IsEnabled() bool
}

// WebhookChannel posts alerts as JSON to an HTTP endpoint
type WebhookChannel struct {
	config *WebhookConfig
	client *http.Client
}

// WebhookConfig represents webhook configuration
type WebhookConfig struct {
	Enabled bool
	URL     string
	// Secret signs the body; receivers verify X-Authrisk-Signature.
	Secret  string
	Timeout time.Duration
}

// NewWebhookChannel creates a new webhook alert channel
func NewWebhookChannel(config *WebhookConfig) *WebhookChannel {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookChannel{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Send sends an alert via webhook
func (wc *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	if !wc.config.Enabled {
		return fmt.Errorf("webhook channel is disabled")
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.config.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if wc.config.Secret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Authrisk-Timestamp", timestamp)
		req.Header.Set("X-Authrisk-Signature", Sign(wc.config.Secret, timestamp, body))
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body"
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// GetName returns the channel name
func (wc *WebhookChannel) GetName() string {
	return "webhook"
}

// IsEnabled returns whether the channel is enabled
func (wc *WebhookChannel) IsEnabled() bool {
	return wc.config.Enabled && wc.config.URL != ""
}

// SlackChannel represents Slack alert channel
type SlackChannel struct {
	config *SlackConfig
	client *http.Client
}

// SlackConfig represents Slack configuration
type SlackConfig struct {
	Enabled    bool
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Timeout    time.Duration
}

// NewSlackChannel creates a new Slack alert channel
func NewSlackChannel(config *SlackConfig) *SlackChannel {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &SlackChannel{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Send sends an alert via Slack
func (slc *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	if !slc.config.Enabled {
		return fmt.Errorf("slack channel is disabled")
	}

	jsonData, err := json.Marshal(slc.buildSlackMessage(alert))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, slc.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := slc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}
	return nil
}

// GetName returns the channel name
func (slc *SlackChannel) GetName() string {
	return "slack"
}

// IsEnabled returns whether the channel is enabled
func (slc *SlackChannel) IsEnabled() bool {
	return slc.config.Enabled && slc.config.WebhookURL != ""
}

// buildSlackMessage builds the Slack message
func (slc *SlackChannel) buildSlackMessage(alert *Alert) map[string]interface{} {
	color := "#36a64f"
	switch alert.Level {
	case AlertLevelWarning:
		color = "#ff9500"
	case AlertLevelCritical, AlertLevelError:
		color = "#ff0000"
	}

	return map[string]interface{}{
		"channel":    slc.config.Channel,
		"username":   slc.config.Username,
		"icon_emoji": slc.config.IconEmoji,
		"attachments": []map[string]interface{}{
			{
				"color": color,
				"title": alert.Title,
				"text":  alert.Message,
				"fields": []map[string]interface{}{
					{"title": "Level", "value": strings.ToUpper(string(alert.Level)), "short": true},
					{"title": "Recipient", "value": alert.Recipient, "short": true},
					{"title": "Source", "value": alert.Source, "short": true},
					{"title": "Time", "value": alert.Timestamp.Format(time.RFC3339), "short": false},
				},
			},
		},
	}
}
