package api

import (
	"time"

	"authrisk/internal/location"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// RecordSampleRequest 记录行为样本
type RecordSampleRequest struct {
	Type      string                 `json:"type" binding:"required"`
	Fields    map[string]interface{} `json:"fields" binding:"required"`
	Timestamp time.Time              `json:"timestamp"`
}

// AnalyzeBehaviorRequest 行为分析请求，current: type -> field -> value
type AnalyzeBehaviorRequest struct {
	Current map[string]map[string]interface{} `json:"current" binding:"required"`
}

// LoginEventRequest describes a login about to be completed
type LoginEventRequest struct {
	SubjectID         string          `json:"subject_id"`
	Identifier        string          `json:"identifier"`
	IP                string          `json:"ip" binding:"required"`
	UserAgent         string          `json:"user_agent"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Location          *location.Point `json:"location"`
	At                time.Time       `json:"at"`
}

// LoginAttemptRequest records a completed login
type LoginAttemptRequest struct {
	LoginEventRequest
	Success bool `json:"success"`
}

// RateLimitCheckRequest consumes one attempt for subject and action
type RateLimitCheckRequest struct {
	Subject string `json:"subject" binding:"required"`
	Action  string `json:"action" binding:"required"`
	// MaxAttempts and WindowSeconds default to the configured limiter values.
	MaxAttempts   int `json:"max_attempts"`
	WindowSeconds int `json:"window_seconds"`
}

// RateLimitResetRequest clears a subject's counter for action
type RateLimitResetRequest struct {
	Subject string `json:"subject" binding:"required"`
	Action  string `json:"action" binding:"required"`
}

// PasswordChangeRequest records a password change
type PasswordChangeRequest struct {
	IP string `json:"ip"`
}

// TrustDeviceRequest marks a fingerprint as trusted for a subject
type TrustDeviceRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
	Label       string `json:"label"`
	IP          string `json:"ip"`
}

// ThresholdsRequest replaces the decision thresholds
type ThresholdsRequest struct {
	ChallengeThreshold float64 `json:"challenge_threshold"`
	BlockThreshold     float64 `json:"block_threshold"`
	AlertThreshold     float64 `json:"alert_threshold"`
}
