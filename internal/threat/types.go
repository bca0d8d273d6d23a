// Package threat scores login attempts with independent, additive checks.
package threat

import (
	"time"

	"authrisk/internal/location"
)

// Kind identifies one threat check
type Kind string

const (
	BruteForce        Kind = "brute_force"
	SuspiciousIP      Kind = "suspicious_ip"
	UnusualPattern    Kind = "unusual_pattern"
	AccountTakeover   Kind = "account_takeover"
	GeographicAnomaly Kind = "geographic_anomaly"
	DeviceAnomaly     Kind = "device_anomaly"
	TimeAnomaly       Kind = "time_anomaly"
)

// Kinds is the canonical order used for threats and recommendations
var Kinds = []Kind{
	BruteForce,
	SuspiciousIP,
	UnusualPattern,
	AccountTakeover,
	GeographicAnomaly,
	DeviceAnomaly,
	TimeAnomaly,
}

// DefaultWeights are design constants, not learned values
var DefaultWeights = map[Kind]int{
	BruteForce:        30,
	SuspiciousIP:      25,
	UnusualPattern:    20,
	AccountTakeover:   40,
	GeographicAnomaly: 15,
	DeviceAnomaly:     10,
	TimeAnomaly:       5,
}

// Level buckets the composite score
type Level string

const (
	LevelNone     Level = "none"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// MaxScore is the upper bound of Assessment.RiskScore
const MaxScore = 100

// LevelFor maps a score in [0,100] to its level
func LevelFor(score int) Level {
	switch {
	case score >= 70:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	case score >= 10:
		return LevelLow
	default:
		return LevelNone
	}
}

// SeverityFor derives a security event severity from a check weight
func SeverityFor(weight int) string {
	switch {
	case weight >= 40:
		return "critical"
	case weight >= 25:
		return "high"
	case weight >= 15:
		return "medium"
	default:
		return "low"
	}
}

// Security event types written besides the per-finding events
const (
	EventPasswordChanged = "password_changed"
)

// Login attempt outcomes, stored as the record type
const (
	AttemptSuccess = "success"
	AttemptFailure = "failure"
)

// LoginEvent is the login being assessed. SubjectID may be empty for an
// unknown account, in which case Identifier keys the history.
type LoginEvent struct {
	SubjectID         string          `json:"subject_id"`
	Identifier        string          `json:"identifier,omitempty"`
	IP                string          `json:"ip"`
	UserAgent         string          `json:"user_agent,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	Location          *location.Point `json:"location,omitempty"`
	At                time.Time       `json:"at"`
}

// LoginAttempt is a completed login, recorded for later checks
type LoginAttempt struct {
	SubjectID         string          `json:"subject_id"`
	Identifier        string          `json:"identifier,omitempty"`
	IP                string          `json:"ip"`
	UserAgent         string          `json:"user_agent,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	Location          *location.Point `json:"location,omitempty"`
	Success           bool            `json:"success"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Finding is one fired check
type Finding struct {
	Kind     Kind   `json:"kind"`
	Weight   int    `json:"weight"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

// Assessment is the composite result for one login
type Assessment struct {
	SubjectID       string    `json:"subject_id"`
	IP              string    `json:"ip"`
	Threats         []Kind    `json:"threats"`
	RiskScore       int       `json:"risk_score"`
	RiskLevel       Level     `json:"risk_level"`
	Recommendations []string  `json:"recommendations"`
	Findings        []Finding `json:"findings"`
	AssessedAt      time.Time `json:"assessed_at"`
}

// Has reports whether kind fired
func (a *Assessment) Has(kind Kind) bool {
	for _, k := range a.Threats {
		if k == kind {
			return true
		}
	}
	return false
}

// recommendations per kind, emitted in Kinds order and deduplicated
var recommendations = map[Kind][]string{
	BruteForce: {
		"Temporarily lock the account",
		"Require CAPTCHA on the next attempt",
	},
	SuspiciousIP: {
		"Require multi-factor authentication",
		"Review the reputation of the source IP",
	},
	UnusualPattern: {
		"Require multi-factor authentication",
		"Notify the user about the unusual sign-in",
	},
	AccountTakeover: {
		"Force a password reset",
		"Revoke all active sessions",
		"Notify the user about the unusual sign-in",
	},
	GeographicAnomaly: {
		"Confirm the sign-in location with the user",
		"Require multi-factor authentication",
	},
	DeviceAnomaly: {
		"Verify the new device by email or SMS",
		"Offer to add the device to the trusted list",
	},
	TimeAnomaly: {
		"Require re-authentication",
	},
}

// Recommend returns the deduplicated recommendations for the fired kinds
func Recommend(fired []Kind) []string {
	set := make(map[Kind]bool, len(fired))
	for _, k := range fired {
		set[k] = true
	}
	seen := make(map[string]bool)
	out := []string{}
	for _, k := range Kinds {
		if !set[k] {
			continue
		}
		for _, r := range recommendations[k] {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}
