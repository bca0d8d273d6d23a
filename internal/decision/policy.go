// Package decision turns risk scores into allow/challenge/block outcomes,
// writes the audit trail and raises alerts for high-risk events.
package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"authrisk/internal/behavior"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
	"authrisk/internal/store"
	"authrisk/internal/threat"
)

// Outcome 决策结果
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeChallenge Outcome = "challenge"
	OutcomeBlock     Outcome = "block"
)

const (
	kindBehavior = "behavior"
	kindLogin    = "login"
)

// Decision is the verdict for one analysis. Score is normalized to [0,1].
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Score   float64 `json:"score"`
	Alerted bool    `json:"alerted"`
	AuditID string  `json:"audit_id,omitempty"`
	Reason  string  `json:"reason"`
}

// Notifier delivers alerts to the subject and to the administrators
type Notifier interface {
	SendToSubject(ctx context.Context, subjectID, title, message, severity string, data map[string]interface{}) error
	SendToAdmins(ctx context.Context, title, message, severity string, data map[string]interface{}) error
}

// Config 决策阈值配置
type Config struct {
	ChallengeThreshold float64 `json:"challenge_threshold"` // s >= challenge 需要二次验证
	BlockThreshold     float64 `json:"block_threshold"`     // s >= block 直接拒绝
	AlertThreshold     float64 `json:"alert_threshold"`     // s > alert 发送告警
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		ChallengeThreshold: 0.3,
		BlockThreshold:     0.7,
		AlertThreshold:     0.7,
	}
}

// Validate checks threshold ordering
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"challenge_threshold": c.ChallengeThreshold,
		"block_threshold":     c.BlockThreshold,
		"alert_threshold":     c.AlertThreshold,
	} {
		if v < 0 || v > 1 {
			return apperrors.NewValidationError(name, fmt.Sprintf("must be within [0,1], got %v", v))
		}
	}
	if c.ChallengeThreshold > c.BlockThreshold {
		return apperrors.NewValidationError("challenge_threshold", "must not exceed block_threshold")
	}
	return nil
}

// Policy applies thresholds, persists audit records and alerts.
// Persistence and alerting are best effort: their failures never change a decision.
type Policy struct {
	store    store.Store
	notifier Notifier
	metrics  *monitoring.Metrics
	log      logger.Logger
	audit    *logger.AuditLogger

	mu         sync.RWMutex
	thresholds Config

	now func() time.Time
}

// NewPolicy 创建决策策略。n 为 nil 时不发送告警
func NewPolicy(st store.Store, n Notifier, cfg Config, metrics *monitoring.Metrics, log logger.Logger) *Policy {
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.WithField("component", "decision")
	if err := cfg.Validate(); err != nil {
		log.Warn("Invalid decision thresholds, using defaults", "error", err)
		cfg = DefaultConfig()
	}
	return &Policy{
		store:      st,
		notifier:   n,
		metrics:    metrics,
		log:        log,
		audit:      logger.NewAuditLogger(log),
		thresholds: cfg,
		now:        time.Now,
	}
}

// SetThresholds swaps the thresholds; in-flight decisions keep the values they started with
func (p *Policy) SetThresholds(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thresholds = cfg
	p.log.Info("Decision thresholds updated",
		"challenge", cfg.ChallengeThreshold, "block", cfg.BlockThreshold, "alert", cfg.AlertThreshold)
	return nil
}

// Thresholds returns the active thresholds
func (p *Policy) Thresholds() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.thresholds
}

// OutcomeFor maps a normalized score to an outcome
func (c Config) OutcomeFor(score float64) Outcome {
	switch {
	case score >= c.BlockThreshold:
		return OutcomeBlock
	case score >= c.ChallengeThreshold:
		return OutcomeChallenge
	default:
		return OutcomeAllow
	}
}

// DecideBehavior decides on an anomaly result. Without a baseline the outcome is always allow.
func (p *Policy) DecideBehavior(ctx context.Context, subjectID string, res *behavior.AnomalyResult) *Decision {
	cfg := p.Thresholds()
	d := &Decision{Score: res.RiskScore}

	switch {
	case res.InsufficientData:
		d.Outcome = OutcomeAllow
		d.Reason = "insufficient behavior history"
		if res.Degraded {
			d.Reason = "behavior profile unavailable"
		}
	case len(res.Anomalies) > 0:
		d.Outcome = cfg.OutcomeFor(res.RiskScore)
		d.Reason = "anomalous fields: " + strings.Join(res.Anomalies, ", ")
	default:
		d.Outcome = cfg.OutcomeFor(res.RiskScore)
		d.Reason = "behavior within baseline"
	}

	d.AuditID = p.persist(ctx, &store.Record{
		Kind:      store.KindAnomalyAnalysis,
		SubjectID: subjectID,
		Type:      string(d.Outcome),
		Severity:  severityForScore(res.RiskScore),
		Data: map[string]interface{}{
			"risk_score":        res.RiskScore,
			"confidence":        res.Confidence,
			"anomalies":         res.Anomalies,
			"details":           res.Details,
			"insufficient_data": res.InsufficientData,
			"degraded":          res.Degraded,
			"outcome":           d.Outcome,
		},
	})

	if res.Degraded {
		p.alertAdmins(ctx, "Behavior profile unavailable",
			fmt.Sprintf("Behavior analysis for %s ran without a baseline because the profile could not be read", subjectID),
			"high", map[string]interface{}{"subject_id": subjectID})
	}

	if !res.InsufficientData && res.RiskScore > cfg.AlertThreshold {
		data := map[string]interface{}{
			"subject_id": subjectID,
			"risk_score": res.RiskScore,
			"anomalies":  res.Anomalies,
			"outcome":    d.Outcome,
			"audit_id":   d.AuditID,
		}
		severity := severityForScore(res.RiskScore)
		d.Alerted = p.alert(ctx, subjectID,
			"Unusual account activity",
			fmt.Sprintf("Activity on %s deviates from the usual pattern (risk %.2f): %s", subjectID, res.RiskScore, d.Reason),
			severity, data)
	}

	p.finish(kindBehavior, subjectID, d, map[string]interface{}{
		"confidence":        res.Confidence,
		"insufficient_data": res.InsufficientData,
		"degraded":          res.Degraded,
	})
	return d
}

// DecideLogin decides on a threat assessment. The 0..100 score is normalized to 0..1.
func (p *Policy) DecideLogin(ctx context.Context, a *threat.Assessment) *Decision {
	cfg := p.Thresholds()
	score := float64(a.RiskScore) / threat.MaxScore
	d := &Decision{Score: score, Outcome: cfg.OutcomeFor(score)}

	if len(a.Threats) == 0 {
		d.Reason = "no threats detected"
	} else {
		kinds := make([]string, len(a.Threats))
		for i, k := range a.Threats {
			kinds[i] = string(k)
		}
		d.Reason = "threats: " + strings.Join(kinds, ", ")
	}

	d.AuditID = p.persist(ctx, &store.Record{
		Kind:      store.KindThreatAssessment,
		SubjectID: a.SubjectID,
		IP:        a.IP,
		Type:      string(d.Outcome),
		Severity:  string(a.RiskLevel),
		Data: map[string]interface{}{
			"risk_score":      a.RiskScore,
			"risk_level":      a.RiskLevel,
			"threats":         a.Threats,
			"findings":        a.Findings,
			"recommendations": a.Recommendations,
			"outcome":         d.Outcome,
		},
	})

	if score > cfg.AlertThreshold {
		data := map[string]interface{}{
			"subject_id":      a.SubjectID,
			"ip":              a.IP,
			"risk_score":      a.RiskScore,
			"risk_level":      a.RiskLevel,
			"threats":         a.Threats,
			"recommendations": a.Recommendations,
			"outcome":         d.Outcome,
			"audit_id":        d.AuditID,
		}
		d.Alerted = p.alert(ctx, a.SubjectID,
			"Suspicious sign-in attempt",
			fmt.Sprintf("Sign-in from %s scored %d (%s): %s", a.IP, a.RiskScore, a.RiskLevel, d.Reason),
			severityForLevel(a.RiskLevel), data)
	}

	p.finish(kindLogin, a.SubjectID, d, map[string]interface{}{
		"ip":         a.IP,
		"risk_level": a.RiskLevel,
	})
	return d
}

func (p *Policy) persist(ctx context.Context, rec *store.Record) string {
	if p.store == nil {
		return ""
	}
	rec.Prepare(p.now())
	if err := p.store.Insert(ctx, rec); err != nil {
		p.log.Error("Failed to persist audit record", "kind", rec.Kind, "subject_id", rec.SubjectID, "error", err)
		return ""
	}
	return rec.ID.String()
}

// alert notifies the subject (when known) and the administrators. It reports whether any alert went out.
func (p *Policy) alert(ctx context.Context, subjectID, title, message, severity string, data map[string]interface{}) bool {
	if p.notifier == nil {
		return false
	}
	sent := false
	if subjectID != "" {
		if err := p.notifier.SendToSubject(ctx, subjectID, title, message, severity, data); err != nil {
			p.dispatchFailed("subject", subjectID, err)
		} else {
			sent = true
		}
	}
	if p.alertAdmins(ctx, title, message, severity, data) {
		sent = true
	}
	return sent
}

func (p *Policy) alertAdmins(ctx context.Context, title, message, severity string, data map[string]interface{}) bool {
	if p.notifier == nil {
		return false
	}
	if err := p.notifier.SendToAdmins(ctx, title, message, severity, data); err != nil {
		p.dispatchFailed("admins", "", err)
		return false
	}
	return true
}

func (p *Policy) dispatchFailed(audience, subjectID string, err error) {
	p.metrics.RecordAlert("undelivered")
	p.log.Warn("Alert dispatch failed", "code", apperrors.ErrCodeAlertDispatch,
		"audience", audience, "subject_id", subjectID, "error", err)
}

func (p *Policy) finish(kind, subjectID string, d *Decision, details map[string]interface{}) {
	p.metrics.RecordAnalysis(kind, string(d.Outcome), d.Score)
	details["reason"] = d.Reason
	details["alerted"] = d.Alerted
	details["audit_id"] = d.AuditID
	p.audit.LogDecision(subjectID, kind, string(d.Outcome), d.Score, details)
}

func severityForScore(score float64) string {
	switch {
	case score >= 0.9:
		return "critical"
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

func severityForLevel(level threat.Level) string {
	switch level {
	case threat.LevelCritical, threat.LevelHigh, threat.LevelMedium:
		return string(level)
	default:
		return "low"
	}
}
