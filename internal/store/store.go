// Package store persists append-only risk records: behavior samples,
// security events, login attempts, audit records and trusted devices.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind partitions records by purpose
type Kind string

const (
	KindBehaviorSample   Kind = "behavior_sample"
	KindSecurityEvent    Kind = "security_event"
	KindLoginAttempt     Kind = "login_attempt"
	KindAnomalyAnalysis  Kind = "anomaly_analysis"
	KindThreatAssessment Kind = "threat_assessment"
	KindTrustedDevice    Kind = "trusted_device"
)

// RetainedKinds are subject to retention cleanup
var RetainedKinds = []Kind{
	KindBehaviorSample,
	KindSecurityEvent,
	KindLoginAttempt,
	KindAnomalyAnalysis,
	KindThreatAssessment,
}

// Record is a generic stored row. Data holds the kind-specific payload.
type Record struct {
	ID        uuid.UUID              `json:"id"`
	Kind      Kind                   `json:"kind"`
	SubjectID string                 `json:"subject_id,omitempty"`
	IP        string                 `json:"ip,omitempty"`
	Type      string                 `json:"type,omitempty"`
	Severity  string                 `json:"severity,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Filter selects records. Zero-valued fields do not constrain the query.
// Since is inclusive and Until is exclusive.
type Filter struct {
	Kind      Kind
	SubjectID string
	IP        string
	Type      string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Store is the persistence collaborator
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// Query returns matching records, newest first.
	Query(ctx context.Context, f Filter) ([]Record, error)
	Count(ctx context.Context, f Filter) (int, error)
	Delete(ctx context.Context, f Filter) (int64, error)
}

// Prepare fills ID and CreatedAt when unset
func (r *Record) Prepare(now time.Time) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
}
