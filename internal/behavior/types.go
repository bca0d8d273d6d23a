// Package behavior builds per-subject statistical baselines from behavior
// samples and scores new samples against them.
package behavior

import "time"

// AnomalyInsufficientData is reported when no profile exists for the subject
const AnomalyInsufficientData = "insufficient_data"

// NeutralRiskScore is returned when no baseline is available
const NeutralRiskScore = 0.5

// Sample is one observed interaction. Numeric field values feed the profile,
// everything else is carried but excluded from statistics.
type Sample struct {
	SubjectID string                 `json:"subject_id"`
	Type      string                 `json:"type"`
	Fields    map[string]interface{} `json:"fields"`
	Timestamp time.Time              `json:"timestamp"`
}

// FieldStats summarizes one numeric field of one behavior type
type FieldStats struct {
	Mean       float64 `json:"mean"`
	Median     float64 `json:"median"`
	StdDev     float64 `json:"std_dev"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Q1         float64 `json:"q1"`
	Q3         float64 `json:"q3"`
	SampleSize int     `json:"sample_size"`
}

// Profile is the subject's baseline: behavior type -> field -> stats.
// A profile is rebuilt wholesale and never mutated after construction.
type Profile struct {
	SubjectID   string                           `json:"subject_id"`
	SampleCount int                              `json:"sample_count"`
	Types       map[string]map[string]FieldStats `json:"types"`
	BuiltAt     time.Time                        `json:"built_at"`
}

// TypesWithStats counts behavior types that have at least one numeric field
func (p *Profile) TypesWithStats() int {
	n := 0
	for _, fields := range p.Types {
		if len(fields) > 0 {
			n++
		}
	}
	return n
}

// FieldDetail explains the score of one field
type FieldDetail struct {
	Value     float64 `json:"value"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	Deviation float64 `json:"deviation"`
	Anomalous bool    `json:"anomalous"`
	Risk      float64 `json:"risk"`
}

// AnomalyResult is the outcome of scoring one sample.
// RiskScore and Confidence are always within [0,1].
type AnomalyResult struct {
	RiskScore        float64                           `json:"risk_score"`
	Anomalies        []string                          `json:"anomalies"`
	Confidence       float64                           `json:"confidence"`
	Details          map[string]map[string]FieldDetail `json:"details,omitempty"`
	InsufficientData bool                              `json:"insufficient_data"`
	// Degraded is set when the profile could not be read and the neutral result was substituted.
	Degraded bool `json:"degraded,omitempty"`
}

// neutralResult is the low-confidence answer used when there is no baseline
func neutralResult() *AnomalyResult {
	return &AnomalyResult{
		RiskScore:        NeutralRiskScore,
		Anomalies:        []string{AnomalyInsufficientData},
		Confidence:       0,
		InsufficientData: true,
	}
}
