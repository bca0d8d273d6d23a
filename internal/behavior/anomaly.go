package behavior

import (
	"context"
	"math"
	"sort"
	"strings"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
)

const (
	deviationThreshold = 2.0
	deviationScale     = 4.0
	rangeLowFactor     = 0.5
	rangeHighFactor    = 1.5
	fullTypeCoverage   = 5.0
)

// AnomalyScorer 异常评分器
type AnomalyScorer struct {
	profiles ProfileSource
	config   Config
	log      logger.Logger
}

// NewAnomalyScorer creates a scorer reading baselines from profiles
func NewAnomalyScorer(profiles ProfileSource, cfg Config, log logger.Logger) *AnomalyScorer {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &AnomalyScorer{
		profiles: profiles,
		config:   cfg.withDefaults(),
		log:      log.WithField("component", "anomaly_scorer"),
	}
}

// Analyze scores current (type -> field -> value) against the subject's profile.
// When the profile cannot be read, FailOpen yields the neutral result marked Degraded;
// otherwise the collaborator error is returned.
func (s *AnomalyScorer) Analyze(ctx context.Context, subjectID string, current map[string]map[string]interface{}) (*AnomalyResult, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, apperrors.NewValidationError("subject_id", "subject is required")
	}

	profile, err := s.profiles.GetProfile(ctx, subjectID)
	if err != nil {
		if !s.config.FailOpen {
			if apperrors.IsAppError(err) {
				return nil, err
			}
			return nil, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeProfileUnavailable, "profile", err)
		}
		s.log.Warn("Behavior profile unavailable, returning neutral score", "subject_id", subjectID, "error", err)
		result := neutralResult()
		result.Degraded = true
		return result, nil
	}

	return Score(profile, current, s.config.MinSamples), nil
}

// Score is the pure scoring function. Map iteration is sorted so identical
// inputs give bit-identical results.
func Score(profile *Profile, current map[string]map[string]interface{}, minSamples int) *AnomalyResult {
	if profile == nil {
		return neutralResult()
	}
	if minSamples <= 0 {
		minSamples = DefaultConfig().MinSamples
	}

	result := &AnomalyResult{
		Anomalies: []string{},
		Details:   make(map[string]map[string]FieldDetail),
	}
	anomalies := make(map[string]bool)

	var typeRiskSum float64
	typesEvaluated := 0

	for _, behaviorType := range sortedKeys(current) {
		typeStats, ok := profile.Types[behaviorType]
		if !ok {
			continue
		}

		var fieldRiskSum float64
		fieldsEvaluated := 0
		fields := current[behaviorType]

		for _, name := range sortedKeys(fields) {
			stats, ok := typeStats[name]
			if !ok {
				continue
			}
			value, ok := numericValue(fields[name])
			if !ok {
				continue
			}

			detail := scoreField(value, stats)
			if result.Details[behaviorType] == nil {
				result.Details[behaviorType] = make(map[string]FieldDetail)
			}
			result.Details[behaviorType][name] = detail
			if detail.Anomalous {
				anomalies[name] = true
			}
			fieldRiskSum += detail.Risk
			fieldsEvaluated++
		}

		if fieldsEvaluated > 0 {
			typeRiskSum += fieldRiskSum / float64(fieldsEvaluated)
			typesEvaluated++
		}
	}

	if typesEvaluated > 0 {
		result.RiskScore = clamp01(typeRiskSum / float64(typesEvaluated))
	}

	for name := range anomalies {
		result.Anomalies = append(result.Anomalies, name)
	}
	sort.Strings(result.Anomalies)

	sampleConfidence := math.Min(float64(profile.SampleCount)/float64(2*minSamples), 1)
	coverageConfidence := math.Min(float64(profile.TypesWithStats())/fullTypeCoverage, 1)
	result.Confidence = clamp01((sampleConfidence + coverageConfidence) / 2)

	return result
}

func scoreField(value float64, stats FieldStats) FieldDetail {
	deviation := 0.0
	if stats.StdDev > 0 {
		deviation = math.Abs(value-stats.Mean) / stats.StdDev
	}

	anomalous := deviation > deviationThreshold ||
		value < stats.Min*rangeLowFactor ||
		value > stats.Max*rangeHighFactor

	risk := 0.0
	if anomalous {
		risk = math.Min(deviation/deviationScale, 1)
	}

	return FieldDetail{
		Value:     value,
		Mean:      stats.Mean,
		StdDev:    stats.StdDev,
		Deviation: deviation,
		Anomalous: anomalous,
		Risk:      risk,
	}
}
