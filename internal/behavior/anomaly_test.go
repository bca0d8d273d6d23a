package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "authrisk/internal/errors"
)

type staticProfiles struct {
	profile *Profile
	err     error
}

func (s staticProfiles) GetProfile(context.Context, string) (*Profile, error) {
	return s.profile, s.err
}

func typingProfile() *Profile {
	wpm, _ := ComputeFieldStats([]float64{10, 12, 14, 16, 18})
	flat, _ := ComputeFieldStats([]float64{10, 10, 10, 10, 10})
	dwell, _ := ComputeFieldStats([]float64{100, 110, 120, 130, 140})
	return &Profile{
		SubjectID:   "u1",
		SampleCount: 10,
		Types: map[string]map[string]FieldStats{
			"typing": {"wpm": wpm, "flat": flat},
			"keys":   {"dwell": dwell},
			"empty":  {},
		},
		BuiltAt: time.Now(),
	}
}

func TestScoreWithoutProfile(t *testing.T) {
	r := Score(nil, map[string]map[string]interface{}{"typing": {"wpm": 1}}, 10)
	assert.Equal(t, 0.5, r.RiskScore)
	assert.Equal(t, []string{AnomalyInsufficientData}, r.Anomalies)
	assert.Zero(t, r.Confidence)
	assert.True(t, r.InsufficientData)
}

func TestScoreZeroStdDev(t *testing.T) {
	r := Score(typingProfile(), map[string]map[string]interface{}{
		"typing": {"flat": 12},
	}, 10)

	d := r.Details["typing"]["flat"]
	assert.Equal(t, 0.0, d.Deviation)
	assert.False(t, d.Anomalous, "12 is within [5, 15]")
	assert.Equal(t, 0.0, r.RiskScore)
	assert.Empty(t, r.Anomalies)
}

func TestScoreRangeAnomalyWithZeroStdDev(t *testing.T) {
	r := Score(typingProfile(), map[string]map[string]interface{}{
		"typing": {"flat": 40},
	}, 10)

	d := r.Details["typing"]["flat"]
	assert.True(t, d.Anomalous)
	assert.Equal(t, 0.0, d.Deviation)
	assert.Equal(t, 0.0, d.Risk, "risk follows deviation, which is zero")
	assert.Equal(t, []string{"flat"}, r.Anomalies)
}

func TestScoreDeviation(t *testing.T) {
	r := Score(typingProfile(), map[string]map[string]interface{}{
		"typing": {"wpm": 30, "flat": 10, "layout": "dvorak"},
		"keys":   {"dwell": 120},
		"unseen": {"x": 1},
	}, 10)

	wpm := r.Details["typing"]["wpm"]
	assert.InDelta(t, 5.657, wpm.Deviation, 0.001)
	assert.True(t, wpm.Anomalous)
	assert.Equal(t, 1.0, wpm.Risk)

	assert.NotContains(t, r.Details["typing"], "layout")
	assert.NotContains(t, r.Details, "unseen")

	// typing = (1 + 0) / 2, keys = 0, overall = 0.25
	assert.InDelta(t, 0.25, r.RiskScore, 1e-12)
	assert.Equal(t, []string{"wpm"}, r.Anomalies)
	assert.False(t, r.InsufficientData)
}

func TestScoreConfidence(t *testing.T) {
	p := typingProfile()
	r := Score(p, nil, 10)
	// samples 10/20 = 0.5, coverage 2/5 = 0.4
	assert.InDelta(t, 0.45, r.Confidence, 1e-12)
	assert.Equal(t, 0.0, r.RiskScore)

	p.SampleCount = 1000
	r = Score(p, nil, 10)
	assert.InDelta(t, 0.7, r.Confidence, 1e-12)
}

func TestScoreBounds(t *testing.T) {
	current := map[string]map[string]interface{}{
		"typing": {"wpm": 1e300, "flat": -1e300},
		"keys":   {"dwell": 1e12},
	}
	r := Score(typingProfile(), current, 10)
	assert.GreaterOrEqual(t, r.RiskScore, 0.0)
	assert.LessOrEqual(t, r.RiskScore, 1.0)
	assert.GreaterOrEqual(t, r.Confidence, 0.0)
	assert.LessOrEqual(t, r.Confidence, 1.0)
	assert.Equal(t, []string{"dwell", "flat", "wpm"}, r.Anomalies)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	s := NewAnomalyScorer(staticProfiles{profile: typingProfile()}, DefaultConfig(), nil)
	current := map[string]map[string]interface{}{
		"typing": {"wpm": 21, "flat": 10},
		"keys":   {"dwell": 155},
	}

	first, err := s.Analyze(context.Background(), "u1", current)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := s.Analyze(context.Background(), "u1", current)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAnalyzeFailurePolicy(t *testing.T) {
	unavailable := apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", assert.AnError)

	open := NewAnomalyScorer(staticProfiles{err: unavailable}, DefaultConfig(), nil)
	r, err := open.Analyze(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.True(t, r.Degraded)
	assert.True(t, r.InsufficientData)
	assert.Equal(t, NeutralRiskScore, r.RiskScore)

	cfg := DefaultConfig()
	cfg.FailOpen = false
	closed := NewAnomalyScorer(staticProfiles{err: unavailable}, cfg, nil)
	_, err = closed.Analyze(context.Background(), "u1", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDBQuery))

	closed = NewAnomalyScorer(staticProfiles{err: assert.AnError}, cfg, nil)
	_, err = closed.Analyze(context.Background(), "u1", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProfileUnavailable))
}

func TestAnalyzeWithoutBaseline(t *testing.T) {
	s := NewAnomalyScorer(staticProfiles{}, DefaultConfig(), nil)
	r, err := s.Analyze(context.Background(), "new-user", map[string]map[string]interface{}{"typing": {"wpm": 50}})
	require.NoError(t, err)
	assert.True(t, r.InsufficientData)
	assert.False(t, r.Degraded)

	_, err = s.Analyze(context.Background(), "", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}
