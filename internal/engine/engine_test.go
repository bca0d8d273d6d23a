package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/behavior"
	"authrisk/internal/cache"
	"authrisk/internal/config"
	"authrisk/internal/decision"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/store"
	"authrisk/internal/threat"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) SendToSubject(_ context.Context, subjectID, title, _, _ string, _ map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, subjectID+": "+title)
	return nil
}

func (n *recordingNotifier) SendToAdmins(_ context.Context, title, _, _ string, _ map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, "admins: "+title)
	return nil
}

type fixture struct {
	engine   *Engine
	store    *store.MemoryStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	st := store.NewMemoryStore()
	n := &recordingNotifier{}
	e, err := NewFromConfig(cfg, st, cache.NewMemoryCache(1000), Options{Notifier: n})
	require.NoError(t, err)
	return &fixture{engine: e, store: st, notifier: n}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limiter")
	assert.Contains(t, err.Error(), "policy")
}

func TestLoginOutsideUsualHoursFromNewDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Now().UTC().Truncate(24 * time.Hour)

	for i := 0; i < 20; i++ {
		at := day.AddDate(0, 0, -20+i).Add(time.Duration(9+i%9) * time.Hour)
		require.NoError(t, f.engine.RecordLoginAttempt(ctx, threat.LoginAttempt{
			SubjectID: "u1", IP: "203.0.113.10", DeviceFingerprint: "laptop", Success: true, Timestamp: at,
		}))
	}

	v, err := f.engine.AnalyzeLoginAttempt(ctx, threat.LoginEvent{
		SubjectID:         "u1",
		IP:                "203.0.113.10",
		DeviceFingerprint: "unknown-phone",
		At:                day.Add(3 * time.Hour),
	})
	require.NoError(t, err)

	a := v.Assessment
	assert.True(t, a.Has(threat.UnusualPattern))
	assert.True(t, a.Has(threat.DeviceAnomaly))
	assert.GreaterOrEqual(t, a.RiskScore, 30)
	assert.NotEmpty(t, a.Recommendations)

	assert.Equal(t, decision.OutcomeChallenge, v.Decision.Outcome)
	assert.False(t, v.Decision.Alerted)
	assert.NotEmpty(t, v.Decision.AuditID)

	audits, err := f.store.Count(ctx, store.Filter{Kind: store.KindThreatAssessment, SubjectID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, audits)
}

func TestTrustedDeviceClearsDeviceAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Devices().Trust(ctx, "u1", "laptop", "work laptop", "203.0.113.10")
	require.NoError(t, err)

	v, err := f.engine.AnalyzeLoginAttempt(ctx, threat.LoginEvent{
		SubjectID: "u1", IP: "203.0.113.10", DeviceFingerprint: "laptop",
	})
	require.NoError(t, err)
	assert.False(t, v.Assessment.Has(threat.DeviceAnomaly))
	assert.Equal(t, decision.OutcomeAllow, v.Decision.Outcome)
}

func TestBehaviorLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	current := map[string]map[string]interface{}{"typing": {"speed": 300}}

	v, err := f.engine.AnalyzeBehavior(ctx, "u1", current)
	require.NoError(t, err)
	assert.True(t, v.Result.InsufficientData)
	assert.Equal(t, decision.OutcomeAllow, v.Decision.Outcome)

	for i, speed := range []float64{90, 95, 100, 105, 110, 90, 95, 100, 105, 110} {
		require.NoError(t, f.engine.RecordBehavior(ctx, "u1", behavior.Sample{
			Type:      "typing",
			Fields:    map[string]interface{}{"speed": speed, "layout": "qwerty"},
			Timestamp: time.Now().Add(-time.Duration(i+1) * time.Minute),
		}))
	}

	v, err = f.engine.AnalyzeBehavior(ctx, "u1", current)
	require.NoError(t, err)
	assert.False(t, v.Result.InsufficientData)
	assert.Equal(t, []string{"speed"}, v.Result.Anomalies)
	assert.Equal(t, 1.0, v.Result.RiskScore)
	assert.InDelta(t, 0.35, v.Result.Confidence, 1e-9)
	assert.Equal(t, decision.OutcomeBlock, v.Decision.Outcome)
	assert.True(t, v.Decision.Alerted)
	assert.Contains(t, f.notifier.titles, "admins: Unusual account activity")

	again, err := f.engine.AnalyzeBehavior(ctx, "u1", current)
	require.NoError(t, err)
	assert.Equal(t, v.Result.RiskScore, again.Result.RiskScore)
	assert.Equal(t, v.Result.Details, again.Result.Details)

	normal, err := f.engine.AnalyzeBehavior(ctx, "u1", map[string]map[string]interface{}{"typing": {"speed": 101}})
	require.NoError(t, err)
	assert.Equal(t, decision.OutcomeAllow, normal.Decision.Outcome)
}

func TestRecordBehaviorValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.engine.RecordBehavior(ctx, "u1", behavior.Sample{SubjectID: "u2", Type: "typing", Fields: map[string]interface{}{"speed": 1}})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.engine.AnalyzeBehavior(ctx, "", map[string]map[string]interface{}{"typing": {"speed": 1}})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.engine.AnalyzeBehavior(ctx, "u1", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = f.engine.AnalyzeLoginAttempt(ctx, threat.LoginEvent{SubjectID: "u1", IP: "not-an-ip"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestSuccessfulLoginResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limiter := f.engine.RateLimiter()
	key := limiter.UserKey("u1", ActionLogin)

	for i := 0; i < 3; i++ {
		ok, err := limiter.Check(ctx, key, 5, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	remaining, err := limiter.Remaining(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	require.NoError(t, f.engine.RecordLoginAttempt(ctx, threat.LoginAttempt{SubjectID: "u1", IP: "203.0.113.10", Success: true}))

	remaining, err = limiter.Remaining(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestPasswordChangeFeedsTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.RecordPasswordChange(ctx, "u1", "203.0.113.10"))
	v, err := f.engine.AnalyzeLoginAttempt(ctx, threat.LoginEvent{SubjectID: "u1", IP: "203.0.113.10", DeviceFingerprint: "x"})
	require.NoError(t, err)
	assert.True(t, v.Assessment.Has(threat.AccountTakeover))
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.Threat.Weights = map[string]int{"device_anomaly": 15}
	cfg.Risk.Threat.MaxDistanceKm = 0

	tc := ThreatConfig(cfg)
	assert.Equal(t, 15, tc.Weights[threat.DeviceAnomaly])
	assert.Equal(t, 30, tc.Weights[threat.BruteForce])
	assert.Equal(t, 500.0, tc.MaxDistanceKm)
	assert.Equal(t, 10, threat.DefaultWeights[threat.DeviceAnomaly], "defaults untouched")

	rc := RateLimitConfig(cfg)
	assert.Equal(t, cfg.Risk.RateLimit.MaxAttempts, rc.MaxAttempts)
	assert.Equal(t, time.Duration(cfg.Risk.RateLimit.DecaySeconds)*time.Second, rc.Window)

	dc := DecisionConfig(cfg)
	assert.Equal(t, cfg.Risk.Behavior.AnomalyThreshold, dc.AlertThreshold)
	assert.NoError(t, dc.Validate())
}
