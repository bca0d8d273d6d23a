package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/alerting"
	"authrisk/internal/config"
	"authrisk/internal/decision"
	"authrisk/internal/device"
	"authrisk/internal/engine"
	"authrisk/internal/middleware"
	"authrisk/internal/monitoring"
	"authrisk/internal/orchestrator"
	"authrisk/internal/testutils"
)

type testServer struct {
	suite  *testutils.TestSuite
	server *Server
	engine *engine.Engine
	stream *alerting.StreamHub
	http   *testutils.HTTPTestHelper
	admin  *testutils.HTTPTestHelper
}

func newTestServer(t *testing.T, mutate func(*config.Config), health map[string]HealthCheck) *testServer {
	t.Helper()
	suite := testutils.NewTestSuite(t, &testutils.TestConfig{UseSQL: true, LogLevel: "error", CacheMaxSize: 1000})
	cfg := suite.App
	cfg.JWT.SecretKey = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}

	metrics := monitoring.NewMetrics(nil)
	hub := alerting.NewStreamHub(metrics, suite.Logger)
	manager := alerting.NewAlertManager(alerting.DefaultAlertConfig(), metrics, suite.Logger)
	manager.RegisterChannel(hub)
	notifier := alerting.NewNotifier(manager, alerting.NotifierConfig{AdminChannels: []string{hub.GetName()}}, metrics, suite.Logger)

	e, err := engine.NewFromConfig(cfg, suite.Store, suite.Cache, engine.Options{
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   suite.Logger,
	})
	require.NoError(t, err)

	scheduler := orchestrator.NewScheduler(time.Minute, suite.Logger)
	job, err := orchestrator.NewRetentionJob(suite.Store, cfg.Risk.RetentionDays, metrics, suite.Logger)
	require.NoError(t, err)
	scheduler.RegisterHandler(orchestrator.TaskTypeRetention, job)
	require.NoError(t, scheduler.AddConfigured(cfg.Scheduler.Jobs))

	if health == nil {
		health = map[string]HealthCheck{"database": suite.DB.HealthCheck}
	}
	srv, err := NewServer(cfg, Dependencies{
		Engine:    e,
		Stream:    hub,
		Scheduler: scheduler,
		Health:    health,
		Metrics:   metrics,
		Logger:    suite.Logger,
	})
	require.NoError(t, err)

	token, err := srv.JWT().GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)

	h := testutils.NewHTTPTestHelper(t, srv.Router())
	return &testServer{
		suite:  suite,
		server: srv,
		engine: e,
		stream: hub,
		http:   h,
		admin:  h.WithBearer(token),
	}
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(config.Default(), Dependencies{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	ts.http.GET("/health").AssertStatus(http.StatusOK).JSON(&body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Services["database"])

	degraded := newTestServer(t, nil, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"cache":    func(context.Context) error { return errors.New("connection refused") },
	})
	degraded.http.GET("/health").AssertStatus(http.StatusServiceUnavailable).JSON(&body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "error", body.Services["cache"])
	assert.Equal(t, "ok", body.Services["database"])
}

func TestBehaviorRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	current := AnalyzeBehaviorRequest{Current: map[string]map[string]interface{}{"typing": {"speed": 300}}}

	var verdict engine.BehaviorVerdict
	ts.http.POST("/api/v1/behavior/u1/analyze", current).AssertStatus(http.StatusOK).Data(&verdict)
	assert.True(t, verdict.Result.InsufficientData)
	assert.Equal(t, decision.OutcomeAllow, verdict.Decision.Outcome)

	for i, speed := range []float64{90, 95, 100, 105, 110, 90, 95, 100, 105, 110} {
		ts.http.POST("/api/v1/behavior/u1/samples", RecordSampleRequest{
			Type:      "typing",
			Fields:    map[string]interface{}{"speed": speed},
			Timestamp: time.Now().Add(-time.Duration(i+1) * time.Minute),
		}).AssertStatus(http.StatusCreated)
	}

	ts.http.POST("/api/v1/behavior/u1/analyze", current).AssertStatus(http.StatusOK).Data(&verdict)
	assert.False(t, verdict.Result.InsufficientData)
	assert.Equal(t, []string{"speed"}, verdict.Result.Anomalies)
	assert.Equal(t, decision.OutcomeBlock, verdict.Decision.Outcome)
	assert.NotEmpty(t, verdict.Decision.AuditID)
}

func TestInvalidInput(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := ts.http.POST("/api/v1/behavior/u1/samples", `{"type": "typing"}`).AssertStatus(http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT", resp.ErrorCode())

	resp = ts.http.POST("/api/v1/behavior/u1/analyze", `not json`).AssertStatus(http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT", resp.ErrorCode())

	resp = ts.http.POST("/api/v1/login/analyze", LoginEventRequest{SubjectID: "u1"}).AssertStatus(http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT", resp.ErrorCode())
	assert.NotEmpty(t, resp.Header(middleware.HeaderRequestID))
}

func TestLoginRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	var verdict engine.LoginVerdict
	ts.http.POST("/api/v1/login/analyze", LoginEventRequest{
		SubjectID: "u1",
		IP:        "203.0.113.10",
	}).AssertStatus(http.StatusOK).Data(&verdict)
	require.NotNil(t, verdict.Assessment)
	assert.Equal(t, "u1", verdict.Assessment.SubjectID)
	require.NotNil(t, verdict.Decision)

	for i := 0; i < 6; i++ {
		ts.http.POST("/api/v1/login/attempts", LoginAttemptRequest{
			LoginEventRequest: LoginEventRequest{SubjectID: "u1", IP: "198.51.100.7", At: time.Now().Add(-time.Minute)},
			Success:           false,
		}).AssertStatus(http.StatusCreated)
	}

	ts.http.POST("/api/v1/login/analyze", LoginEventRequest{
		SubjectID: "u1",
		IP:        "198.51.100.7",
	}).AssertStatus(http.StatusOK).Data(&verdict)
	assert.NotEmpty(t, verdict.Assessment.Threats)
	assert.Greater(t, verdict.Assessment.RiskScore, 0)

	ts.http.POST("/api/v1/subjects/u1/password-change", nil).AssertStatus(http.StatusCreated)
}

func TestRateLimitCheck(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	req := RateLimitCheckRequest{Subject: "alice", Action: "otp", MaxAttempts: 2, WindowSeconds: 60}

	var data struct {
		Allowed   bool `json:"allowed"`
		Limit     int  `json:"limit"`
		Remaining int  `json:"remaining"`
	}
	ts.http.POST("/api/v1/ratelimit/check", req).AssertStatus(http.StatusOK).Data(&data)
	assert.True(t, data.Allowed)
	assert.Equal(t, 2, data.Limit)
	assert.Equal(t, 1, data.Remaining)

	ts.http.POST("/api/v1/ratelimit/check", req).AssertStatus(http.StatusOK).Data(&data)
	assert.Equal(t, 0, data.Remaining)

	resp := ts.http.POST("/api/v1/ratelimit/check", req).AssertStatus(http.StatusTooManyRequests)
	assert.Equal(t, "RATE_LIMIT", resp.ErrorCode())
	assert.NotEmpty(t, resp.Header("Retry-After"))

	ts.admin.POST("/api/v1/admin/ratelimit/reset", RateLimitResetRequest{Subject: "alice", Action: "otp"}).
		AssertStatus(http.StatusOK)
	ts.http.POST("/api/v1/ratelimit/check", req).AssertStatus(http.StatusOK)
}

func TestPerIPLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RequestsPerWindow = 2
		cfg.Server.RequestWindow = time.Minute
	}, nil)
	body := LoginEventRequest{SubjectID: "u1", IP: "203.0.113.10"}

	ts.http.POST("/api/v1/login/analyze", body).AssertStatus(http.StatusOK)
	ts.http.POST("/api/v1/login/analyze", body).AssertStatus(http.StatusOK)
	ts.http.POST("/api/v1/login/analyze", body).AssertStatus(http.StatusTooManyRequests)

	// health is not limited
	ts.http.GET("/health").AssertStatus(http.StatusOK)
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	resp := ts.http.GET("/api/v1/admin/thresholds").AssertStatus(http.StatusUnauthorized)
	assert.Equal(t, "UNAUTHORIZED", resp.ErrorCode())

	ts.http.WithBearer("not-a-token").GET("/api/v1/admin/thresholds").AssertStatus(http.StatusUnauthorized)

	userToken, err := ts.server.JWT().GenerateToken("u1", "user")
	require.NoError(t, err)
	resp = ts.http.WithBearer(userToken).GET("/api/v1/admin/thresholds").AssertStatus(http.StatusForbidden)
	assert.Equal(t, "FORBIDDEN", resp.ErrorCode())

	other := NewJWTManager("another-secret", "authrisk", time.Hour)
	forged, err := other.GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)
	ts.http.WithBearer(forged).GET("/api/v1/admin/thresholds").AssertStatus(http.StatusUnauthorized)
}

func TestAdminDevices(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	var trusted device.Device
	ts.admin.POST("/api/v1/admin/subjects/u1/devices", TrustDeviceRequest{Fingerprint: "laptop", Label: "work"}).
		AssertStatus(http.StatusCreated).Data(&trusted)
	assert.NotEmpty(t, trusted.Digest)
	assert.NotContains(t, trusted.Digest, "laptop")

	var devices []device.Device
	ts.admin.GET("/api/v1/admin/subjects/u1/devices").AssertStatus(http.StatusOK).Data(&devices)
	require.Len(t, devices, 1)
	assert.Equal(t, "work", devices[0].Label)

	ts.admin.GET("/api/v1/admin/subjects/u2/devices").AssertStatus(http.StatusOK).Data(&devices)
	assert.Empty(t, devices)

	ts.admin.POST("/api/v1/admin/subjects/u1/devices", `{}`).AssertStatus(http.StatusBadRequest)

	ts.admin.DELETE("/api/v1/admin/subjects/u1/devices/laptop").AssertStatus(http.StatusOK)
	resp := ts.admin.DELETE("/api/v1/admin/subjects/u1/devices/laptop").AssertStatus(http.StatusNotFound)
	assert.Equal(t, "NOT_FOUND", resp.ErrorCode())
}

func TestAdminThresholds(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	var current decision.Config
	ts.admin.GET("/api/v1/admin/thresholds").AssertStatus(http.StatusOK).Data(&current)
	assert.Equal(t, 0.3, current.ChallengeThreshold)
	assert.Equal(t, 0.7, current.BlockThreshold)

	ts.admin.PUT("/api/v1/admin/thresholds", ThresholdsRequest{
		ChallengeThreshold: 0.8, BlockThreshold: 0.5, AlertThreshold: 0.5,
	}).AssertStatus(http.StatusBadRequest)

	ts.admin.PUT("/api/v1/admin/thresholds", ThresholdsRequest{
		ChallengeThreshold: 0.2, BlockThreshold: 0.6, AlertThreshold: 0.9,
	}).AssertStatus(http.StatusOK)
	assert.Equal(t, 0.6, ts.engine.Policy().Thresholds().BlockThreshold)
}

func TestAdminTasks(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	var tasks []orchestrator.Task
	ts.admin.GET("/api/v1/admin/tasks").AssertStatus(http.StatusOK).Data(&tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, orchestrator.TaskTypeRetention, tasks[0].Type)

	var task orchestrator.Task
	ts.admin.POST("/api/v1/admin/tasks/retention_cleanup/run", nil).AssertStatus(http.StatusOK).Data(&task)
	assert.Equal(t, orchestrator.TaskStatusCompleted, task.Status)

	ts.admin.POST("/api/v1/admin/tasks/compaction/run", nil).AssertStatus(http.StatusNotFound)
}

func TestAlertStream(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	srv := httptest.NewServer(ts.server.Router())
	defer srv.Close()

	token, err := ts.server.JWT().GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/admin/alerts/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?access_token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello alerting.StreamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	require.Eventually(t, func() bool { return ts.stream.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ts.stream.Send(context.Background(), &alerting.Alert{ID: "a1", Title: "Suspicious sign-in attempt"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string         `json:"type"`
		Data alerting.Alert `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "Suspicious sign-in attempt", msg.Data.Title)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.http.GET("/health").AssertStatus(http.StatusOK)

	ts.http.GET("/metrics").
		AssertStatus(http.StatusOK).
		AssertContains("authrisk_http_requests_total")
}
