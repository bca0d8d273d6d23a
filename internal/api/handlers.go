package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"authrisk/internal/behavior"
	"authrisk/internal/decision"
	"authrisk/internal/engine"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/middleware"
	"authrisk/internal/orchestrator"
	"authrisk/internal/threat"
)

// RiskHandler serves the analysis endpoints
type RiskHandler struct {
	engine *engine.Engine
	log    logger.Logger
}

// NewRiskHandler creates a new risk handler
func NewRiskHandler(e *engine.Engine, log logger.Logger) *RiskHandler {
	return &RiskHandler{engine: e, log: log}
}

// bind decodes the JSON body; decoding failures are validation errors
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.Abort(c, apperrors.NewValidationError("body", err.Error()))
		return false
	}
	return true
}

// RecordSample stores a behavior sample for the subject
func (h *RiskHandler) RecordSample(c *gin.Context) {
	var req RecordSampleRequest
	if !bind(c, &req) {
		return
	}

	err := h.engine.RecordBehavior(c.Request.Context(), c.Param("subject"), behavior.Sample{
		Type:      req.Type,
		Fields:    req.Fields,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Message: "sample recorded"})
}

// AnalyzeBehavior scores the submitted behavior against the subject's baseline
func (h *RiskHandler) AnalyzeBehavior(c *gin.Context) {
	var req AnalyzeBehaviorRequest
	if !bind(c, &req) {
		return
	}

	verdict, err := h.engine.AnalyzeBehavior(c.Request.Context(), c.Param("subject"), req.Current)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: verdict})
}

// AnalyzeLogin assesses a login before it completes
func (h *RiskHandler) AnalyzeLogin(c *gin.Context) {
	var req LoginEventRequest
	if !bind(c, &req) {
		return
	}

	verdict, err := h.engine.AnalyzeLoginAttempt(c.Request.Context(), req.event())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: verdict})
}

// RecordLoginAttempt stores the result of a completed login
func (h *RiskHandler) RecordLoginAttempt(c *gin.Context) {
	var req LoginAttemptRequest
	if !bind(c, &req) {
		return
	}

	ev := req.event()
	err := h.engine.RecordLoginAttempt(c.Request.Context(), threat.LoginAttempt{
		SubjectID:         ev.SubjectID,
		Identifier:        ev.Identifier,
		IP:                ev.IP,
		UserAgent:         ev.UserAgent,
		DeviceFingerprint: ev.DeviceFingerprint,
		Location:          ev.Location,
		Success:           req.Success,
		Timestamp:         ev.At,
	})
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Message: "attempt recorded"})
}

// RecordPasswordChange stores a password change for the subject
func (h *RiskHandler) RecordPasswordChange(c *gin.Context) {
	var req PasswordChangeRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	if req.IP == "" {
		req.IP = c.ClientIP()
	}

	if err := h.engine.RecordPasswordChange(c.Request.Context(), c.Param("subject"), req.IP); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Message: "password change recorded"})
}

// CheckRateLimit consumes one attempt; a denied attempt answers 429
func (h *RiskHandler) CheckRateLimit(c *gin.Context) {
	var req RateLimitCheckRequest
	if !bind(c, &req) {
		return
	}

	limiter := h.engine.RateLimiter()
	defaults := limiter.Config()
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaults.MaxAttempts
	}
	window := time.Duration(req.WindowSeconds) * time.Second
	if req.WindowSeconds == 0 {
		window = defaults.Window
	}

	key := limiter.UserKey(req.Subject, req.Action)
	if err := limiter.CheckOrFail(c.Request.Context(), key, maxAttempts, window); err != nil {
		middleware.Abort(c, err)
		return
	}
	remaining, err := limiter.Remaining(c.Request.Context(), key, maxAttempts)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{
		"allowed":   true,
		"limit":     maxAttempts,
		"remaining": remaining,
	}})
}

func (r LoginEventRequest) event() threat.LoginEvent {
	return threat.LoginEvent{
		SubjectID:         r.SubjectID,
		Identifier:        r.Identifier,
		IP:                r.IP,
		UserAgent:         r.UserAgent,
		DeviceFingerprint: r.DeviceFingerprint,
		Location:          r.Location,
		At:                r.At,
	}
}

// AdminHandler serves the /api/v1/admin routes
type AdminHandler struct {
	engine    *engine.Engine
	scheduler *orchestrator.Scheduler
	log       logger.Logger
}

// NewAdminHandler creates a new admin handler. scheduler may be nil.
func NewAdminHandler(e *engine.Engine, scheduler *orchestrator.Scheduler, log logger.Logger) *AdminHandler {
	return &AdminHandler{engine: e, scheduler: scheduler, log: log}
}

// ListDevices lists the subject's trusted devices
func (h *AdminHandler) ListDevices(c *gin.Context) {
	devices, err := h.engine.Devices().List(c.Request.Context(), c.Param("subject"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: devices})
}

// TrustDevice marks a fingerprint as trusted
func (h *AdminHandler) TrustDevice(c *gin.Context) {
	var req TrustDeviceRequest
	if !bind(c, &req) {
		return
	}

	d, err := h.engine.Devices().Trust(c.Request.Context(), c.Param("subject"), req.Fingerprint, req.Label, req.IP)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	h.log.Info("Device trusted", "subject_id", c.Param("subject"), "admin", c.GetString(middleware.ContextKeySubject))
	c.JSON(http.StatusCreated, Response{Success: true, Data: d})
}

// RevokeDevice removes a trusted device by fingerprint or digest
func (h *AdminHandler) RevokeDevice(c *gin.Context) {
	removed, err := h.engine.Devices().Revoke(c.Request.Context(), c.Param("subject"), c.Param("device"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if !removed {
		middleware.Abort(c, apperrors.NewAppError(apperrors.ErrCodeNotFound, "device not found", nil))
		return
	}
	h.log.Info("Device revoked", "subject_id", c.Param("subject"), "admin", c.GetString(middleware.ContextKeySubject))
	c.JSON(http.StatusOK, Response{Success: true, Message: "device revoked"})
}

// ResetRateLimit clears a subject's counter
func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	var req RateLimitResetRequest
	if !bind(c, &req) {
		return
	}

	limiter := h.engine.RateLimiter()
	if err := limiter.Reset(c.Request.Context(), limiter.UserKey(req.Subject, req.Action)); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Message: "counter reset"})
}

// GetThresholds returns the active decision thresholds
func (h *AdminHandler) GetThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Success: true, Data: h.engine.Policy().Thresholds()})
}

// SetThresholds replaces the decision thresholds
func (h *AdminHandler) SetThresholds(c *gin.Context) {
	var req ThresholdsRequest
	if !bind(c, &req) {
		return
	}

	cfg := decision.Config{
		ChallengeThreshold: req.ChallengeThreshold,
		BlockThreshold:     req.BlockThreshold,
		AlertThreshold:     req.AlertThreshold,
	}
	if err := h.engine.Policy().SetThresholds(cfg); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: cfg})
}

// ListTasks lists scheduled maintenance tasks
func (h *AdminHandler) ListTasks(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusOK, Response{Success: true, Data: []*orchestrator.Task{}})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: h.scheduler.ListTasks()})
}

// RunTask runs a scheduled task immediately
func (h *AdminHandler) RunTask(c *gin.Context) {
	if h.scheduler == nil {
		middleware.Abort(c, apperrors.NewAppError(apperrors.ErrCodeNotFound, "scheduler is disabled", nil))
		return
	}
	taskType := orchestrator.TaskType(c.Param("type"))
	if _, err := h.scheduler.GetTask(taskType); err != nil {
		middleware.Abort(c, apperrors.NewAppError(apperrors.ErrCodeNotFound, "task not found", err))
		return
	}
	if err := h.scheduler.RunNow(c.Request.Context(), taskType); err != nil {
		middleware.Abort(c, apperrors.WrapError(err, apperrors.ErrCodeInternal, "task failed"))
		return
	}
	task, _ := h.scheduler.GetTask(taskType)
	c.JSON(http.StatusOK, Response{Success: true, Data: task})
}
