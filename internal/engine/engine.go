// Package engine assembles the risk components behind one facade.
// Rate limiting is exposed separately so callers choose where to enforce it.
package engine

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"authrisk/internal/behavior"
	"authrisk/internal/decision"
	"authrisk/internal/device"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
	"authrisk/internal/ratelimit"
	"authrisk/internal/threat"
)

const (
	tracerName = "authrisk/engine"

	// ActionLogin is the rate-limit action for sign-in attempts
	ActionLogin = "login"
)

// BehaviorVerdict pairs an anomaly result with its decision
type BehaviorVerdict struct {
	Result   *behavior.AnomalyResult `json:"result"`
	Decision *decision.Decision      `json:"decision"`
}

// LoginVerdict pairs a threat assessment with its decision
type LoginVerdict struct {
	Assessment *threat.Assessment `json:"assessment"`
	Decision   *decision.Decision `json:"decision"`
}

// Dependencies are the collaborators an Engine is assembled from
type Dependencies struct {
	Limiter  *ratelimit.Limiter
	Profiles *behavior.ProfileBuilder
	Scorer   *behavior.AnomalyScorer
	Analyzer *threat.Analyzer
	Devices  *device.Registry
	Policy   *decision.Policy
	Metrics  *monitoring.Metrics
	Logger   logger.Logger
	// Tracer defaults to the global provider's "authrisk/engine" tracer.
	Tracer trace.Tracer
}

// Engine 风险引擎门面
type Engine struct {
	limiter  *ratelimit.Limiter
	profiles *behavior.ProfileBuilder
	scorer   *behavior.AnomalyScorer
	analyzer *threat.Analyzer
	devices  *device.Registry
	policy   *decision.Policy
	metrics  *monitoring.Metrics
	log      logger.Logger
	tracer   trace.Tracer
}

// New assembles an engine from explicit dependencies
func New(deps Dependencies) (*Engine, error) {
	missing := []string{}
	if deps.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if deps.Profiles == nil {
		missing = append(missing, "profiles")
	}
	if deps.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if deps.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if deps.Devices == nil {
		missing = append(missing, "devices")
	}
	if deps.Policy == nil {
		missing = append(missing, "policy")
	}
	if len(missing) > 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInternal,
			"engine dependencies missing", strings.Join(missing, ", "), nil)
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Engine{
		limiter:  deps.Limiter,
		profiles: deps.Profiles,
		scorer:   deps.Scorer,
		analyzer: deps.Analyzer,
		devices:  deps.Devices,
		policy:   deps.Policy,
		metrics:  deps.Metrics,
		log:      log.WithField("component", "engine"),
		tracer:   tracer,
	}, nil
}

// RateLimiter exposes the shared limiter
func (e *Engine) RateLimiter() *ratelimit.Limiter { return e.limiter }

// Devices exposes the trusted-device registry
func (e *Engine) Devices() *device.Registry { return e.devices }

// Policy exposes the decision policy, e.g. for threshold reloads
func (e *Engine) Policy() *decision.Policy { return e.policy }

// RecordBehavior stores a sample for subjectID and invalidates the cached profile
func (e *Engine) RecordBehavior(ctx context.Context, subjectID string, sample behavior.Sample) (err error) {
	ctx, span := e.start(ctx, "engine.RecordBehavior", subjectID, attribute.String("behavior.type", sample.Type))
	defer func() { end(span, err) }()

	if sample.SubjectID != "" && sample.SubjectID != subjectID {
		return apperrors.NewValidationError("subject_id", "sample belongs to a different subject")
	}
	sample.SubjectID = subjectID
	return e.profiles.Record(ctx, sample)
}

// AnalyzeBehavior scores current against the subject's baseline and decides on it
func (e *Engine) AnalyzeBehavior(ctx context.Context, subjectID string, current map[string]map[string]interface{}) (_ *BehaviorVerdict, err error) {
	ctx, span := e.start(ctx, "engine.AnalyzeBehavior", subjectID)
	defer func() { end(span, err) }()

	if strings.TrimSpace(subjectID) == "" {
		return nil, apperrors.NewValidationError("subject_id", "subject is required")
	}
	if len(current) == 0 {
		return nil, apperrors.NewValidationError("current", "at least one behavior type is required")
	}

	res, err := e.scorer.Analyze(ctx, subjectID, current)
	if err != nil {
		e.metrics.RecordAnalysis("behavior", "error", 0)
		e.log.WithContext(ctx).Error("Behavior analysis failed", "subject_id", subjectID, "error", err)
		return nil, err
	}

	d := e.policy.DecideBehavior(ctx, subjectID, res)
	span.SetAttributes(
		attribute.Float64("risk.score", res.RiskScore),
		attribute.String("risk.outcome", string(d.Outcome)),
		attribute.Bool("risk.insufficient_data", res.InsufficientData),
	)
	return &BehaviorVerdict{Result: res, Decision: d}, nil
}

// AnalyzeLoginAttempt assesses a login before it is completed
func (e *Engine) AnalyzeLoginAttempt(ctx context.Context, event threat.LoginEvent) (_ *LoginVerdict, err error) {
	ctx, span := e.start(ctx, "engine.AnalyzeLoginAttempt", event.SubjectID, attribute.String("net.peer.ip", event.IP))
	defer func() { end(span, err) }()

	a, err := e.analyzer.Analyze(ctx, event)
	if err != nil {
		e.metrics.RecordAnalysis("login", "error", 0)
		e.log.WithContext(ctx).Error("Login analysis failed", "subject_id", event.SubjectID, "ip", event.IP, "error", err)
		return nil, err
	}

	d := e.policy.DecideLogin(ctx, a)
	span.SetAttributes(
		attribute.Int("risk.score", a.RiskScore),
		attribute.String("risk.level", string(a.RiskLevel)),
		attribute.String("risk.outcome", string(d.Outcome)),
	)
	return &LoginVerdict{Assessment: a, Decision: d}, nil
}

// RecordLoginAttempt stores a completed attempt. A success clears the
// subject's login rate-limit counter.
func (e *Engine) RecordLoginAttempt(ctx context.Context, attempt threat.LoginAttempt) (err error) {
	ctx, span := e.start(ctx, "engine.RecordLoginAttempt", attempt.SubjectID, attribute.Bool("login.success", attempt.Success))
	defer func() { end(span, err) }()

	if err := e.analyzer.RecordAttempt(ctx, attempt); err != nil {
		return err
	}

	if attempt.Success {
		identity := attempt.SubjectID
		if identity == "" {
			identity = attempt.Identifier
		}
		if identity != "" {
			if err := e.limiter.Reset(ctx, e.limiter.UserKey(identity, ActionLogin)); err != nil {
				e.log.WithContext(ctx).Warn("Failed to reset login counter", "subject_id", identity, "error", err)
			}
		}
	}
	return nil
}

// RecordPasswordChange stores a password change for the takeover check
func (e *Engine) RecordPasswordChange(ctx context.Context, subjectID, ip string) (err error) {
	ctx, span := e.start(ctx, "engine.RecordPasswordChange", subjectID)
	defer func() { end(span, err) }()

	return e.analyzer.RecordPasswordChange(ctx, subjectID, ip)
}

func (e *Engine) start(ctx context.Context, name, subjectID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if subjectID != "" {
		attrs = append(attrs, attribute.String("subject.id", subjectID))
	}
	ctx, span := e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = context.WithValue(ctx, logger.ContextKeyTraceID, sc.TraceID().String())
	}
	return ctx, span
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
