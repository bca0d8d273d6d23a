package engine

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"authrisk/internal/behavior"
	"authrisk/internal/cache"
	"authrisk/internal/config"
	"authrisk/internal/decision"
	"authrisk/internal/device"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
	"authrisk/internal/ratelimit"
	"authrisk/internal/store"
	"authrisk/internal/threat"
)

// Options carries the runtime collaborators that NewFromConfig does not build itself
type Options struct {
	// Locator resolves IPs; nil disables GeoIP-based checks.
	Locator  threat.Locator
	Notifier decision.Notifier
	Metrics  *monitoring.Metrics
	Logger   logger.Logger
	Tracer   trace.Tracer
}

// NewFromConfig builds every component from cfg over the given store and cache
func NewFromConfig(cfg *config.Config, st store.Store, c cache.Cache, opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	limiter := ratelimit.New(c, RateLimitConfig(cfg), opts.Metrics, log)

	behaviorCfg := BehaviorConfig(cfg)
	profiles := behavior.NewProfileBuilder(st, c, behaviorCfg, log)
	scorer := behavior.NewAnomalyScorer(profiles, behaviorCfg, log)

	devices, err := device.NewRegistry(st, cfg.Risk.Device.HashKey, log)
	if err != nil {
		return nil, err
	}

	analyzer, err := threat.NewAnalyzer(st, devices, opts.Locator, ThreatConfig(cfg), opts.Metrics, log)
	if err != nil {
		return nil, err
	}

	policy := decision.NewPolicy(st, opts.Notifier, DecisionConfig(cfg), opts.Metrics, log)

	return New(Dependencies{
		Limiter:  limiter,
		Profiles: profiles,
		Scorer:   scorer,
		Analyzer: analyzer,
		Devices:  devices,
		Policy:   policy,
		Metrics:  opts.Metrics,
		Logger:   log,
		Tracer:   opts.Tracer,
	})
}

// RateLimitConfig maps the rate_limit section
func RateLimitConfig(cfg *config.Config) ratelimit.Config {
	rc := ratelimit.DefaultConfig()
	rc.MaxAttempts = cfg.Risk.RateLimit.MaxAttempts
	rc.Window = time.Duration(cfg.Risk.RateLimit.DecaySeconds) * time.Second
	rc.HashKeys = cfg.Risk.RateLimit.HashKeys
	return rc
}

// BehaviorConfig maps the behavior section
func BehaviorConfig(cfg *config.Config) behavior.Config {
	b := cfg.Risk.Behavior
	return behavior.Config{
		MinSamples:       b.MinSamples,
		LearningPeriod:   time.Duration(b.LearningPeriodDays) * 24 * time.Hour,
		MaxSamples:       b.MaxSamples,
		ProfileTTL:       b.ProfileTTL,
		AnomalyThreshold: b.AnomalyThreshold,
		FailOpen:         b.FailOpen,
	}
}

// ThreatConfig maps the threat section over the defaults; zero values keep the default
func ThreatConfig(cfg *config.Config) threat.Config {
	t := cfg.Risk.Threat
	tc := threat.DefaultConfig()
	for kind, weight := range t.Weights {
		tc.Weights[threat.Kind(kind)] = weight
	}
	setInt(&tc.BruteForceThreshold, t.BruteForceThreshold)
	setDuration(&tc.BruteForceWindow, t.BruteForceWindow)
	setInt(&tc.SuspiciousIPFailures, t.SuspiciousIPFailures)
	setInt(&tc.TakeoverIPFailures, t.TakeoverIPFailures)
	setDuration(&tc.IPFailureWindow, t.IPFailureWindow)
	tc.VPNRanges = t.VPNRanges
	if t.PatternLookbackDays > 0 {
		tc.PatternLookback = time.Duration(t.PatternLookbackDays) * 24 * time.Hour
	}
	setInt(&tc.MaxDailyLogins, t.MaxDailyLogins)
	setDuration(&tc.PasswordChangeWindow, t.PasswordChangeWindow)
	if t.MaxDistanceKm > 0 {
		tc.MaxDistanceKm = t.MaxDistanceKm
	}
	setDuration(&tc.RapidLoginInterval, t.RapidLoginInterval)
	setDuration(&tc.DormancyPeriod, t.DormancyPeriod)
	setInt(&tc.HistoryLimit, t.HistoryLimit)
	return tc
}

// DecisionConfig maps the decision section. Alerts fire above the behavior anomaly threshold.
func DecisionConfig(cfg *config.Config) decision.Config {
	return decision.Config{
		ChallengeThreshold: cfg.Risk.Decision.ChallengeThreshold,
		BlockThreshold:     cfg.Risk.Decision.BlockThreshold,
		AlertThreshold:     cfg.Risk.Behavior.AnomalyThreshold,
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
