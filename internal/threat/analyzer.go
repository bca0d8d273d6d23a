package threat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/location"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
	"authrisk/internal/store"
)

// DeviceTrust answers whether a fingerprint is trusted for a subject
type DeviceTrust interface {
	IsDeviceTrusted(ctx context.Context, subjectID, fingerprint string) (bool, error)
}

// Locator resolves IPs to coordinates and hosting providers
type Locator interface {
	Locate(ip string) (*location.Point, error)
	IsDataCenter(ip string) (bool, error)
}

// Config 威胁分析配置
type Config struct {
	Weights              map[Kind]int
	BruteForceThreshold  int // 同一身份+IP 的失败次数阈值
	BruteForceWindow     time.Duration
	SuspiciousIPFailures int // 单 IP 失败次数，可疑 IP
	TakeoverIPFailures   int // 单 IP 失败次数，账户接管
	IPFailureWindow      time.Duration
	VPNRanges            []string
	PatternLookback      time.Duration
	MaxDailyLogins       int
	PasswordChangeWindow time.Duration
	MaxDistanceKm        float64
	RapidLoginInterval   time.Duration
	DormancyPeriod       time.Duration
	HistoryLimit         int // 读取的历史成功登录上限
}

// DefaultConfig returns the documented thresholds
func DefaultConfig() Config {
	weights := make(map[Kind]int, len(DefaultWeights))
	for k, v := range DefaultWeights {
		weights[k] = v
	}
	return Config{
		Weights:              weights,
		BruteForceThreshold:  5,
		BruteForceWindow:     15 * time.Minute,
		SuspiciousIPFailures: 10,
		TakeoverIPFailures:   20,
		IPFailureWindow:      time.Hour,
		PatternLookback:      30 * 24 * time.Hour,
		MaxDailyLogins:       10,
		PasswordChangeWindow: 24 * time.Hour,
		MaxDistanceKm:        500,
		RapidLoginInterval:   30 * time.Second,
		DormancyPeriod:       90 * 24 * time.Hour,
		HistoryLimit:         200,
	}
}

// reservedRanges are never expected as a public client address
var reservedRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets, err := parseCIDRs(cidrs)
	if err != nil {
		panic(err)
	}
	return nets
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("无效的CIDR格式: %s", c)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// Analyzer 登录威胁分析器
type Analyzer struct {
	store    store.Store
	devices  DeviceTrust
	locator  Locator
	config   Config
	vpnNets  []*net.IPNet
	metrics  *monitoring.Metrics
	log      logger.Logger
	security *logger.SecurityLogger
	now      func() time.Time
}

// NewAnalyzer creates an analyzer. devices and locator may be nil; the
// corresponding checks then rely on the event alone.
func NewAnalyzer(st store.Store, devices DeviceTrust, locator Locator, cfg Config, metrics *monitoring.Metrics, log logger.Logger) (*Analyzer, error) {
	vpnNets, err := parseCIDRs(cfg.VPNRanges)
	if err != nil {
		return nil, apperrors.NewValidationError("vpn_ranges", err.Error())
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultConfig().Weights
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.WithField("component", "threat_analyzer")

	return &Analyzer{
		store:    st,
		devices:  devices,
		locator:  locator,
		config:   cfg,
		vpnNets:  vpnNets,
		metrics:  metrics,
		log:      log,
		security: logger.NewSecurityLogger(log),
		now:      time.Now,
	}, nil
}

// historyKey is the identity login history is filed under
func historyKey(subjectID, identifier string) string {
	if subjectID != "" {
		return subjectID
	}
	return strings.ToLower(strings.TrimSpace(identifier))
}

// loginContext carries what the individual checks share
type loginContext struct {
	event     LoginEvent
	subject   string
	ip        net.IP
	successes []store.Record // within PatternLookback, newest first
}

// Analyze runs every check against event and persists a security event per finding.
// Store read failures abort with CollaboratorUnavailable.
func (a *Analyzer) Analyze(ctx context.Context, event LoginEvent) (*Assessment, error) {
	subject := historyKey(event.SubjectID, event.Identifier)
	if subject == "" {
		return nil, apperrors.NewValidationError("subject_id", "subject or identifier is required")
	}
	ip := net.ParseIP(strings.TrimSpace(event.IP))
	if ip == nil {
		return nil, apperrors.NewValidationError("ip", fmt.Sprintf("invalid IP address %q", event.IP))
	}
	if event.At.IsZero() {
		event.At = a.now()
	}

	successes, err := a.store.Query(ctx, store.Filter{
		Kind:      store.KindLoginAttempt,
		SubjectID: subject,
		Type:      AttemptSuccess,
		Since:     event.At.Add(-a.config.PatternLookback),
		Until:     event.At,
		Limit:     a.config.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	lc := &loginContext{event: event, subject: subject, ip: ip, successes: successes}

	checks := []struct {
		kind Kind
		fn   func(context.Context, *loginContext) (string, error)
	}{
		{BruteForce, a.checkBruteForce},
		{SuspiciousIP, a.checkSuspiciousIP},
		{UnusualPattern, a.checkUnusualPattern},
		{AccountTakeover, a.checkAccountTakeover},
		{GeographicAnomaly, a.checkGeographic},
		{DeviceAnomaly, a.checkDevice},
		{TimeAnomaly, a.checkTime},
	}

	assessment := &Assessment{
		SubjectID:  subject,
		IP:         ip.String(),
		Threats:    []Kind{},
		Findings:   []Finding{},
		AssessedAt: event.At,
	}
	total := 0
	for _, check := range checks {
		reason, err := check.fn(ctx, lc)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			continue
		}
		weight := a.config.Weights[check.kind]
		assessment.Threats = append(assessment.Threats, check.kind)
		assessment.Findings = append(assessment.Findings, Finding{
			Kind:     check.kind,
			Weight:   weight,
			Severity: SeverityFor(weight),
			Reason:   reason,
		})
		total += weight
	}

	assessment.RiskScore = clampScore(total)
	assessment.RiskLevel = LevelFor(assessment.RiskScore)
	assessment.Recommendations = Recommend(assessment.Threats)

	a.persistFindings(ctx, event, assessment)
	return assessment, nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// persistFindings writes one security event per finding. Failures are logged only.
func (a *Analyzer) persistFindings(ctx context.Context, event LoginEvent, assessment *Assessment) {
	for _, f := range assessment.Findings {
		details := map[string]interface{}{
			"reason":     f.Reason,
			"weight":     f.Weight,
			"risk_score": assessment.RiskScore,
			"user_agent": event.UserAgent,
		}
		rec := &store.Record{
			Kind:      store.KindSecurityEvent,
			SubjectID: assessment.SubjectID,
			IP:        assessment.IP,
			Type:      string(f.Kind),
			Severity:  f.Severity,
			Data:      details,
			CreatedAt: assessment.AssessedAt,
		}
		if err := a.store.Insert(ctx, rec); err != nil {
			a.log.Error("Failed to persist security event", "kind", f.Kind, "subject_id", assessment.SubjectID, "error", err)
			continue
		}
		a.metrics.RecordSecurityEvent(string(f.Kind), f.Severity)
		a.security.LogSecurity(string(f.Kind), assessment.SubjectID, assessment.IP, f.Severity, details)
	}
}

func (a *Analyzer) countFailures(ctx context.Context, subject, ip string, since time.Time, until time.Time) (int, error) {
	return a.store.Count(ctx, store.Filter{
		Kind:      store.KindLoginAttempt,
		SubjectID: subject,
		IP:        ip,
		Type:      AttemptFailure,
		Since:     since,
		Until:     until,
	})
}

// checkBruteForce: failed attempts for this identity from this IP
func (a *Analyzer) checkBruteForce(ctx context.Context, lc *loginContext) (string, error) {
	n, err := a.countFailures(ctx, lc.subject, lc.ip.String(), lc.event.At.Add(-a.config.BruteForceWindow), lc.event.At.Add(time.Millisecond))
	if err != nil {
		return "", err
	}
	if n >= a.config.BruteForceThreshold {
		return fmt.Sprintf("%d failed attempts from %s within %s", n, lc.ip, a.config.BruteForceWindow), nil
	}
	return "", nil
}

// checkSuspiciousIP: reserved or VPN ranges, hosting providers, or a noisy IP
func (a *Analyzer) checkSuspiciousIP(ctx context.Context, lc *loginContext) (string, error) {
	for _, n := range reservedRanges {
		if n.Contains(lc.ip) {
			return fmt.Sprintf("address in reserved range %s", n), nil
		}
	}
	for _, n := range a.vpnNets {
		if n.Contains(lc.ip) {
			return fmt.Sprintf("address in VPN range %s", n), nil
		}
	}
	if a.locator != nil {
		dc, err := a.locator.IsDataCenter(lc.ip.String())
		if err != nil {
			a.log.Warn("ASN lookup failed", "ip", lc.ip.String(), "error", err)
		} else if dc {
			return "address belongs to a hosting provider", nil
		}
	}

	n, err := a.countFailures(ctx, "", lc.ip.String(), lc.event.At.Add(-a.config.IPFailureWindow), lc.event.At.Add(time.Millisecond))
	if err != nil {
		return "", err
	}
	if n >= a.config.SuspiciousIPFailures {
		return fmt.Sprintf("%d failed attempts from this IP within %s", n, a.config.IPFailureWindow), nil
	}
	return "", nil
}

// checkUnusualPattern: new hour of day, or too many logins in 24h
func (a *Analyzer) checkUnusualPattern(ctx context.Context, lc *loginContext) (string, error) {
	if len(lc.successes) > 0 {
		hours := make(map[int]bool, 24)
		for _, rec := range lc.successes {
			hours[rec.CreatedAt.UTC().Hour()] = true
		}
		if hour := lc.event.At.UTC().Hour(); !hours[hour] {
			return fmt.Sprintf("no previous sign-in at %02d:00 UTC", hour), nil
		}
	}

	daily := 0
	dayAgo := lc.event.At.Add(-24 * time.Hour)
	for _, rec := range lc.successes {
		if !rec.CreatedAt.Before(dayAgo) {
			daily++
		}
	}
	if daily > a.config.MaxDailyLogins {
		return fmt.Sprintf("%d sign-ins in the last 24h", daily), nil
	}
	return "", nil
}

// checkAccountTakeover: recent password change, or a heavily failing IP
func (a *Analyzer) checkAccountTakeover(ctx context.Context, lc *loginContext) (string, error) {
	changes, err := a.store.Count(ctx, store.Filter{
		Kind:      store.KindSecurityEvent,
		SubjectID: lc.subject,
		Type:      EventPasswordChanged,
		Since:     lc.event.At.Add(-a.config.PasswordChangeWindow),
		Until:     lc.event.At.Add(time.Millisecond),
	})
	if err != nil {
		return "", err
	}
	if changes > 0 {
		return fmt.Sprintf("password changed within %s", a.config.PasswordChangeWindow), nil
	}

	n, err := a.countFailures(ctx, "", lc.ip.String(), lc.event.At.Add(-a.config.IPFailureWindow), lc.event.At.Add(time.Millisecond))
	if err != nil {
		return "", err
	}
	if n >= a.config.TakeoverIPFailures {
		return fmt.Sprintf("%d failed attempts from this IP within %s", n, a.config.IPFailureWindow), nil
	}
	return "", nil
}

// checkGeographic: outside the geofence of every known sign-in location
func (a *Analyzer) checkGeographic(ctx context.Context, lc *loginContext) (string, error) {
	current := lc.event.Location
	if current == nil && a.locator != nil {
		p, err := a.locator.Locate(lc.ip.String())
		if err != nil {
			a.log.Warn("GeoIP lookup failed", "ip", lc.ip.String(), "error", err)
		}
		current = p
	}
	if current == nil || !current.Valid() {
		return "", nil
	}

	known := knownLocations(lc.successes)
	if len(known) == 0 {
		return "", nil
	}
	if location.WithinAny(*current, known, a.config.MaxDistanceKm) {
		return "", nil
	}
	return fmt.Sprintf("more than %.0f km from every known location", a.config.MaxDistanceKm), nil
}

func knownLocations(records []store.Record) []location.Point {
	var points []location.Point
	for _, rec := range records {
		lat, okLat := rec.Data["lat"].(float64)
		lon, okLon := rec.Data["lon"].(float64)
		if okLat && okLon {
			points = append(points, location.Point{Lat: lat, Lon: lon})
		}
	}
	return points
}

// checkDevice: missing or untrusted fingerprint. A failed lookup counts as untrusted.
func (a *Analyzer) checkDevice(ctx context.Context, lc *loginContext) (string, error) {
	fp := strings.TrimSpace(lc.event.DeviceFingerprint)
	if fp == "" {
		return "no device fingerprint", nil
	}
	if a.devices == nil {
		return "", nil
	}
	trusted, err := a.devices.IsDeviceTrusted(ctx, lc.subject, fp)
	if err != nil {
		a.log.Warn("Device lookup failed, treating as untrusted", "subject_id", lc.subject, "error", err)
		return "device trust could not be verified", nil
	}
	if !trusted {
		return "device is not trusted", nil
	}
	return "", nil
}

// checkTime: rapid successive sign-ins, or activity after a long dormancy
func (a *Analyzer) checkTime(ctx context.Context, lc *loginContext) (string, error) {
	var last time.Time
	if len(lc.successes) > 0 {
		last = lc.successes[0].CreatedAt
	} else {
		// dormancy reaches past the pattern lookback
		prev, err := a.store.Query(ctx, store.Filter{
			Kind:      store.KindLoginAttempt,
			SubjectID: lc.subject,
			Type:      AttemptSuccess,
			Until:     lc.event.At,
			Limit:     1,
		})
		if err != nil {
			return "", err
		}
		if len(prev) == 0 {
			return "", nil
		}
		last = prev[0].CreatedAt
	}

	gap := lc.event.At.Sub(last)
	switch {
	case gap < a.config.RapidLoginInterval:
		return fmt.Sprintf("previous sign-in %s ago", gap.Round(time.Second)), nil
	case gap > a.config.DormancyPeriod:
		return fmt.Sprintf("first sign-in after %d days", int(gap.Hours()/24)), nil
	}
	return "", nil
}

// RecordAttempt stores a completed login for later checks
func (a *Analyzer) RecordAttempt(ctx context.Context, attempt LoginAttempt) error {
	subject := historyKey(attempt.SubjectID, attempt.Identifier)
	if subject == "" {
		return apperrors.NewValidationError("subject_id", "subject or identifier is required")
	}
	ip := net.ParseIP(strings.TrimSpace(attempt.IP))
	if ip == nil {
		return apperrors.NewValidationError("ip", fmt.Sprintf("invalid IP address %q", attempt.IP))
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = a.now()
	}

	outcome := AttemptFailure
	if attempt.Success {
		outcome = AttemptSuccess
	}
	data := map[string]interface{}{
		"user_agent":      attempt.UserAgent,
		"has_fingerprint": attempt.DeviceFingerprint != "",
	}
	if attempt.Location != nil && attempt.Location.Valid() {
		data["lat"] = attempt.Location.Lat
		data["lon"] = attempt.Location.Lon
	} else if a.locator != nil && attempt.Success {
		if p, err := a.locator.Locate(ip.String()); err == nil && p != nil {
			data["lat"] = p.Lat
			data["lon"] = p.Lon
		}
	}

	return a.store.Insert(ctx, &store.Record{
		Kind:      store.KindLoginAttempt,
		SubjectID: subject,
		IP:        ip.String(),
		Type:      outcome,
		Data:      data,
		CreatedAt: attempt.Timestamp,
	})
}

// RecordPasswordChange stores the event the account-takeover check looks for
func (a *Analyzer) RecordPasswordChange(ctx context.Context, subjectID, ip string) error {
	if strings.TrimSpace(subjectID) == "" {
		return apperrors.NewValidationError("subject_id", "subject is required")
	}
	rec := &store.Record{
		Kind:      store.KindSecurityEvent,
		SubjectID: subjectID,
		IP:        ip,
		Type:      EventPasswordChanged,
		Severity:  "medium",
		Data:      map[string]interface{}{},
		CreatedAt: a.now(),
	}
	if err := a.store.Insert(ctx, rec); err != nil {
		return err
	}
	a.metrics.RecordSecurityEvent(EventPasswordChanged, "medium")
	return nil
}
