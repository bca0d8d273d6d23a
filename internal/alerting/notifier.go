package alerting

import (
	"context"
	"strings"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
)

// NotifierConfig selects channels per audience and the per-recipient throttle
type NotifierConfig struct {
	SubjectChannels   []string
	AdminChannels     []string
	ThrottlePerMinute float64
	ThrottleBurst     int
	// Async queues alerts instead of delivering them in the caller's goroutine.
	Async bool
}

// Notifier addresses alerts to a subject or to the administrators
type Notifier struct {
	manager  *AlertManager
	config   NotifierConfig
	throttle *Throttle
	metrics  *monitoring.Metrics
	log      logger.Logger
}

// NewNotifier creates a notifier on top of manager
func NewNotifier(manager *AlertManager, cfg NotifierConfig, metrics *monitoring.Metrics, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Notifier{
		manager:  manager,
		config:   cfg,
		throttle: NewThrottle(cfg.ThrottlePerMinute, cfg.ThrottleBurst),
		metrics:  metrics,
		log:      log.WithField("component", "notifier"),
	}
}

// SendToSubject alerts the subject the event concerns
func (n *Notifier) SendToSubject(ctx context.Context, subjectID, title, message, severity string, data map[string]interface{}) error {
	if strings.TrimSpace(subjectID) == "" {
		return apperrors.NewValidationError("subject_id", "subject is required")
	}
	return n.dispatch(ctx, subjectID, n.config.SubjectChannels, title, message, severity, data)
}

// SendToAdmins alerts the administrators
func (n *Notifier) SendToAdmins(ctx context.Context, title, message, severity string, data map[string]interface{}) error {
	return n.dispatch(ctx, RecipientAdmins, n.config.AdminChannels, title, message, severity, data)
}

func (n *Notifier) dispatch(ctx context.Context, recipient string, channels []string, title, message, severity string, data map[string]interface{}) error {
	if !n.throttle.Allow(recipient) {
		n.metrics.RecordAlert("throttled")
		n.log.Debug("Alert throttled", "recipient", recipient, "title", title)
		return apperrors.NewAppError(apperrors.ErrCodeAlertDispatch, "alert throttled", nil).
			WithContext("recipient", recipient)
	}

	alert := &Alert{
		Level:     LevelForSeverity(severity),
		Title:     title,
		Message:   message,
		Source:    "authrisk",
		Recipient: recipient,
		Channels:  channels,
		Metadata:  data,
	}

	if n.config.Async {
		return n.manager.Enqueue(ctx, alert)
	}
	return n.manager.Deliver(ctx, alert)
}

// ThrottleStats exposes per-recipient throttle counters
func (n *Notifier) ThrottleStats() map[string]ThrottleStats {
	return n.throttle.Stats()
}
