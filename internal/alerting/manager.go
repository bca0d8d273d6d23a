// Package alerting delivers security alerts to subjects and administrators
// over pluggable channels with queueing, retries and per-recipient throttling.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
)

// AlertConfig represents alert configuration
type AlertConfig struct {
	DefaultChannels []string
	QueueSize       int
	RetryCount      int
	RetryInterval   time.Duration
	Timeout         time.Duration
}

// DefaultAlertConfig returns the manager defaults
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		QueueSize:     100,
		RetryCount:    3,
		RetryInterval: 2 * time.Second,
		Timeout:       10 * time.Second,
	}
}

// AlertManager manages alert channels and notifications
type AlertManager struct {
	config  AlertConfig
	metrics *monitoring.Metrics
	log     logger.Logger

	channels map[string]AlertChannel
	mu       sync.RWMutex

	alertCh  chan *Alert
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewAlertManager creates a new alert manager
func NewAlertManager(config AlertConfig, metrics *monitoring.Metrics, log logger.Logger) *AlertManager {
	d := DefaultAlertConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = d.RetryInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &AlertManager{
		config:   config,
		metrics:  metrics,
		log:      log.WithField("component", "alert_manager"),
		channels: make(map[string]AlertChannel),
		alertCh:  make(chan *Alert, config.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the alert worker
func (am *AlertManager) Start() {
	am.mu.Lock()
	defer am.mu.Unlock()
	if am.started {
		return
	}
	am.started = true
	am.wg.Add(1)
	go am.alertWorker()
}

// Stop delivers what is already queued, then stops the worker
func (am *AlertManager) Stop() {
	am.stopOnce.Do(func() {
		close(am.stopCh)
	})
	am.wg.Wait()
}

// RegisterChannel registers an alert channel
func (am *AlertManager) RegisterChannel(channel AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels[channel.GetName()] = channel
}

// Channels lists registered channel names
func (am *AlertManager) Channels() []string {
	am.mu.RLock()
	defer am.mu.RUnlock()
	names := make([]string, 0, len(am.channels))
	for name := range am.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enqueue queues an alert for the worker. A full queue drops the alert.
func (am *AlertManager) Enqueue(ctx context.Context, alert *Alert) error {
	am.prepare(alert)
	if !am.routable(alert.Channels) {
		return am.unroutable(alert)
	}

	select {
	case am.alertCh <- alert:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		am.metrics.RecordAlert("dropped")
		return apperrors.NewAppError(apperrors.ErrCodeAlertQueue, "alert queue is full", nil).
			WithContext("alert_id", alert.ID)
	}
}

func (am *AlertManager) prepare(alert *Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if len(alert.Channels) == 0 {
		alert.Channels = am.config.DefaultChannels
	}
}

// alertWorker processes alerts
func (am *AlertManager) alertWorker() {
	defer am.wg.Done()
	for {
		select {
		case <-am.stopCh:
			for {
				select {
				case alert := <-am.alertCh:
					am.Deliver(context.Background(), alert)
				default:
					return
				}
			}
		case alert := <-am.alertCh:
			am.Deliver(context.Background(), alert)
		}
	}
}

// Deliver sends alert on each of its channels, retrying each channel independently.
// The returned error joins the failures of all channels.
func (am *AlertManager) Deliver(ctx context.Context, alert *Alert) error {
	am.prepare(alert)

	var errs []error
	sent := 0
	for _, channelName := range alert.Channels {
		am.mu.RLock()
		channel, exists := am.channels[channelName]
		am.mu.RUnlock()

		if !exists {
			am.log.Warn("Alert channel not found", "channel", channelName, "alert_id", alert.ID)
			continue
		}
		if !channel.IsEnabled() {
			continue
		}

		if err := am.sendWithRetry(ctx, channel, alert); err != nil {
			am.metrics.RecordAlert("failed")
			am.log.Error("Failed to send alert", "channel", channelName, "alert_id", alert.ID,
				"retries", am.config.RetryCount, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", channelName, err))
			continue
		}
		am.metrics.RecordAlert("sent")
		sent++
	}

	if len(errs) > 0 {
		return apperrors.NewAppError(apperrors.ErrCodeAlertDispatch, "alert delivery failed", errors.Join(errs...)).
			WithContext("alert_id", alert.ID)
	}
	if sent == 0 {
		return am.unroutable(alert)
	}
	return nil
}

// routable 至少有一个已注册且启用的渠道
func (am *AlertManager) routable(names []string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	for _, name := range names {
		if channel, ok := am.channels[name]; ok && channel.IsEnabled() {
			return true
		}
	}
	return false
}

func (am *AlertManager) unroutable(alert *Alert) error {
	am.metrics.RecordAlert("unroutable")
	am.log.Warn("No enabled channel for alert", "alert_id", alert.ID, "channels", alert.Channels)
	return apperrors.NewAppError(apperrors.ErrCodeAlertDispatch, "no enabled channel for alert", nil).
		WithContext("alert_id", alert.ID)
}

func (am *AlertManager) sendWithRetry(ctx context.Context, channel AlertChannel, alert *Alert) error {
	var err error
	for i := 0; i <= am.config.RetryCount; i++ {
		sendCtx, cancel := context.WithTimeout(ctx, am.config.Timeout)
		err = channel.Send(sendCtx, alert)
		cancel()
		if err == nil {
			return nil
		}
		alert.RetryCount = i + 1

		if i < am.config.RetryCount {
			timer := time.NewTimer(am.config.RetryInterval)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return err
}
