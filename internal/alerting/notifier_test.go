package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "authrisk/internal/errors"
)

func newTestNotifier(t *testing.T, cfg NotifierConfig) (*Notifier, *recordingChannel, *recordingChannel) {
	t.Helper()
	am := NewAlertManager(fastConfig(), nil, nil)
	subject := newRecordingChannel("webhook")
	admin := newRecordingChannel("stream")
	am.RegisterChannel(subject)
	am.RegisterChannel(admin)
	if cfg.SubjectChannels == nil {
		cfg.SubjectChannels = []string{"webhook"}
	}
	if cfg.AdminChannels == nil {
		cfg.AdminChannels = []string{"stream"}
	}
	return NewNotifier(am, cfg, nil, nil), subject, admin
}

func TestNotifierRoutesByAudience(t *testing.T) {
	n, subject, admin := newTestNotifier(t, NotifierConfig{})
	ctx := context.Background()

	require.NoError(t, n.SendToSubject(ctx, "u1", "New sign-in", "from a new device", "medium", map[string]interface{}{"ip": "203.0.113.1"}))
	require.NoError(t, n.SendToAdmins(ctx, "High risk login", "u1 scored 85", "critical", nil))

	got := subject.received()
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].Recipient)
	assert.Equal(t, AlertLevelWarning, got[0].Level)
	assert.Equal(t, "203.0.113.1", got[0].Metadata["ip"])

	got = admin.received()
	require.Len(t, got, 1)
	assert.Equal(t, RecipientAdmins, got[0].Recipient)
	assert.Equal(t, AlertLevelCritical, got[0].Level)

	err := n.SendToSubject(ctx, "", "t", "m", "low", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestNotifierThrottle(t *testing.T) {
	n, subject, _ := newTestNotifier(t, NotifierConfig{ThrottlePerMinute: 1, ThrottleBurst: 2})
	ctx := context.Background()

	require.NoError(t, n.SendToSubject(ctx, "u1", "t", "m", "high", nil))
	require.NoError(t, n.SendToSubject(ctx, "u1", "t", "m", "high", nil))
	err := n.SendToSubject(ctx, "u1", "t", "m", "high", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlertDispatch))

	require.NoError(t, n.SendToSubject(ctx, "u2", "t", "m", "high", nil), "throttle is per recipient")
	assert.Len(t, subject.received(), 3)

	stats := n.ThrottleStats()
	assert.Equal(t, int64(2), stats["u1"].Allowed)
	assert.Equal(t, int64(1), stats["u1"].Limited)
}

func TestNotifierAsync(t *testing.T) {
	am := NewAlertManager(fastConfig(), nil, nil)
	ch := newRecordingChannel("webhook")
	am.RegisterChannel(ch)
	am.Start()
	defer am.Stop()

	n := NewNotifier(am, NotifierConfig{SubjectChannels: []string{"webhook"}, Async: true}, nil, nil)
	require.NoError(t, n.SendToSubject(context.Background(), "u1", "t", "m", "low", nil))

	assert.Eventually(t, func() bool { return len(ch.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotifierWithoutChannelsFails(t *testing.T) {
	n, _, _ := newTestNotifier(t, NotifierConfig{SubjectChannels: []string{}})

	err := n.SendToSubject(context.Background(), "u1", "t", "m", "high", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlertDispatch))

	am := NewAlertManager(fastConfig(), nil, nil)
	async := NewNotifier(am, NotifierConfig{Async: true}, nil, nil)
	err = async.SendToAdmins(context.Background(), "t", "m", "critical", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlertDispatch))
}

func TestThrottleDisabled(t *testing.T) {
	var th *Throttle = NewThrottle(0, 0)
	assert.Nil(t, th)
	for i := 0; i < 100; i++ {
		assert.True(t, th.Allow("u1"))
	}
	assert.Nil(t, th.Stats())
}
