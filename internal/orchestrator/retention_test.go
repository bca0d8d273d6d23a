package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/monitoring"
	"authrisk/internal/store"
)

func seed(t *testing.T, st store.Store, kind store.Kind, at time.Time) {
	t.Helper()
	require.NoError(t, st.Insert(context.Background(), &store.Record{Kind: kind, SubjectID: "u1", CreatedAt: at}))
}

func TestRetentionJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()

	for _, kind := range store.RetainedKinds {
		seed(t, st, kind, now.AddDate(0, 0, -91))
		seed(t, st, kind, now.AddDate(0, 0, -89))
	}
	seed(t, st, store.KindTrustedDevice, now.AddDate(-2, 0, 0))

	reg := prometheus.NewRegistry()
	job, err := NewRetentionJob(st, 90, monitoring.NewMetrics(reg), nil)
	require.NoError(t, err)
	job.now = func() time.Time { return now }

	deleted, err := job.Run(ctx)
	require.NoError(t, err)
	for _, kind := range store.RetainedKinds {
		assert.Equal(t, int64(1), deleted[kind], "kind %s", kind)
		n, err := st.Count(ctx, store.Filter{Kind: kind})
		require.NoError(t, err)
		assert.Equal(t, 1, n, "recent %s kept", kind)
	}

	n, err := st.Count(ctx, store.Filter{Kind: store.KindTrustedDevice})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "trusted devices never expire")

	series, err := testutil.GatherAndCount(reg, "authrisk_retention_deleted_total")
	require.NoError(t, err)
	assert.Equal(t, len(store.RetainedKinds), series)

	deleted, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted[store.KindSecurityEvent])
}

type flakyDeleteStore struct {
	*store.MemoryStore
	failKind store.Kind
}

func (s flakyDeleteStore) Delete(ctx context.Context, f store.Filter) (int64, error) {
	if f.Kind == s.failKind {
		return 0, errors.New("connection reset")
	}
	return s.MemoryStore.Delete(ctx, f)
}

func TestRetentionContinuesPastFailures(t *testing.T) {
	now := time.Now()
	mem := store.NewMemoryStore()
	seed(t, mem, store.KindLoginAttempt, now.AddDate(0, 0, -40))
	seed(t, mem, store.KindSecurityEvent, now.AddDate(0, 0, -40))

	job, err := NewRetentionJob(flakyDeleteStore{MemoryStore: mem, failKind: store.KindSecurityEvent}, 30, nil, nil)
	require.NoError(t, err)

	deleted, err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security_event")
	assert.Equal(t, int64(1), deleted[store.KindLoginAttempt])

	_, err = NewRetentionJob(mem, 0, nil, nil)
	assert.Error(t, err)
}

func TestRetentionAsScheduledTask(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, store.KindBehaviorSample, time.Now().AddDate(0, 0, -120))

	job, err := NewRetentionJob(st, 90, nil, nil)
	require.NoError(t, err)

	s := NewScheduler(time.Minute, nil)
	s.RegisterHandler(TaskTypeRetention, job)
	require.NoError(t, s.AddTask(TaskTypeRetention, "0 0 3 * * *"))
	require.NoError(t, s.RunNow(context.Background(), TaskTypeRetention))

	n, err := st.Count(context.Background(), store.Filter{Kind: store.KindBehaviorSample})
	require.NoError(t, err)
	assert.Zero(t, n)
}
