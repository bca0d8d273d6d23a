package behavior

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/cache"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/store"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// countingStore counts queries against the wrapped store
type countingStore struct {
	store.Store
	queries int32
}

func (s *countingStore) Query(ctx context.Context, f store.Filter) ([]store.Record, error) {
	atomic.AddInt32(&s.queries, 1)
	return s.Store.Query(ctx, f)
}

type downStore struct{ store.Store }

func (downStore) Query(context.Context, store.Filter) ([]store.Record, error) {
	return nil, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", assert.AnError)
}

type downCache struct{ cache.Cache }

func (downCache) Get(context.Context, string) ([]byte, error) { return nil, assert.AnError }
func (downCache) Set(context.Context, string, []byte, time.Duration) error {
	return assert.AnError
}
func (downCache) Delete(context.Context, string) error { return assert.AnError }

func newBuilder(t *testing.T, st store.Store, c cache.Cache) *ProfileBuilder {
	t.Helper()
	b := NewProfileBuilder(st, c, DefaultConfig(), nil)
	b.now = func() time.Time { return baseTime }
	return b
}

func seed(t *testing.T, b *ProfileBuilder, subject string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Record(context.Background(), Sample{
			SubjectID: subject,
			Type:      "typing",
			Fields:    map[string]interface{}{"wpm": 60 + i, "layout": "qwerty"},
			Timestamp: baseTime.Add(-time.Duration(n-i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestProfileMinSamplesBoundary(t *testing.T) {
	b := newBuilder(t, store.NewMemoryStore(), nil)
	ctx := context.Background()

	seed(t, b, "u1", 9)
	profile, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, profile, "minSamples-1 yields no profile")

	seed(t, b, "u2", 10)
	profile, err = b.GetProfile(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, 10, profile.SampleCount)
	require.Contains(t, profile.Types, "typing")
	assert.Equal(t, 10, profile.Types["typing"]["wpm"].SampleSize)
	assert.NotContains(t, profile.Types["typing"], "layout")
}

func TestProfileLearningWindowAndLimit(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxSamples = 12
	b := NewProfileBuilder(st, nil, cfg, nil)
	b.now = func() time.Time { return baseTime }
	ctx := context.Background()

	// outside the 30 day window
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Record(ctx, Sample{
			SubjectID: "u1", Type: "mouse",
			Fields:    map[string]interface{}{"speed": 1000.0},
			Timestamp: baseTime.Add(-40 * 24 * time.Hour),
		}))
	}
	profile, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, profile)

	for i := 0; i < 15; i++ {
		require.NoError(t, b.Record(ctx, Sample{
			SubjectID: "u1", Type: "mouse",
			Fields:    map[string]interface{}{"speed": float64(i)},
			Timestamp: baseTime.Add(-time.Duration(i+1) * time.Minute),
		}))
	}
	profile, err = b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, 12, profile.SampleCount, "most recent MaxSamples only")
	assert.Equal(t, 11.0, profile.Types["mouse"]["speed"].Max)
}

func TestProfileEmptyTypeHasEmptyFields(t *testing.T) {
	b := newBuilder(t, store.NewMemoryStore(), nil)
	ctx := context.Background()
	seed(t, b, "u1", 10)
	require.NoError(t, b.Record(ctx, Sample{
		SubjectID: "u1", Type: "navigation",
		Fields:    map[string]interface{}{"page": "/settings"},
		Timestamp: baseTime.Add(-time.Minute),
	}))

	profile, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, profile.Types, "navigation")
	assert.Empty(t, profile.Types["navigation"])
	assert.Equal(t, 1, profile.TypesWithStats())
}

func TestProfileCaching(t *testing.T) {
	st := &countingStore{Store: store.NewMemoryStore()}
	mc := cache.NewMemoryCache(100)
	defer mc.Close()
	b := newBuilder(t, st, mc)
	ctx := context.Background()
	seed(t, b, "u1", 10)

	first, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	second, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&st.queries))
	assert.Equal(t, first.Types, second.Types)

	ttl, err := mc.TTL(ctx, ProfileCacheKey("u1"))
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

	// new sample invalidates
	seed(t, b, "u1", 1)
	_, err = mc.Get(ctx, ProfileCacheKey("u1"))
	assert.True(t, cache.IsMiss(err))

	third, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 11, third.SampleCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&st.queries))
}

func TestProfileCorruptCacheEntry(t *testing.T) {
	mc := cache.NewMemoryCache(100)
	defer mc.Close()
	b := newBuilder(t, store.NewMemoryStore(), mc)
	ctx := context.Background()
	seed(t, b, "u1", 10)

	require.NoError(t, mc.Set(ctx, ProfileCacheKey("u1"), []byte("{not json"), time.Hour))

	profile, err := b.GetProfile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "u1", profile.SubjectID)

	raw, err := mc.Get(ctx, ProfileCacheKey("u1"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"subject_id":"u1"`)
}

func TestProfileCacheFailureFallsThrough(t *testing.T) {
	b := newBuilder(t, store.NewMemoryStore(), downCache{})
	seed(t, b, "u1", 10)

	profile, err := b.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, profile)
}

func TestProfileStoreFailure(t *testing.T) {
	b := newBuilder(t, downStore{}, nil)
	_, err := b.GetProfile(context.Background(), "u1")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDBQuery))
}

func TestRecordValidation(t *testing.T) {
	b := newBuilder(t, store.NewMemoryStore(), nil)
	tests := []Sample{
		{Type: "typing", Fields: map[string]interface{}{"wpm": 1}},
		{SubjectID: "u1", Fields: map[string]interface{}{"wpm": 1}},
		{SubjectID: "u1", Type: "typing"},
	}
	for i, s := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			err := b.Record(context.Background(), s)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}

	_, err := b.GetProfile(context.Background(), " ")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}
