package device

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/store"
)

type failingStore struct{ store.Store }

func (failingStore) Count(context.Context, store.Filter) (int, error) {
	return 0, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeDBQuery, "store", assert.AnError)
}

func newRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	r, err := NewRegistry(st, "device-secret", nil)
	require.NoError(t, err)
	return r, st
}

func TestTrustAndCheck(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()

	trusted, err := r.IsDeviceTrusted(ctx, "u1", "fp-laptop")
	require.NoError(t, err)
	assert.False(t, trusted)

	d, err := r.Trust(ctx, "u1", "fp-laptop", "work laptop", "198.51.100.4")
	require.NoError(t, err)
	assert.Equal(t, "work laptop", d.Label)
	assert.Len(t, d.Digest, 64)

	trusted, err = r.IsDeviceTrusted(ctx, "u1", "fp-laptop")
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = r.IsDeviceTrusted(ctx, "u2", "fp-laptop")
	require.NoError(t, err)
	assert.False(t, trusted, "trust is per subject")

	// idempotent
	_, err = r.Trust(ctx, "u1", "fp-laptop", "again", "")
	require.NoError(t, err)
	n, _ := st.Count(ctx, store.Filter{Kind: store.KindTrustedDevice})
	assert.Equal(t, 1, n)

	records, _ := st.Query(ctx, store.Filter{Kind: store.KindTrustedDevice})
	assert.NotContains(t, records[0].Type, "fp-laptop", "fingerprint is stored as a digest")
}

func TestEmptyFingerprintNeverTrusted(t *testing.T) {
	r, _ := newRegistry(t)
	trusted, err := r.IsDeviceTrusted(context.Background(), "u1", "  ")
	require.NoError(t, err)
	assert.False(t, trusted)

	_, err = r.Trust(context.Background(), "u1", "", "", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestDigestIsKeyed(t *testing.T) {
	a, err := NewRegistry(store.NewMemoryStore(), "key-a", nil)
	require.NoError(t, err)
	b, err := NewRegistry(store.NewMemoryStore(), "key-b", nil)
	require.NoError(t, err)

	assert.Equal(t, a.Digest("fp"), a.Digest("fp"))
	assert.NotEqual(t, a.Digest("fp"), b.Digest("fp"))

	_, err = NewRegistry(store.NewMemoryStore(), strings.Repeat("k", 65), nil)
	assert.Error(t, err)
}

func TestRevokeAndList(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	_, err := r.Trust(ctx, "u1", "fp-a", "phone", "")
	require.NoError(t, err)
	b, err := r.Trust(ctx, "u1", "fp-b", "tablet", "")
	require.NoError(t, err)

	devices, err := r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	removed, err := r.Revoke(ctx, "u1", "fp-a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Revoke(ctx, "u1", b.Digest)
	require.NoError(t, err)
	assert.True(t, removed, "revoke by digest")

	removed, err = r.Revoke(ctx, "u1", "fp-a")
	require.NoError(t, err)
	assert.False(t, removed)

	devices, err = r.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestLookupFailure(t *testing.T) {
	r, err := NewRegistry(failingStore{}, "", nil)
	require.NoError(t, err)

	_, err = r.IsDeviceTrusted(context.Background(), "u1", "fp")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDeviceLookup))
}
