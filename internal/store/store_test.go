package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/database"
	apperrors "authrisk/internal/errors"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := database.NewConnection(&database.Config{
		Driver: database.DialectSQLite,
		Path:   filepath.Join(t.TempDir(), "store.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db, nil))
	return NewSQLStore(db)
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestStoreInsertAndQuery(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				rec := &Record{
					Kind:      KindLoginAttempt,
					SubjectID: "user-1",
					IP:        "203.0.113.7",
					Type:      "failure",
					Data:      map[string]interface{}{"success": false, "n": i},
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, st.Insert(ctx, rec))
				assert.NotEmpty(t, rec.ID.String())
			}
			require.NoError(t, st.Insert(ctx, &Record{Kind: KindLoginAttempt, SubjectID: "user-2", IP: "198.51.100.1", CreatedAt: base}))

			recs, err := st.Query(ctx, Filter{Kind: KindLoginAttempt, SubjectID: "user-1", Limit: 3})
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.True(t, recs[0].CreatedAt.Equal(base.Add(4*time.Minute)), "newest first")
			assert.Equal(t, float64(4), recs[0].Data["n"])
			assert.Equal(t, false, recs[0].Data["success"])

			n, err := st.Count(ctx, Filter{Kind: KindLoginAttempt, IP: "203.0.113.7", Since: base.Add(2 * time.Minute)})
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			n, err = st.Count(ctx, Filter{Kind: KindLoginAttempt, Until: base.Add(time.Minute)})
			require.NoError(t, err)
			assert.Equal(t, 2, n, "until is exclusive")

			n, err = st.Count(ctx, Filter{Kind: KindSecurityEvent})
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	now := time.Now().UTC()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.Insert(ctx, &Record{Kind: KindSecurityEvent, Type: "brute_force", CreatedAt: now.Add(-100 * 24 * time.Hour)}))
			require.NoError(t, st.Insert(ctx, &Record{Kind: KindSecurityEvent, Type: "brute_force", CreatedAt: now}))
			require.NoError(t, st.Insert(ctx, &Record{Kind: KindTrustedDevice, SubjectID: "u", CreatedAt: now.Add(-100 * 24 * time.Hour)}))

			removed, err := st.Delete(ctx, Filter{Kind: KindSecurityEvent, Until: now.Add(-90 * 24 * time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)

			n, err := st.Count(ctx, Filter{})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, err = st.Delete(ctx, Filter{})
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}

func TestStoreRejectsMissingKind(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := st.Insert(context.Background(), &Record{SubjectID: "u"})
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
}

func TestSQLStoreUnavailable(t *testing.T) {
	st := newSQLiteStore(t)
	require.NoError(t, st.db.Close())

	_, err := st.Query(context.Background(), Filter{Kind: KindLoginAttempt})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDBQuery))

	err = st.Insert(context.Background(), &Record{Kind: KindLoginAttempt})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDBQuery))
}
