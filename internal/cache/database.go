package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"authrisk/internal/database"
)

// DatabaseCache stores entries in the migrated cache_entries table.
// It lets a multi-node deployment share counters without Redis.
type DatabaseCache struct {
	db        *database.DB
	tableName string
	now       func() time.Time
	stopChan  chan struct{}
	closeOnce sync.Once
}

// CacheEntry represents a cache entry in the database
type CacheEntry struct {
	Key       string
	Value     []byte
	ExpiresAt int64 // unix millis, 0 means no expiry
	UpdatedAt int64
}

// DatabaseCacheStats represents database cache statistics
type DatabaseCacheStats struct {
	TotalEntries   int64 `json:"total_entries"`
	ExpiredEntries int64 `json:"expired_entries"`
}

// NewDatabaseCache creates a database-backed cache. The table must already exist.
func NewDatabaseCache(db *database.DB, tableName string) (*DatabaseCache, error) {
	if db == nil {
		return nil, fmt.Errorf("database cache requires a database connection")
	}
	if tableName == "" {
		tableName = "cache_entries"
	}

	dbc := &DatabaseCache{
		db:        db,
		tableName: tableName,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}

	go dbc.cleanupLoop()

	return dbc, nil
}

func (dbc *DatabaseCache) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return dbc.now().Add(ttl).UnixMilli()
}

func (dbc *DatabaseCache) live(expiresAt int64) bool {
	return expiresAt == 0 || expiresAt > dbc.now().UnixMilli()
}

// GetEntry returns the raw row for key, including expired rows
func (dbc *DatabaseCache) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	query := dbc.db.Rebind(fmt.Sprintf(
		`SELECT cache_key, value, expires_at, updated_at FROM %s WHERE cache_key = ?`, dbc.tableName))

	entry := &CacheEntry{}
	err := dbc.db.QueryRowContext(ctx, query, key).Scan(&entry.Key, &entry.Value, &entry.ExpiresAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	return entry, nil
}

// Get retrieves a value from database cache
func (dbc *DatabaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := dbc.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if !dbc.live(entry.ExpiresAt) {
		return nil, ErrCacheMiss
	}
	return entry.Value, nil
}

// Set stores a value in database cache
func (dbc *DatabaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return dbc.upsert(ctx, dbc.db.DB, key, value, dbc.expiresAt(ttl))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (dbc *DatabaseCache) upsert(ctx context.Context, ex execer, key string, value []byte, expiresAt int64) error {
	query := dbc.db.Rebind(fmt.Sprintf(`
		INSERT INTO %s (cache_key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`, dbc.tableName))

	if _, err := ex.ExecContext(ctx, query, key, value, expiresAt, dbc.now().UnixMilli()); err != nil {
		return fmt.Errorf("database upsert error: %w", err)
	}
	return nil
}

// Increment updates the counter inside a transaction
func (dbc *DatabaseCache) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	tx, err := dbc.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE cache_key = ?`, dbc.tableName)
	if dbc.db.Dialect() == database.DialectPostgres {
		selectQuery += " FOR UPDATE"
	}

	var (
		raw       []byte
		expiresAt int64
		current   int64
	)
	err = tx.QueryRowContext(ctx, dbc.db.Rebind(selectQuery), key).Scan(&raw, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		expiresAt = dbc.expiresAt(ttl)
	case err != nil:
		return 0, fmt.Errorf("database query error: %w", err)
	case !dbc.live(expiresAt):
		expiresAt = dbc.expiresAt(ttl)
	default:
		current, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
		}
	}

	current += amount
	if err := dbc.upsert(ctx, tx, key, []byte(strconv.FormatInt(current, 10)), expiresAt); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit increment: %w", err)
	}
	return current, nil
}

// Delete removes a value from database cache
func (dbc *DatabaseCache) Delete(ctx context.Context, key string) error {
	query := dbc.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE cache_key = ?`, dbc.tableName))
	if _, err := dbc.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("database delete error: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime for key
func (dbc *DatabaseCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	entry, err := dbc.GetEntry(ctx, key)
	if err != nil {
		return 0, err
	}
	if !dbc.live(entry.ExpiresAt) {
		return 0, ErrCacheMiss
	}
	if entry.ExpiresAt == 0 {
		return 0, nil
	}
	return time.Duration(entry.ExpiresAt-dbc.now().UnixMilli()) * time.Millisecond, nil
}

// HealthCheck pings the database
func (dbc *DatabaseCache) HealthCheck(ctx context.Context) error {
	return dbc.db.HealthCheck(ctx)
}

// GetStats returns entry counts
func (dbc *DatabaseCache) GetStats(ctx context.Context) (*DatabaseCacheStats, error) {
	stats := &DatabaseCacheStats{}
	total := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, dbc.tableName)
	if err := dbc.db.QueryRowContext(ctx, total).Scan(&stats.TotalEntries); err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}

	expired := dbc.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE expires_at > 0 AND expires_at <= ?`, dbc.tableName))
	if err := dbc.db.QueryRowContext(ctx, expired, dbc.now().UnixMilli()).Scan(&stats.ExpiredEntries); err != nil {
		return nil, fmt.Errorf("failed to count expired cache entries: %w", err)
	}
	return stats, nil
}

// Cleanup deletes expired rows and returns how many were removed
func (dbc *DatabaseCache) Cleanup(ctx context.Context) (int64, error) {
	query := dbc.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at > 0 AND expires_at <= ?`, dbc.tableName))
	res, err := dbc.db.ExecContext(ctx, query, dbc.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up cache entries: %w", err)
	}
	return res.RowsAffected()
}

func (dbc *DatabaseCache) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			dbc.Cleanup(ctx)
			cancel()
		case <-dbc.stopChan:
			return
		}
	}
}

// Close stops the cleanup loop; the shared connection stays open
func (dbc *DatabaseCache) Close() error {
	dbc.closeOnce.Do(func() { close(dbc.stopChan) })
	return nil
}
