package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"authrisk/internal/logger"
)

// Supported dialects
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	stats  *PoolStats
	log    logger.Logger
	mu     sync.RWMutex

	monitorCallback func(*PoolStats)
	stopMonitor     chan struct{}
	closeOnce       sync.Once
}

// Config represents database configuration
type Config struct {
	Driver          string
	Path            string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpen         int
	MaxIdle         int
	Timeout         time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64
	LastUpdated        time.Time
}

// DSN builds the driver-specific connection string
func (c *Config) DSN() string {
	if c.Driver == DialectSQLite {
		path := c.Path
		if path == "" {
			path = ":memory:"
		}
		return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = DialectPostgres
	}
	if c.MaxOpen <= 0 {
		c.MaxOpen = 25 // 默认最大连接数
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5 // 默认空闲连接数
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 15 * time.Minute
	}
	// SQLite serialises writers; an in-memory database only exists on one connection.
	if c.Driver == DialectSQLite {
		c.MaxOpen = 1
		c.MaxIdle = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
}

// NewConnection opens and pings a database connection
func NewConnection(cfg *Config, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	cfg.applyDefaults()

	if cfg.Driver != DialectPostgres && cfg.Driver != DialectSQLite {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var pingErr error
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		pingErr = db.PingContext(ctx)
		if pingErr == nil {
			break
		}

		log.Warn("Database ping failed", "attempt", i+1, "max_retries", maxRetries, "error", pingErr)
		if i < maxRetries-1 {
			time.Sleep(time.Second * time.Duration(i+1)) // 递增延迟
		}
	}

	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database after %d attempts: %w", cfg.Driver, maxRetries, pingErr)
	}

	log.Info("Database connection established",
		"driver", cfg.Driver,
		"max_open", cfg.MaxOpen,
		"max_idle", cfg.MaxIdle)

	database := &DB{
		DB:          db,
		config:      cfg,
		stats:       &PoolStats{},
		log:         log.WithField("component", "database"),
		stopMonitor: make(chan struct{}),
	}

	go database.monitorPoolStats()

	return database, nil
}

// Dialect returns the SQL dialect in use
func (db *DB) Dialect() string {
	return db.config.Driver
}

// Rebind converts '?' placeholders to the dialect's bind style
func (db *DB) Rebind(query string) string {
	if db.config.Driver != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Close stops pool monitoring and closes the connection
func (db *DB) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.stopMonitor)
		err = db.DB.Close()
	})
	return err
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() *PoolStats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	stats := *db.stats
	return &stats
}

// GetConfig returns the database configuration
func (db *DB) GetConfig() *Config {
	return db.config
}

// SetMonitorCallback sets a callback function for monitoring
func (db *DB) SetMonitorCallback(callback func(*PoolStats)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.monitorCallback = callback
}

// monitorPoolStats periodically updates connection pool statistics
func (db *DB) monitorPoolStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopMonitor:
			return
		case <-ticker.C:
			db.updatePoolStats()
		}
	}
}

// updatePoolStats updates the connection pool statistics
func (db *DB) updatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.MaxIdleClosed = stats.MaxIdleClosed
	db.stats.MaxLifetimeClosed = stats.MaxLifetimeClosed
	db.stats.LastUpdated = time.Now()

	if db.monitorCallback != nil {
		statsCopy := *db.stats
		callback := db.monitorCallback
		db.mu.Unlock()
		callback(&statsCopy)
	} else {
		db.mu.Unlock()
	}

	if stats.WaitCount > 0 && db.config.Driver == DialectPostgres {
		db.log.Warn("Database connection pool under pressure",
			"wait_count", stats.WaitCount,
			"wait_duration", stats.WaitDuration,
			"in_use", stats.InUse,
			"idle", stats.Idle)
	}
}

// IsHealthy checks if the database connection pool is healthy
func (db *DB) IsHealthy() bool {
	stats := db.GetPoolStats()

	if stats.MaxOpenConnections > 1 && stats.InUse > stats.MaxOpenConnections*80/100 {
		return false
	}
	if db.config.Driver == DialectPostgres && stats.WaitCount > 100 {
		return false
	}
	return true
}

// GetHealthStatus returns detailed health status
func (db *DB) GetHealthStatus(ctx context.Context) map[string]interface{} {
	db.updatePoolStats()
	stats := db.GetPoolStats()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pingResult := true
	if err := db.PingContext(ctx); err != nil {
		pingResult = false
		db.log.Warn("Database health check ping failed", "error", err)
	}

	utilization := 0.0
	if stats.MaxOpenConnections > 0 {
		utilization = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	return map[string]interface{}{
		"driver":               db.config.Driver,
		"healthy":              db.IsHealthy() && pingResult,
		"ping_successful":      pingResult,
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration":        stats.WaitDuration.String(),
		"utilization_percent":  utilization,
	}
}
