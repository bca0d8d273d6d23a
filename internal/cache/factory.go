package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"authrisk/internal/database"
	"authrisk/internal/logger"
)

// Backend names understood by the factory
const (
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendDatabase = "database"
)

// FactoryConfig carries everything a backend constructor may need
type FactoryConfig struct {
	Driver              string
	Fallback            bool
	Redis               RedisConfig
	MemoryMaxSize       int
	TableName           string
	HealthCheckInterval time.Duration
	DB                  *database.DB
	Logger              logger.Logger
}

// Constructor builds one backend
type Constructor func(ctx context.Context, cfg *FactoryConfig) (Cache, error)

// CacheFactory is a registry of backend constructors selected once at startup
type CacheFactory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewCacheFactory returns a factory with the built-in backends registered
func NewCacheFactory() *CacheFactory {
	cf := &CacheFactory{constructors: make(map[string]Constructor)}

	cf.Register(BackendMemory, func(ctx context.Context, cfg *FactoryConfig) (Cache, error) {
		return NewMemoryCache(cfg.MemoryMaxSize), nil
	})
	cf.Register(BackendRedis, func(ctx context.Context, cfg *FactoryConfig) (Cache, error) {
		return NewRedisCache(ctx, &cfg.Redis)
	})
	cf.Register(BackendDatabase, func(ctx context.Context, cfg *FactoryConfig) (Cache, error) {
		return NewDatabaseCache(cfg.DB, cfg.TableName)
	})

	return cf
}

// Register adds or replaces a backend constructor
func (cf *CacheFactory) Register(name string, ctor Constructor) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.constructors[name] = ctor
}

// GetSupportedCacheTypes returns the registered backend names
func (cf *CacheFactory) GetSupportedCacheTypes() []string {
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	types := make([]string, 0, len(cf.constructors))
	for name := range cf.constructors {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Create builds the configured backend. With Fallback enabled a non-memory
// backend is wrapped in a CacheManager, and a backend that cannot be reached
// at startup leaves the manager serving from memory.
func (cf *CacheFactory) Create(ctx context.Context, cfg *FactoryConfig) (Cache, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	cf.mu.RLock()
	ctor, ok := cf.constructors[cfg.Driver]
	cf.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported cache driver: %q", cfg.Driver)
	}

	primary, err := ctor(ctx, cfg)
	if cfg.Driver == BackendMemory || !cfg.Fallback {
		if err != nil {
			return nil, fmt.Errorf("failed to create %s cache: %w", cfg.Driver, err)
		}
		return primary, nil
	}

	if err != nil {
		log.Warn("Cache backend unavailable, starting in fallback mode", "driver", cfg.Driver, "error", err)
		primary = nil
	}

	fallback := DefaultFallbackConfig()
	if cfg.MemoryMaxSize > 0 {
		fallback.MaxMemoryCacheSize = cfg.MemoryMaxSize
	}
	if cfg.HealthCheckInterval > 0 {
		fallback.HealthCheckInterval = cfg.HealthCheckInterval
	}
	return NewCacheManager(primary, fallback, log), nil
}
