package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactorySupportedTypes(t *testing.T) {
	cf := NewCacheFactory()
	assert.Equal(t, []string{"database", "memory", "redis"}, cf.GetSupportedCacheTypes())
}

func TestFactoryCreate(t *testing.T) {
	ctx := context.Background()
	cf := NewCacheFactory()

	t.Run("memory", func(t *testing.T) {
		c, err := cf.Create(ctx, &FactoryConfig{Driver: BackendMemory, Fallback: true})
		require.NoError(t, err)
		defer c.Close()
		_, ok := c.(*MemoryCache)
		assert.True(t, ok)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := cf.Create(ctx, &FactoryConfig{Driver: "memcached"})
		assert.Error(t, err)
	})

	t.Run("unreachable backend without fallback", func(t *testing.T) {
		_, err := cf.Create(ctx, &FactoryConfig{Driver: BackendDatabase})
		assert.Error(t, err)
	})

	t.Run("unreachable backend with fallback", func(t *testing.T) {
		cf.Register("broken", func(ctx context.Context, cfg *FactoryConfig) (Cache, error) {
			return nil, errors.New("dial tcp: connection refused")
		})
		c, err := cf.Create(ctx, &FactoryConfig{Driver: "broken", Fallback: true})
		require.NoError(t, err)
		defer c.Close()

		cm, ok := c.(*CacheManager)
		require.True(t, ok)
		assert.True(t, cm.InFallback())
	})
}
