package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxfolio/taxfolio-api/internal/constants"
	"github.com/taxfolio/taxfolio-api/internal/logger"
)

func TestMain(m *testing.M) {
	logger.InitLogger(constants.TestEnvironment)
	m.Run()
}

func TestCacheSetAndGet(t *testing.T) {
	cache := NewCache[string](time.Minute, 10)

	cache.Set("ca", "rates")
	value, ok := cache.Get("ca")

	require.True(t, ok)
	assert.Equal(t, "rates", value)
}

func TestCacheMissReturnsZeroValue(t *testing.T) {
	cache := NewCache[int](time.Minute, 10)

	value, ok := cache.Get("absent")

	assert.False(t, ok)
	assert.Zero(t, value)
}

func TestCacheExpiredEntryPurgedOnRead(t *testing.T) {
	cache := NewCache[string](time.Minute, 10)
	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.Set("ca", "rates")
	current = current.Add(time.Minute + time.Second)

	_, ok := cache.Get("ca")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCachePerEntryTTLOverridesDefault(t *testing.T) {
	cache := NewCache[string](time.Minute, 10)
	current := time.Now()
	cache.now = func() time.Time { return current }

	cache.SetWithTTL("long", "value", time.Hour)
	current = current.Add(2 * time.Minute)

	value, ok := cache.Get("long")
	require.True(t, ok)
	assert.Equal(t, "value", value)
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	cache := NewCache[int](time.Minute, 3)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("c", 3)
	cache.Set("d", 4) // exceeds maxSize, "a" goes

	_, ok := cache.Get("a")
	assert.False(t, ok)
	for _, key := range []string{"b", "c", "d"} {
		_, ok := cache.Get(key)
		assert.True(t, ok, "expected %s to survive eviction", key)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCacheEvictionIsInsertionOrderNotLRU(t *testing.T) {
	cache := NewCache[int](time.Minute, 2)

	cache.Set("a", 1)
	cache.Set("b", 2)

	// Reading "a" must not protect it: eviction ignores access order.
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Set("c", 3)

	_, ok = cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("b")
	assert.True(t, ok)
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	cache := NewCache[int](time.Minute, 2)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Set("a", 10) // overwrite, still 2 entries

	value, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, value)
	_, ok = cache.Get("b")
	assert.True(t, ok)
}

func TestCacheDeleteAndClear(t *testing.T) {
	cache := NewCache[int](time.Minute, 10)

	cache.Set("a", 1)
	cache.Set("b", 2)
	cache.Delete("a")
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheWarmupLoadsAllKeys(t *testing.T) {
	cache := NewCache[string](time.Minute, 10)

	cache.Warmup(context.Background(), []string{"CA", "NY", "TX"}, func(ctx context.Context, key string) (string, error) {
		return "rates-" + key, nil
	})

	for _, key := range []string{"CA", "NY", "TX"} {
		value, ok := cache.Get(key)
		require.True(t, ok)
		assert.Equal(t, "rates-"+key, value)
	}
}

func TestCacheWarmupSkipsFailedLoads(t *testing.T) {
	cache := NewCache[string](time.Minute, 10)

	cache.Warmup(context.Background(), []string{"CA", "XX"}, func(ctx context.Context, key string) (string, error) {
		if key == "XX" {
			return "", errors.New("unknown state")
		}
		return "rates-" + key, nil
	})

	_, ok := cache.Get("XX")
	assert.False(t, ok)
	_, ok = cache.Get("CA")
	assert.True(t, ok)
}
