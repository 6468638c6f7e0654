package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := NewStore()

	s.Set(NamespaceEntities, "all", []string{"orders", "customers"}, time.Hour)

	v, ok := s.Get(NamespaceEntities, "all")
	require.True(t, ok)
	assert.Equal(t, []string{"orders", "customers"}, v)
}

func TestGetMiss(t *testing.T) {
	s := NewStore()

	_, ok := s.Get(NamespaceMetadata, "orders")
	assert.False(t, ok)
}

func TestExpiryIsLazy(t *testing.T) {
	s := NewStore()

	now := time.Now()
	s.clock = func() time.Time { return now }

	s.Set(NamespaceSchema, "orders", "v1", time.Minute)

	// Entry still sits in the shard after its deadline passes.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Len(NamespaceSchema))

	// First read past the deadline evicts and misses.
	_, ok := s.Get(NamespaceSchema, "orders")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(NamespaceSchema))
}

func TestFreshEntrySurvivesReads(t *testing.T) {
	s := NewStore()

	now := time.Now()
	s.clock = func() time.Time { return now }

	s.Set(NamespaceSamples, "orders", 42, time.Hour)

	now = now.Add(59 * time.Minute)
	v, ok := s.Get(NamespaceSamples, "orders")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	s := NewStore()

	now := time.Now()
	s.clock = func() time.Time { return now }

	s.Set(NamespaceAccess, "orders", true, 0)

	now = now.Add(1000 * time.Hour)
	_, ok := s.Get(NamespaceAccess, "orders")
	assert.True(t, ok)
}

func TestNamespacesAreIsolated(t *testing.T) {
	s := NewStore()

	s.Set(NamespaceEntities, "orders", "entity", time.Hour)
	s.Set(NamespaceMetadata, "orders", "metadata", time.Hour)

	v1, ok := s.Get(NamespaceEntities, "orders")
	require.True(t, ok)
	v2, ok := s.Get(NamespaceMetadata, "orders")
	require.True(t, ok)

	assert.Equal(t, "entity", v1)
	assert.Equal(t, "metadata", v2)

	s.Invalidate(NamespaceEntities)
	_, ok = s.Get(NamespaceEntities, "orders")
	assert.False(t, ok)
	_, ok = s.Get(NamespaceMetadata, "orders")
	assert.True(t, ok)
}

func TestInvalidateAllClearsEveryNamespace(t *testing.T) {
	s := NewStore()

	s.Set(NamespaceEntities, "orders", "entity", time.Hour)
	s.Set(NamespaceMetadata, "orders", "metadata", time.Hour)
	s.Set(NamespaceSamples, "orders", "rows", time.Hour)

	s.InvalidateAll()

	for _, ns := range []Namespace{NamespaceEntities, NamespaceMetadata, NamespaceSamples} {
		_, ok := s.Get(ns, "orders")
		assert.False(t, ok, "namespace %s should be empty", ns)
	}
}

func TestStatsCounters(t *testing.T) {
	s := NewStore()

	s.Set(NamespaceSchema, "a", 1, time.Hour)
	s.Get(NamespaceSchema, "a")
	s.Get(NamespaceSchema, "a")
	s.Get(NamespaceSchema, "missing")

	stats := s.Stats()
	assert.Equal(t, int64(2), stats[NamespaceSchema].Hits)
	assert.Equal(t, int64(1), stats[NamespaceSchema].Misses)
	assert.Equal(t, 1, stats[NamespaceSchema].Size)
}

func TestKeyspaceTyped(t *testing.T) {
	s := NewStore()
	ks := NewKeyspace[[]string](s, NamespaceEntities, time.Hour)

	ks.Set("all", []string{"orders"})

	got, ok := ks.Get("all")
	require.True(t, ok)
	assert.Equal(t, []string{"orders"}, got)

	ks.Delete("all")
	_, ok = ks.Get("all")
	assert.False(t, ok)
}

func TestKeyspaceTypeMismatchIsMiss(t *testing.T) {
	s := NewStore()
	s.Set(NamespaceSamples, "orders", "not-an-int", time.Hour)

	ks := NewKeyspace[int](s, NamespaceSamples, time.Hour)
	_, ok := ks.Get("orders")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n))
			for j := 0; j < 500; j++ {
				s.Set(NamespaceMetadata, key, j, time.Hour)
				s.Get(NamespaceMetadata, key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, s.Len(NamespaceMetadata))
}
