// Package cache provides a TTL key/value store for the discovery layer.
// Each namespace (entities, metadata, schemas, samples, access checks) has
// its own shard with an independent lock, so concurrent discovery of many
// entities does not serialize on a single mutex. Expired entries are
// evicted lazily on read; no background sweeper runs.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Namespace identifies one logical cache region.
type Namespace string

const (
	// NamespaceEntities caches the discovered entity catalog
	NamespaceEntities Namespace = "entities"
	// NamespaceMetadata caches per-entity field descriptors
	NamespaceMetadata Namespace = "metadata"
	// NamespaceSchema caches built entity schemas
	NamespaceSchema Namespace = "schema"
	// NamespaceSamples caches sampled records
	NamespaceSamples Namespace = "samples"
	// NamespaceAccess caches access-verification results
	NamespaceAccess Namespace = "access"
)

// namespaces is the fixed shard set. Unknown namespaces share a catch-all
// shard so Get/Set never fail.
var namespaces = []Namespace{
	NamespaceEntities,
	NamespaceMetadata,
	NamespaceSchema,
	NamespaceSamples,
	NamespaceAccess,
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// expired reports whether the entry is past its deadline at now.
// A zero deadline never expires.
func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64
}

func newShard() *shard {
	return &shard{entries: make(map[string]entry, 32)}
}

// Store is a namespaced TTL cache safe for concurrent use.
type Store struct {
	shards   map[Namespace]*shard
	fallback *shard
	clock    func() time.Time
}

// NewStore creates a store with one shard per known namespace.
func NewStore() *Store {
	s := &Store{
		shards:   make(map[Namespace]*shard, len(namespaces)),
		fallback: newShard(),
		clock:    time.Now,
	}
	for _, ns := range namespaces {
		s.shards[ns] = newShard()
	}
	return s
}

func (s *Store) shard(ns Namespace) *shard {
	if sh, ok := s.shards[ns]; ok {
		return sh
	}
	return s.fallback
}

// Set stores value under (ns, key) with the given TTL. A zero or negative
// TTL stores the value without expiry.
func (s *Store) Set(ns Namespace, key string, value interface{}, ttl time.Duration) {
	var deadline time.Time
	if ttl > 0 {
		deadline = s.clock().Add(ttl)
	}

	sh := s.shard(ns)
	sh.mu.Lock()
	sh.entries[key] = entry{value: value, expiresAt: deadline}
	sh.mu.Unlock()
}

// Get returns the live value under (ns, key). Expired entries are removed
// on access and reported as misses.
func (s *Store) Get(ns Namespace, key string) (interface{}, bool) {
	sh := s.shard(ns)
	now := s.clock()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		atomic.AddInt64(&sh.misses, 1)
		return nil, false
	}

	if e.expired(now) {
		sh.mu.Lock()
		// Re-check under the write lock; another goroutine may have
		// refreshed the key in the meantime.
		if cur, still := sh.entries[key]; still && cur.expired(now) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		atomic.AddInt64(&sh.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&sh.hits, 1)
	return e.value, true
}

// Delete removes (ns, key) if present.
func (s *Store) Delete(ns Namespace, key string) {
	sh := s.shard(ns)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// Invalidate clears an entire namespace.
func (s *Store) Invalidate(ns Namespace) {
	sh := s.shard(ns)
	sh.mu.Lock()
	sh.entries = make(map[string]entry, 32)
	sh.mu.Unlock()
}

// InvalidateAll clears every namespace. Hit and miss counters keep counting
// across invalidations.
func (s *Store) InvalidateAll() {
	for _, ns := range namespaces {
		s.Invalidate(ns)
	}
	s.fallback.mu.Lock()
	s.fallback.entries = make(map[string]entry, 32)
	s.fallback.mu.Unlock()
}

// Len reports the number of entries in a namespace, including entries that
// have expired but not yet been evicted.
func (s *Store) Len(ns Namespace) int {
	sh := s.shard(ns)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.entries)
}

// NamespaceStats holds hit/miss counters for one namespace.
type NamespaceStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Stats returns counters for every known namespace.
func (s *Store) Stats() map[Namespace]NamespaceStats {
	out := make(map[Namespace]NamespaceStats, len(s.shards))
	for ns, sh := range s.shards {
		sh.mu.RLock()
		size := len(sh.entries)
		sh.mu.RUnlock()
		out[ns] = NamespaceStats{
			Hits:   atomic.LoadInt64(&sh.hits),
			Misses: atomic.LoadInt64(&sh.misses),
			Size:   size,
		}
	}
	return out
}

// Keyspace is a typed view over one namespace of a Store. It keeps the
// callers free of type assertions while sharing the underlying shards.
type Keyspace[T any] struct {
	store *Store
	ns    Namespace
	ttl   time.Duration
}

// NewKeyspace binds a typed keyspace to a namespace with a default TTL.
func NewKeyspace[T any](store *Store, ns Namespace, ttl time.Duration) Keyspace[T] {
	return Keyspace[T]{store: store, ns: ns, ttl: ttl}
}

// Get returns the typed value for key, if present and live.
func (k Keyspace[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := k.store.Get(k.ns, key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		// A foreign value under this key means the namespace is being
		// shared across types; treat it as a miss.
		return zero, false
	}
	return typed, true
}

// Set stores value under key with the keyspace's default TTL.
func (k Keyspace[T]) Set(key string, value T) {
	k.store.Set(k.ns, key, value, k.ttl)
}

// SetTTL stores value under key with an explicit TTL.
func (k Keyspace[T]) SetTTL(key string, value T, ttl time.Duration) {
	k.store.Set(k.ns, key, value, ttl)
}

// Delete removes key from the keyspace.
func (k Keyspace[T]) Delete(key string) {
	k.store.Delete(k.ns, key)
}
