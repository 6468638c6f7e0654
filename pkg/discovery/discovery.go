// Package discovery finds extractable entities on the source, resolves
// their schemas metadata-first, and filters the working set. Every
// upstream lookup is cache-backed so repeated runs within the TTL
// windows cost no requests.
package discovery

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inletlabs/inlet/pkg/cache"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/source"
	"github.com/inletlabs/inlet/pkg/strings"
)

// entityCatalogKey is the single cache key for the discovered catalog.
const entityCatalogKey = "catalog"

// systemPrefixes name internal catalog entries that are never
// extracted, regardless of include/exclude configuration.
var systemPrefixes = []string{"_", "sys_", "system_", "internal_"}

// Source is the slice of the source client discovery relies on.
type Source interface {
	DiscoverEntities(ctx context.Context) ([]string, error)
	DescribeEntity(ctx context.Context, entity string) (*schema.EntityMetadata, bool, error)
	GetEntityPage(ctx context.Context, entity string, params map[string]string) (*source.RawPage, error)
	EntityURL(entity string) string
}

// describeResult caches a describe outcome, including not-found, so
// absent describe endpoints are probed once per TTL window.
type describeResult struct {
	meta  *schema.EntityMetadata
	found bool
}

// Discovery lists entities, fetches metadata and samples, and builds
// entity schemas.
type Discovery struct {
	client  Source
	builder *schema.Builder
	logger  *zap.Logger

	entities cache.Keyspace[map[string]schema.Entity]
	metadata cache.Keyspace[describeResult]
	schemas  cache.Keyspace[*schema.EntitySchema]
	samples  cache.Keyspace[[]map[string]interface{}]
	access   cache.Keyspace[bool]

	sampleLimit   int
	verifyTimeout time.Duration
	concurrency   int64
}

// New wires discovery onto a shared cache store. TTLs and probe limits
// come from the run configuration.
func New(client Source, builder *schema.Builder, store *cache.Store, cfg *config.Config) *Discovery {
	cacheCfg := cfg.Cache
	if cacheCfg.EntitiesTTL <= 0 {
		cacheCfg.EntitiesTTL = 2 * time.Hour
	}
	if cacheCfg.MetadataTTL <= 0 {
		cacheCfg.MetadataTTL = time.Hour
	}
	if cacheCfg.SchemaTTL <= 0 {
		cacheCfg.SchemaTTL = time.Hour
	}
	if cacheCfg.SamplesTTL <= 0 {
		cacheCfg.SamplesTTL = 30 * time.Minute
	}
	if cacheCfg.AccessTTL <= 0 {
		cacheCfg.AccessTTL = time.Hour
	}

	sampleLimit := cfg.Extraction.SampleLimit
	if sampleLimit <= 0 {
		sampleLimit = 10
	}
	verifyTimeout := cfg.Extraction.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = 30 * time.Second
	}
	concurrency := cfg.Extraction.HTTPConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	return &Discovery{
		client:        client,
		builder:       builder,
		logger:        logger.Get().With(zap.String("component", "discovery")),
		entities:      cache.NewKeyspace[map[string]schema.Entity](store, cache.NamespaceEntities, cacheCfg.EntitiesTTL),
		metadata:      cache.NewKeyspace[describeResult](store, cache.NamespaceMetadata, cacheCfg.MetadataTTL),
		schemas:       cache.NewKeyspace[*schema.EntitySchema](store, cache.NamespaceSchema, cacheCfg.SchemaTTL),
		samples:       cache.NewKeyspace[[]map[string]interface{}](store, cache.NamespaceSamples, cacheCfg.SamplesTTL),
		access:        cache.NewKeyspace[bool](store, cache.NamespaceAccess, cacheCfg.AccessTTL),
		sampleLimit:   sampleLimit,
		verifyTimeout: verifyTimeout,
		concurrency:   concurrency,
	}
}

// DiscoverAll lists the catalog and resolves every entity's keys from
// its declared metadata.
func (d *Discovery) DiscoverAll(ctx context.Context) (map[string]schema.Entity, error) {
	if cached, ok := d.entities.Get(entityCatalogKey); ok {
		return cached, nil
	}

	names, err := d.client.DiscoverEntities(ctx)
	if err != nil {
		return nil, err
	}

	entities := make(map[string]schema.Entity, len(names))
	for _, name := range names {
		meta, found, err := d.Describe(ctx, name)
		if err != nil {
			return nil, err
		}

		entity := schema.Entity{
			Name:     name,
			Endpoint: d.client.EntityURL(name),
		}
		if found {
			entity.Fields = meta.Fields
			entity.PrimaryKey = meta.PrimaryKey
			if entity.PrimaryKey == "" {
				entity.PrimaryKey = schema.FindPrimaryKey(name, meta.Fields)
			}
			entity.ReplicationKey = meta.ReplicationKey
			if entity.ReplicationKey == "" {
				entity.ReplicationKey = schema.FindReplicationKey(meta.Fields)
			}
		}
		entities[name] = entity
	}

	metrics.EntitiesDiscovered.Set(float64(len(entities)))
	d.entities.Set(entityCatalogKey, entities)
	d.logger.Info("entity discovery complete", zap.Int("entities", len(entities)))
	return entities, nil
}

// Describe fetches declared metadata for one entity. Not-found is a
// normal tagged result and is cached like a positive one.
func (d *Discovery) Describe(ctx context.Context, entity string) (*schema.EntityMetadata, bool, error) {
	if cached, ok := d.metadata.Get(entity); ok {
		return cached.meta, cached.found, nil
	}

	meta, found, err := d.client.DescribeEntity(ctx, entity)
	if err != nil {
		return nil, false, err
	}
	d.metadata.Set(entity, describeResult{meta: meta, found: found})
	return meta, found, nil
}

// Sample fetches up to limit records for schema inference. A limit of
// zero uses the configured default.
func (d *Discovery) Sample(ctx context.Context, entity string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = d.sampleLimit
	}
	key := entity + ":" + strconv.Itoa(limit)
	if cached, ok := d.samples.Get(key); ok {
		return cached, nil
	}

	page, err := d.client.GetEntityPage(ctx, entity, map[string]string{
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	records, skipped := page.Records()
	if skipped > 0 {
		d.logger.Warn("dropped malformed sample records",
			zap.String("entity", entity),
			zap.Int("skipped", skipped))
	}
	if len(records) > limit {
		records = records[:limit]
	}

	d.samples.Set(key, records)
	return records, nil
}

// BuildSchema assembles the entity schema: declared metadata first,
// sampled records both as fallback and as extension for fields the
// describe endpoint does not enumerate.
func (d *Discovery) BuildSchema(ctx context.Context, entity string) (*schema.EntitySchema, error) {
	if cached, ok := d.schemas.Get(entity); ok {
		return cached, nil
	}

	meta, found, err := d.Describe(ctx, entity)
	if err != nil {
		return nil, err
	}

	var declared *schema.EntitySchema
	if found {
		declared, err = d.builder.FromMetadata(meta)
		if err != nil {
			return nil, err
		}
	}

	samples, err := d.Sample(ctx, entity, d.sampleLimit)
	if err != nil {
		if declared == nil {
			return nil, err
		}
		d.logger.Warn("sampling failed, keeping declared schema",
			zap.String("entity", entity),
			zap.Error(err))
		d.schemas.Set(entity, declared)
		return declared, nil
	}

	sampled, err := d.builder.FromSamples(entity, samples)
	if err != nil {
		return nil, err
	}

	es := d.builder.Merge(declared, sampled)
	if es == nil || es.Len() == 0 {
		return nil, errors.New(errors.ClassDataValidation, "no schema could be derived").
			WithDetail("entity", entity)
	}

	d.schemas.Set(entity, es)
	return es, nil
}

// Filter applies include/exclude globs to the discovered set. Include,
// when non-empty, is authoritative; exclude always removes; system
// entities are dropped regardless of configuration.
func Filter(entities map[string]schema.Entity, include, exclude []string) map[string]schema.Entity {
	out := make(map[string]schema.Entity, len(entities))
	for name, entity := range entities {
		if isSystemEntity(name) {
			continue
		}
		if len(include) > 0 && !matchesAny(name, include) {
			continue
		}
		if matchesAny(name, exclude) {
			continue
		}
		out[name] = entity
	}
	return out
}

func isSystemEntity(name string) bool {
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// VerifyAccess probes each entity with a single-record read and drops
// the ones answering authorization-denied. Probes share a bounded
// semaphore and one sweep deadline; entities left unverified at the
// deadline are assumed accessible so a slow source never blocks the
// run. Transient probe failures also assume accessible.
func (d *Discovery) VerifyAccess(ctx context.Context, entities map[string]schema.Entity) map[string]schema.Entity {
	if len(entities) == 0 {
		return entities
	}

	vctx, cancel := context.WithTimeout(ctx, d.verifyTimeout)
	defer cancel()

	var mu sync.Mutex
	denied := make(map[string]bool)
	sem := semaphore.NewWeighted(d.concurrency)
	g, gctx := errgroup.WithContext(vctx)

	for name := range entities {
		if cached, ok := d.access.Get(name); ok {
			if !cached {
				mu.Lock()
				denied[name] = true
				mu.Unlock()
			}
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			_, err := d.client.GetEntityPage(gctx, name, map[string]string{"limit": "1"})
			switch {
			case err == nil:
				d.access.Set(name, true)
			case errors.GetClass(err) == errors.ClassAuth:
				d.access.Set(name, false)
				mu.Lock()
				denied[name] = true
				mu.Unlock()
				d.logger.Warn("access denied, dropping entity", zap.String("entity", name))
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(denied) == 0 {
		return entities
	}
	out := make(map[string]schema.Entity, len(entities)-len(denied))
	for name, entity := range entities {
		if !denied[name] {
			out[name] = entity
		}
	}
	d.logger.Info("access verification dropped entities",
		zap.Int("dropped", len(denied)),
		zap.Int("remaining", len(out)))
	return out
}
