package runner

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/discovery"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/schema"
)

// Catalog is the discover result: the filtered entity catalog and the
// schema built for each readable entity. Entities whose schema could
// not be built stay in Entities with no Schemas entry.
type Catalog struct {
	Entities map[string]schema.Entity
	Schemas  map[string]*schema.EntitySchema
}

// Names returns the catalog's entity names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Entities))
	for name := range c.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discover lists the source's entities, applies include/exclude
// filtering, and builds a schema for each entity.
func Discover(ctx context.Context, cfg *config.Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obs, shutdownTelemetry, err := setupTelemetry(cfg.Observability)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry()

	log := logger.Get().With(zap.String("component", "runner"))

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer comps.client.Close()

	ctx, span := obs.StartSpan(ctx, "discover")
	defer span.End()

	entities, err := comps.discovery.DiscoverAll(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	entities = discovery.Filter(entities, cfg.Extraction.Include, cfg.Extraction.Exclude)
	if cfg.Extraction.VerifyAccess {
		entities = comps.discovery.VerifyAccess(ctx, entities)
	}
	span.SetAttribute("entities", len(entities))

	catalog := &Catalog{
		Entities: entities,
		Schemas:  make(map[string]*schema.EntitySchema, len(entities)),
	}
	for _, name := range catalog.Names() {
		es, serr := comps.discovery.BuildSchema(ctx, name)
		if serr != nil {
			if errors.IsClass(serr, errors.ClassConfig) || errors.IsClass(serr, errors.ClassAuth) {
				return nil, serr
			}
			log.Warn("schema build failed", zap.String("entity", name), zap.Error(serr))
			continue
		}
		catalog.Schemas[name] = es
	}

	return catalog, nil
}
