package sink

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/strings"
)

// Registry maps sink type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty sink registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Get().With(zap.String("component", "sink_registry")),
	}
}

// Register adds a sink factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.New(errors.ClassConfig, strings.Sprintf("sink %s already registered", name))
	}

	r.factories[name] = factory
	r.logger.Info("sink registered", zap.String("name", name))
	return nil
}

// New constructs the sink selected by cfg.Sink.Type.
func (r *Registry) New(cfg *config.Config) (Sink, error) {
	name := cfg.Sink.Type

	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ClassConfig, strings.Sprintf("unknown sink type %s", name)).
			WithDetail("registered", r.Types())
	}

	s, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassConfig, strings.Sprintf("failed to build %s sink", name))
	}
	return s, nil
}

// Types returns registered sink type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a sink type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Clear removes all registered sinks (mainly for testing).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Global registry functions

// Register adds a sink factory to the global registry.
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// New constructs a sink from the global registry.
func New(cfg *config.Config) (Sink, error) {
	return globalRegistry.New(cfg)
}

// Types returns sink type names registered globally.
func Types() []string {
	return globalRegistry.Types()
}

// Has reports whether a sink type is registered globally.
func Has(name string) bool {
	return globalRegistry.Has(name)
}
