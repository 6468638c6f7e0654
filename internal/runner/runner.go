// Package runner wires a complete extraction run: telemetry, the source
// client, discovery, schema building, bookmark state, the extraction
// engine, and the sink. The command layer stays thin; every decision
// about how a run behaves lives here.
//
// A run survives individual entity failures. One entity exhausting its
// retries marks that entity failed and the others keep going; only
// configuration and authentication failures stop the whole run, and
// even then entities already in flight settle before the run returns.
package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inletlabs/inlet/pkg/auth"
	"github.com/inletlabs/inlet/pkg/cache"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/discovery"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/extract"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/observability"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/ratelimit"
	"github.com/inletlabs/inlet/pkg/recovery"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/source"
	"github.com/inletlabs/inlet/pkg/state"
)

// Options carries per-invocation switches that are not part of the
// persisted configuration.
type Options struct {
	// DryRun stops after discovery, schema building and state loading,
	// reporting what a real run would extract without opening the sink.
	DryRun bool
}

// EntityStatus is the terminal status of one entity in the run summary.
type EntityStatus string

const (
	StatusSucceeded EntityStatus = "succeeded"
	StatusFailed    EntityStatus = "failed"

	// StatusSkipped marks entities that never started because the run
	// aborted first.
	StatusSkipped EntityStatus = "skipped"

	// StatusPlanned marks dry-run entities.
	StatusPlanned EntityStatus = "planned"
)

// EntitySummary is one entity's outcome.
type EntitySummary struct {
	Entity   string        `json:"entity"`
	Status   EntityStatus  `json:"status"`
	Strategy string        `json:"strategy,omitempty"`
	Fields   int           `json:"fields,omitempty"`
	Pages    int           `json:"pages"`
	Records  int64         `json:"records"`
	Skipped  int64         `json:"skipped,omitempty"`
	Bookmark interface{}   `json:"bookmark,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Summary is the full run report.
type Summary struct {
	RunID     string    `json:"run_id"`
	Sink      string    `json:"sink"`
	StatePath string    `json:"state_path"`
	StartedAt time.Time `json:"started_at"`
	DryRun    bool      `json:"dry_run,omitempty"`

	Entities  []EntitySummary `json:"entities"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Records   int64           `json:"records"`
	Pages     int             `json:"pages"`
	Skipped   int64           `json:"skipped"`

	Aborted    bool         `json:"aborted,omitempty"`
	AbortClass errors.Class `json:"abort_class,omitempty"`
	SinkError  string       `json:"sink_error,omitempty"`

	ErrorCounts map[errors.Class]int `json:"error_counts,omitempty"`
	Events      []recovery.Event     `json:"events,omitempty"`

	CacheStats map[cache.Namespace]cache.NamespaceStats `json:"cache_stats,omitempty"`
	Resources  ResourceStats                            `json:"resources"`
	Duration   time.Duration                            `json:"duration"`
}

// RunFailed reports whether the process should exit non-zero: the run
// aborted, or every entity that ran failed.
func (s *Summary) RunFailed() bool {
	if s.Aborted {
		return true
	}
	return s.Failed > 0 && s.Succeeded == 0
}

// collect folds per-entity outcomes into the summary totals, sorted by
// entity name for stable output.
func (s *Summary) collect(results []EntitySummary) {
	sort.Slice(results, func(i, j int) bool { return results[i].Entity < results[j].Entity })
	s.Entities = results
	for _, r := range results {
		s.Pages += r.Pages
		s.Records += r.Records
		s.Skipped += r.Skipped
		switch r.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		}
	}
}

// finish stamps the summary with duration, process resources, and the
// cache snapshot, and publishes the cache gauges.
func (s *Summary) finish(started time.Time, monitor *resourceMonitor, store *cache.Store) {
	s.Duration = time.Since(started)
	s.Resources = monitor.snapshot()
	s.CacheStats = store.Stats()
	for ns, st := range s.CacheStats {
		metrics.CacheHits.WithLabelValues(string(ns)).Set(float64(st.Hits))
		metrics.CacheMisses.WithLabelValues(string(ns)).Set(float64(st.Misses))
	}
}

// components is the wiring shared by Run and Discover.
type components struct {
	limiter   *ratelimit.Limiter
	client    *source.Client
	store     *cache.Store
	flattener *schema.Flattener
	discovery *discovery.Discovery
}

func buildComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	provider, err := auth.NewProvider(ctx, cfg.Source.Auth)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.Limiter
	if cfg.Extraction.RateLimit > 0 {
		limiter = ratelimit.New(cfg.Extraction.RateLimit, cfg.Extraction.RateBurst)
	}

	client, err := source.New(cfg.Source, provider, limiter)
	if err != nil {
		return nil, err
	}

	store := cache.NewStore()
	flattener := schema.NewFlattener(cfg.Extraction.Flattening)
	builder := schema.NewBuilder(schema.NewInferrer(), flattener)

	return &components{
		limiter:   limiter,
		client:    client,
		store:     store,
		flattener: flattener,
		discovery: discovery.New(client, builder, store, cfg),
	}, nil
}

// setupTelemetry initializes logging, metrics and tracing, returning a
// shutdown func safe to defer.
func setupTelemetry(cfg config.ObservabilityConfig) (*observability.Observability, func(), error) {
	obs, err := observability.Setup(cfg)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := obs.Shutdown(ctx); serr != nil {
			logger.Get().Warn("telemetry shutdown failed", zap.Error(serr))
		}
	}
	return obs, shutdown, nil
}

// Run executes one extraction run end to end. The returned Summary is
// non-nil whenever extraction was attempted; failures before any entity
// could run return an error instead.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Summary, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	obs, shutdownTelemetry, err := setupTelemetry(cfg.Observability)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry()

	runID := uuid.NewString()
	ctx = context.WithValue(ctx, logger.RunIDKey, runID)
	ctx = context.WithValue(ctx, logger.SinkKey, cfg.Sink.Type)
	log := logger.WithContext(ctx).With(zap.String("component", "runner"))

	monitor := newResourceMonitor()
	started := time.Now()

	summary := &Summary{
		RunID:     runID,
		Sink:      cfg.Sink.Type,
		StatePath: cfg.Extraction.StatePath,
		StartedAt: started,
		DryRun:    opts.DryRun,
	}

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer comps.client.Close()

	log.Info("run starting",
		zap.String("base_url", cfg.Source.BaseURL),
		zap.String("sink", cfg.Sink.Type),
		zap.Int("parallelism", cfg.Extraction.Parallelism),
		zap.Bool("dry_run", opts.DryRun))

	dctx, dspan := obs.StartSpan(ctx, "discover")
	entities, err := comps.discovery.DiscoverAll(dctx)
	if err != nil {
		dspan.RecordError(err)
		dspan.End()
		return nil, err
	}
	entities = discovery.Filter(entities, cfg.Extraction.Include, cfg.Extraction.Exclude)
	if cfg.Extraction.VerifyAccess {
		entities = comps.discovery.VerifyAccess(dctx, entities)
	}
	dspan.SetAttribute("entities", len(entities))
	dspan.End()

	metrics.EntitiesDiscovered.Set(float64(len(entities)))

	names := make([]string, 0, len(entities))
	for name := range entities {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		log.Warn("no entities selected, nothing to extract")
		summary.finish(started, monitor, comps.store)
		return summary, nil
	}

	// Schema building. Entities whose schema cannot be built fail
	// individually; auth and config failures stop the run before the
	// sink opens.
	schemas := make(map[string]*schema.EntitySchema, len(names))
	var results []EntitySummary
	for _, name := range names {
		es, serr := comps.discovery.BuildSchema(ctx, name)
		if serr != nil {
			if errors.IsClass(serr, errors.ClassConfig) || errors.IsClass(serr, errors.ClassAuth) {
				return nil, serr
			}
			log.Error("schema build failed", zap.String("entity", name), zap.Error(serr))
			results = append(results, EntitySummary{
				Entity: name,
				Status: StatusFailed,
				Error:  serr.Error(),
			})
			continue
		}
		schemas[name] = es
	}

	stateStore := state.NewStore(cfg.Extraction.StatePath)
	stateFile, err := stateStore.Load()
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		for _, name := range names {
			es := schemas[name]
			if es == nil {
				continue
			}
			entry := EntitySummary{
				Entity:   name,
				Status:   StatusPlanned,
				Strategy: string(strategyFor(es)),
				Fields:   es.Len(),
			}
			if bm, ok := stateFile.Get(name); ok {
				entry.Bookmark = bm.Value
			}
			results = append(results, entry)
		}
		summary.collect(results)
		summary.finish(started, monitor, comps.store)
		log.Info("dry run complete", zap.Int("entities", len(summary.Entities)))
		return summary, nil
	}

	manager, err := recovery.NewManager(cfg.Recovery)
	if err != nil {
		return nil, err
	}

	snk, err := sink.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := snk.Open(ctx); err != nil {
		return nil, err
	}

	httpConcurrency := cfg.Extraction.HTTPConcurrency
	if httpConcurrency < 1 {
		httpConcurrency = 8
	}
	gated := &gatedSource{
		client: comps.client,
		sem:    semaphore.NewWeighted(httpConcurrency),
	}

	batchSize := cfg.Sink.BatchSize
	if batchSize < 1 {
		batchSize = 500
	}

	r := &run{
		obs:        obs,
		logger:     log,
		engine:     extract.New(gated, comps.flattener, manager, cfg),
		manager:    manager,
		sink:       &sinkWriter{sink: snk},
		sinkName:   cfg.Sink.Type,
		schemas:    schemas,
		stateFile:  stateFile,
		stateStore: stateStore,
		batchSize:  batchSize,
	}

	parallelism := cfg.Extraction.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	var resultsMu sync.Mutex
	for _, name := range names {
		if schemas[name] == nil {
			continue
		}
		g.Go(func() error {
			var entry EntitySummary
			if r.isAborted() {
				entry = EntitySummary{
					Entity: name,
					Status: StatusSkipped,
					Error:  "run aborted before extraction started",
				}
			} else {
				entry = r.extractEntity(gctx, name)
			}
			resultsMu.Lock()
			results = append(results, entry)
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers report through results, never errors

	// When the run context died mid-flight, give the sink a bounded
	// window to flush what the workers confirmed.
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	if err := r.sink.writeState(flushCtx, stateFile); err != nil {
		log.Error("failed to write state snapshot to sink", zap.Error(err))
		summary.SinkError = err.Error()
	}
	if err := r.sink.close(flushCtx); err != nil {
		log.Error("sink close failed", zap.Error(err))
		if summary.SinkError == "" {
			summary.SinkError = err.Error()
		}
	}

	// Per-entity saves already persisted confirmed bookmarks; one more
	// save stamps the file at run end.
	if err := stateStore.Save(stateFile); err != nil {
		log.Error("final state save failed", zap.Error(err))
	}

	summary.Aborted, summary.AbortClass = r.abortState()
	summary.collect(results)
	summary.Events = manager.Events()
	summary.ErrorCounts = manager.CountsByClass()
	summary.finish(started, monitor, comps.store)

	log.Info("run complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int64("records", summary.Records),
		zap.Int("pages", summary.Pages),
		zap.Bool("aborted", summary.Aborted),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

func strategyFor(es *schema.EntitySchema) extract.Strategy {
	if es.ReplicationKey != "" {
		return extract.StrategyIncremental
	}
	return extract.StrategyFullTable
}

// run is the shared mutable state of one extraction run.
type run struct {
	obs        *observability.Observability
	logger     *zap.Logger
	engine     *extract.Engine
	manager    *recovery.Manager
	sink       *sinkWriter
	sinkName   string
	schemas    map[string]*schema.EntitySchema
	stateFile  *state.File
	stateStore *state.Store
	batchSize  int

	stateMu sync.Mutex

	abortMu    sync.Mutex
	aborted    bool
	abortClass errors.Class
}

// extractEntity runs one entity end to end: schema declaration, page
// extraction into the sink, and bookmark persistence. It never returns
// an error; the outcome lands in the returned summary entry.
func (r *run) extractEntity(ctx context.Context, name string) EntitySummary {
	ctx = context.WithValue(ctx, logger.EntityKey, name)
	log := logger.WithContext(ctx).With(zap.String("component", "runner"))

	ctx, span := r.obs.StartSpan(ctx, "extract_entity")
	span.SetAttribute("entity", name)
	defer span.End()

	start := time.Now()
	es := r.schemas[name]
	entry := EntitySummary{Entity: name, Fields: es.Len()}

	if err := r.sink.writeSchema(ctx, name, es); err != nil {
		span.RecordError(err)
		log.Error("schema write failed", zap.Error(err))
		r.noteAbort(err)
		entry.Status = StatusFailed
		entry.Error = err.Error()
		entry.Duration = time.Since(start)
		return entry
	}

	task := extract.Task{Schema: es}
	if bm, ok := r.bookmarkFor(name); ok {
		task.Bookmark = bm
		task.HasBookmark = true
	}

	emit := func(ctx context.Context, records []*pool.Record) error {
		for len(records) > 0 {
			n := len(records)
			if n > r.batchSize {
				n = r.batchSize
			}
			if err := r.sink.writeBatch(ctx, name, records[:n]); err != nil {
				return err
			}
			records = records[n:]
		}
		return nil
	}

	res, err := r.engine.Run(ctx, task, emit)
	entry.Strategy = string(res.Strategy)
	entry.Pages = res.Pages
	entry.Records = res.Records
	entry.Skipped = res.Skipped
	entry.Duration = time.Since(start)

	// Confirmed progress is persisted even when the scan failed, so the
	// next run resumes instead of starting over.
	if res.HasBookmark {
		entry.Bookmark = res.Bookmark.Value
		r.saveBookmark(name, res.Bookmark)
	}
	if entry.Duration > 0 {
		metrics.Throughput.WithLabelValues(name, r.sinkName).
			Set(float64(res.Records) / entry.Duration.Seconds())
	}

	if err != nil {
		span.RecordError(err)
		r.noteAbort(err)
		entry.Status = StatusFailed
		entry.Error = err.Error()
		return entry
	}
	entry.Status = StatusSucceeded
	return entry
}

func (r *run) bookmarkFor(entity string) (state.Bookmark, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.stateFile.Get(entity)
}

// saveBookmark records an entity's confirmed position and writes the
// state file. All state file access funnels through stateMu so a save
// never races a concurrent bookmark update.
func (r *run) saveBookmark(entity string, bm state.Bookmark) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.stateFile.Set(entity, bm)
	if err := r.stateStore.Save(r.stateFile); err != nil {
		r.logger.Error("bookmark save failed",
			zap.String("entity", entity),
			zap.Error(err))
	}
}

// noteAbort flags the run when a failure is one extraction cannot work
// around: config errors abort by policy, and auth failures fail the run
// once entities already in flight settle.
func (r *run) noteAbort(err error) {
	if !r.manager.ShouldAbort(err) && !errors.IsClass(err, errors.ClassAuth) {
		return
	}
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	if !r.aborted {
		r.aborted = true
		r.abortClass = errors.GetClass(err)
	}
}

func (r *run) isAborted() bool {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	return r.aborted
}

func (r *run) abortState() (bool, errors.Class) {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	return r.aborted, r.abortClass
}

// gatedSource bounds in-flight page requests across all workers with a
// weighted semaphore, independently of entity parallelism.
type gatedSource struct {
	client extract.Source
	sem    *semaphore.Weighted
}

func (g *gatedSource) GetEntityPage(ctx context.Context, entity string, params map[string]string) (*source.RawPage, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.client.GetEntityPage(ctx, entity, params)
}

// sinkWriter serializes sink access. The Sink contract does not require
// implementations to be safe for concurrent use, so workers funnel
// every call through one mutex.
type sinkWriter struct {
	mu   sync.Mutex
	sink sink.Sink
}

func (w *sinkWriter) writeSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.WriteSchema(ctx, entity, es)
}

func (w *sinkWriter) writeBatch(ctx context.Context, entity string, records []*pool.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.WriteBatch(ctx, entity, records)
}

func (w *sinkWriter) writeState(ctx context.Context, st *state.File) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.WriteState(ctx, st)
}

func (w *sinkWriter) close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.Close(ctx)
}
