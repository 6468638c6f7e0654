// Package extract walks entity collections page by page and streams
// normalized records out through an emit callback. A scan is sequential
// by construction: the next request depends on the previous page's
// cursor, and the bookmark advances only after a page's records have
// been delivered, so an interrupted run never claims progress the sink
// did not see.
package extract

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/recovery"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/source"
	"github.com/inletlabs/inlet/pkg/state"
)

// Strategy names how an entity is replicated.
type Strategy string

const (
	// StrategyIncremental orders ascending on the replication key and
	// filters from the previous bookmark minus the safety overlap.
	StrategyIncremental Strategy = "incremental"

	// StrategyFullTable orders descending on the primary key so an
	// interrupted scan resumes strictly below the smallest key already
	// extracted.
	StrategyFullTable Strategy = "full_table"
)

const (
	modeCursor = "cursor"
	modeOffset = "offset"
)

// Task is one entity extraction assignment.
type Task struct {
	// Schema is the resolved entity schema carrying the entity name and
	// its primary and replication keys.
	Schema *schema.EntitySchema

	// Bookmark is the persisted position from the previous run.
	Bookmark state.Bookmark

	// HasBookmark is false on a full initial extraction.
	HasBookmark bool
}

// Result reports one finished or interrupted entity scan. Run returns it
// even on failure so the caller can persist confirmed progress.
type Result struct {
	Entity   string
	Strategy Strategy
	Pages    int
	Records  int64
	Skipped  int64

	// Bookmark is the position to persist, valid when HasBookmark.
	Bookmark    state.Bookmark
	HasBookmark bool
}

// EmitFunc receives each page's records in extraction order. The engine
// returns the records to the pool when the call returns, so
// implementations must not retain them.
type EmitFunc func(ctx context.Context, records []*pool.Record) error

// Source is the slice of the source client the engine relies on.
type Source interface {
	GetEntityPage(ctx context.Context, entity string, params map[string]string) (*source.RawPage, error)
}

// Engine runs entity scans. One Engine is shared by all extraction
// workers; per-scan state lives inside Run.
type Engine struct {
	client    Source
	flattener *schema.Flattener
	recovery  *recovery.Manager
	logger    *zap.Logger

	pageSize    int
	mode        string
	cursorParam string
	overlap     time.Duration

	clock func() time.Time
}

// New builds an Engine from the run configuration. The flattener must be
// the same instance used at schema-build time so records match the
// schema that was declared for them.
func New(client Source, flattener *schema.Flattener, manager *recovery.Manager, cfg *config.Config) *Engine {
	pageSize := cfg.Source.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	mode := cfg.Source.PaginationMode
	if mode == "" {
		mode = modeCursor
	}
	cursorParam := cfg.Source.CursorParam
	if cursorParam == "" {
		cursorParam = "cursor"
	}
	overlap := cfg.Extraction.Overlap
	if overlap < 0 {
		overlap = 0
	}

	return &Engine{
		client:      client,
		flattener:   flattener,
		recovery:    manager,
		logger:      logger.Get().With(zap.String("component", "extract")),
		pageSize:    pageSize,
		mode:        mode,
		cursorParam: cursorParam,
		overlap:     overlap,
		clock:       time.Now,
	}
}

// scan is the per-entity state: a request filter fixed at start (changing
// it mid-scan would invalidate the pagination position), the position
// itself, and the running bookmark.
type scan struct {
	entity   string
	strategy Strategy
	orderKey string

	filterKey   string
	filterValue string

	bookmark    interface{}
	hasBookmark bool

	cursor   string
	nextPage int

	pages   int
	records int64
	skipped int64
}

// Run scans one entity to completion. The returned Result is always
// non-nil; on error it carries whatever progress was confirmed before the
// failure so the caller can still persist the bookmark.
func (e *Engine) Run(ctx context.Context, task Task, emit EmitFunc) (*Result, error) {
	if task.Schema == nil {
		return &Result{}, errors.New(errors.ClassConfig, "extraction task carries no schema")
	}

	s := e.newScan(task)
	timer := metrics.NewTimer("extract_" + s.entity)

	e.logger.Info("starting extraction",
		zap.String("entity", s.entity),
		zap.String("strategy", string(s.strategy)),
		zap.String("order_key", s.orderKey),
		zap.Bool("resuming", s.filterKey != ""))

	err := e.drain(ctx, s, emit)

	duration := timer.Stop()
	metrics.ExtractionDuration.WithLabelValues(s.entity, string(s.strategy)).Observe(duration.Seconds())
	e.publishLag(s)

	result := s.result(e.clock())
	if err != nil {
		e.logger.Error("extraction failed",
			zap.String("entity", s.entity),
			zap.Int("pages", s.pages),
			zap.Int64("records", s.records),
			zap.Error(err))
		return result, err
	}

	e.logger.Info("extraction complete",
		zap.String("entity", s.entity),
		zap.String("strategy", string(s.strategy)),
		zap.Int("pages", s.pages),
		zap.Int64("records", s.records),
		zap.Int64("skipped", s.skipped),
		zap.Duration("duration", duration))
	return result, nil
}

// newScan selects the strategy and computes the fixed request filter. A
// stored bookmark saved under a different key than the entity now orders
// by is stale and is dropped.
func (e *Engine) newScan(task Task) *scan {
	sch := task.Schema
	s := &scan{entity: sch.Entity}

	if sch.ReplicationKey != "" {
		s.strategy = StrategyIncremental
		s.orderKey = sch.ReplicationKey
	} else {
		s.strategy = StrategyFullTable
		s.orderKey = sch.PrimaryKey
	}

	if task.HasBookmark && task.Bookmark.Value != nil {
		if task.Bookmark.ReplicationKey != "" && task.Bookmark.ReplicationKey != s.orderKey {
			e.logger.Warn("stored bookmark uses a different key, running full initial extraction",
				zap.String("entity", s.entity),
				zap.String("stored_key", task.Bookmark.ReplicationKey),
				zap.String("order_key", s.orderKey))
		} else {
			s.bookmark = task.Bookmark.Value
			s.hasBookmark = true
		}
	}

	if s.hasBookmark && s.orderKey != "" {
		switch s.strategy {
		case StrategyIncremental:
			s.filterKey = s.orderKey + "__gte"
			s.filterValue = e.lowerBound(s.bookmark)
		case StrategyFullTable:
			s.filterKey, s.filterValue = resumeFilter(s.orderKey, s.bookmark)
		}
	}
	return s
}

// drain walks pages until the source reports the scan complete.
func (e *Engine) drain(ctx context.Context, s *scan, emit EmitFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ClassNetwork, "extraction canceled").
				WithDetail("entity", s.entity)
		}

		params := e.requestParams(s)
		var page *source.RawPage
		err := e.recovery.Execute(ctx, s.entity, func(ctx context.Context) error {
			got, err := e.client.GetEntityPage(ctx, s.entity, params)
			if err != nil {
				return err
			}
			page = got
			return nil
		})
		if err != nil {
			return err
		}

		raw, delivered, err := e.processPage(ctx, s, page, emit)
		if err != nil {
			return err
		}

		s.pages++
		metrics.PagesFetched.WithLabelValues(s.entity, string(s.strategy)).Inc()
		e.logger.Debug("page processed",
			zap.String("entity", s.entity),
			zap.Int("page", s.pages),
			zap.Int("records", delivered),
			zap.Int("raw", raw))

		if raw == 0 {
			return nil
		}
		if !e.advance(s, page) {
			return nil
		}
	}
}

// requestParams assembles the query for the next page request.
func (e *Engine) requestParams(s *scan) map[string]string {
	params := map[string]string{
		"limit": strconv.Itoa(e.pageSize),
	}
	if s.orderKey != "" {
		params["order_by"] = s.orderKey
		if s.strategy == StrategyFullTable {
			params["order"] = "desc"
		} else {
			params["order"] = "asc"
		}
	}
	if s.filterKey != "" {
		params[s.filterKey] = s.filterValue
	}
	switch e.mode {
	case modeOffset:
		if s.nextPage > 0 {
			params["page_nbr"] = strconv.Itoa(s.nextPage)
		}
	default:
		if s.cursor != "" {
			params[e.cursorParam] = s.cursor
		}
	}
	return params
}

// advance moves the scan to the next page position, reporting false when
// the source says the scan is complete.
func (e *Engine) advance(s *scan, page *source.RawPage) bool {
	switch e.mode {
	case modeOffset:
		current, count, ok := page.PageInfo()
		if !ok || current >= count {
			return false
		}
		s.nextPage = current + 1
		return true
	default:
		cursor, ok := page.NextCursor(e.cursorParam)
		if !ok {
			return false
		}
		s.cursor = cursor
		return true
	}
}

// processPage normalizes the page's rows, hands them to emit, and folds
// the page's best key value into the running bookmark once delivery
// succeeds. It returns the raw row count so the caller can tell an empty
// page from a fully skipped one.
func (e *Engine) processPage(ctx context.Context, s *scan, page *source.RawPage, emit EmitFunc) (raw, delivered int, err error) {
	rows, malformed := page.Records()
	raw = len(rows) + malformed

	for i := 0; i < malformed; i++ {
		e.recovery.Note(s.entity, errors.New(errors.ClassDataValidation, "record is not an object"))
	}
	skipped := int64(malformed)

	batch := pool.GetBatchSlice(len(rows))
	release := func() {
		for _, rec := range batch {
			rec.Release()
		}
		pool.PutBatchSlice(batch)
	}

	var best interface{}
	var hasBest bool

	for _, row := range rows {
		rec := pool.NewRecordFromPool(s.entity)
		if nerr := e.flattener.NormalizeInto(rec.Data, row); nerr != nil {
			rec.Release()
			if e.recovery.Note(s.entity, nerr) == recovery.ActionSkip {
				skipped++
				continue
			}
			release()
			return raw, 0, nerr
		}
		rec.Metadata.Page = int64(s.pages + 1)
		rec.Metadata.Strategy = string(s.strategy)
		batch = append(batch, rec)

		if s.orderKey == "" {
			continue
		}
		if v, ok := rec.Data[s.orderKey]; ok && v != nil {
			if !hasBest || s.prefer(v, best) {
				best, hasBest = v, true
			}
		}
	}

	if len(batch) == 0 {
		release()
		s.noteSkipped(skipped)
		return raw, 0, nil
	}

	if err := emit(ctx, batch); err != nil {
		release()
		return raw, 0, err
	}
	delivered = len(batch)
	release()

	s.records += int64(delivered)
	s.noteSkipped(skipped)
	metrics.RecordsExtracted.WithLabelValues(s.entity).Add(float64(delivered))
	if hasBest {
		s.observe(best)
	}
	return raw, delivered, nil
}

// publishLag exposes bookmark age for time-typed replication keys.
func (e *Engine) publishLag(s *scan) {
	if s.strategy != StrategyIncremental || !s.hasBookmark {
		return
	}
	t, ok := parseTime(bookmarkString(s.bookmark))
	if !ok {
		return
	}
	lag := e.clock().Sub(t).Seconds()
	if lag < 0 {
		lag = 0
	}
	metrics.BookmarkLag.WithLabelValues(s.entity).Set(lag)
}

// lowerBound renders the incremental filter value. Time-typed bookmarks
// are widened backward by the safety overlap; anything else is passed
// through untouched.
func (e *Engine) lowerBound(bookmark interface{}) string {
	str := bookmarkString(bookmark)
	if t, ok := parseTime(str); ok {
		return t.Add(-e.overlap).UTC().Format(time.RFC3339)
	}
	return str
}

// prefer reports whether a should replace b as the running bookmark: the
// larger value on ascending incremental scans, the smaller on descending
// full-table scans.
func (s *scan) prefer(a, b interface{}) bool {
	if s.strategy == StrategyFullTable {
		return compareValues(a, b) < 0
	}
	return compareValues(a, b) > 0
}

// observe folds a delivered page's best key value into the bookmark.
// With the overlap re-fetching already extracted records, keeping the
// max (or min) preserves monotonicity across pages.
func (s *scan) observe(v interface{}) {
	if !s.hasBookmark || s.prefer(v, s.bookmark) {
		s.bookmark = v
		s.hasBookmark = true
	}
}

func (s *scan) noteSkipped(skipped int64) {
	if skipped == 0 {
		return
	}
	s.skipped += skipped
	metrics.RecordsSkipped.WithLabelValues(s.entity).Add(float64(skipped))
}

// result snapshots the scan for the caller.
func (s *scan) result(now time.Time) *Result {
	r := &Result{
		Entity:   s.entity,
		Strategy: s.strategy,
		Pages:    s.pages,
		Records:  s.records,
		Skipped:  s.skipped,
	}
	if s.hasBookmark {
		r.Bookmark = state.Bookmark{
			ReplicationKey: s.orderKey,
			Value:          s.bookmark,
			LastSyncedAt:   now,
		}
		r.HasBookmark = true
	}
	return r
}
