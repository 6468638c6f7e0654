package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/extract"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/recovery"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
)

// captureSink records everything a run writes so tests can assert on
// delivered data without a real destination.
type captureSink struct {
	mu      sync.Mutex
	opened  bool
	closed  bool
	schemas map[string]*schema.EntitySchema
	records map[string][]map[string]interface{}
	states  []*state.File
	order   []string
}

// capturedSink is the instance the factory last built; tests reset it
// before each run they assert on.
var capturedSink *captureSink

func init() {
	err := sink.Register("capture", func(cfg *config.Config) (sink.Sink, error) {
		cs := &captureSink{
			schemas: make(map[string]*schema.EntitySchema),
			records: make(map[string][]map[string]interface{}),
		}
		capturedSink = cs
		return cs, nil
	})
	if err != nil {
		panic(err)
	}
}

func (c *captureSink) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	return nil
}

func (c *captureSink) WriteSchema(_ context.Context, entity string, es *schema.EntitySchema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schemas[entity]; ok {
		return errors.New(errors.ClassDataValidation, "schema already written for entity")
	}
	c.schemas[entity] = es
	c.order = append(c.order, "schema:"+entity)
	return nil
}

func (c *captureSink) WriteBatch(_ context.Context, entity string, records []*pool.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.schemas[entity]; !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity")
	}
	for _, rec := range records {
		copied := make(map[string]interface{}, len(rec.Data))
		for k, v := range rec.Data {
			copied[k] = v
		}
		c.records[entity] = append(c.records[entity], copied)
	}
	c.order = append(c.order, "batch:"+entity)
	return nil
}

func (c *captureSink) WriteState(_ context.Context, st *state.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, st)
	c.order = append(c.order, "state")
	return nil
}

func (c *captureSink) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
}

func describePayload(entity string) map[string]interface{} {
	return map[string]interface{}{
		"name": entity,
		"fields": []map[string]interface{}{
			{"name": "id", "type": "integer"},
			{"name": "status", "type": "string"},
			{"name": "updated_at", "type": "timestamp"},
		},
		"primary_key":     "id",
		"replication_key": "updated_at",
	}
}

var ordersBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func orderRow(i int) map[string]interface{} {
	return map[string]interface{}{
		"id":         i + 1,
		"status":     "open",
		"updated_at": ordersBase.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
	}
}

// newOrdersServer serves one "orders" entity holding 150 records split
// across 3 pages of 50, with next_page cursors on the first two pages.
func newOrdersServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	orders := make([]map[string]interface{}, 150)
	for i := range orders {
		orders[i] = orderRow(i)
	}
	maxUpdatedAt := orders[149]["updated_at"].(string)

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []string{"orders"})
	})
	mux.HandleFunc("/entities/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, describePayload("orders"))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		var start int
		switch r.URL.Query().Get("cursor") {
		case "":
			start = 0
		case "page2":
			start = 50
		case "page3":
			start = 100
		default:
			http.Error(w, "unknown cursor", http.StatusBadRequest)
			return
		}
		body := map[string]interface{}{"results": orders[start : start+50]}
		switch start {
		case 0:
			body["next_page"] = server.URL + "/orders?cursor=page2"
		case 50:
			body["next_page"] = server.URL + "/orders?cursor=page3"
		}
		writeJSON(t, w, body)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, maxUpdatedAt
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Source.BaseURL = baseURL
	cfg.Source.PageSize = 50
	cfg.Extraction.Parallelism = 2
	cfg.Extraction.StatePath = filepath.Join(t.TempDir(), "state.json")
	cfg.Sink.Type = "capture"
	cfg.Observability.LogLevel = "error"
	return cfg
}

func TestRunDrainsCursorPaginatedSource(t *testing.T) {
	server, maxUpdatedAt := newOrdersServer(t)
	cfg := testConfig(t, server.URL)
	capturedSink = nil

	summary, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, summary)

	require.Len(t, summary.Entities, 1)
	entry := summary.Entities[0]
	assert.Equal(t, "orders", entry.Entity)
	assert.Equal(t, StatusSucceeded, entry.Status)
	assert.Equal(t, string(extract.StrategyIncremental), entry.Strategy)
	assert.Equal(t, 3, entry.Pages)
	assert.Equal(t, int64(150), entry.Records)
	assert.Equal(t, maxUpdatedAt, entry.Bookmark)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, int64(150), summary.Records)
	assert.False(t, summary.RunFailed())
	assert.NotEmpty(t, summary.RunID)
	assert.Positive(t, summary.Resources.Goroutines)

	cs := capturedSink
	require.NotNil(t, cs)
	assert.True(t, cs.opened)
	assert.True(t, cs.closed)

	recs := cs.records["orders"]
	require.Len(t, recs, 150)
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		id := fmt.Sprintf("%v", rec["id"])
		assert.False(t, seen[id], "duplicate record id %s", id)
		seen[id] = true
	}

	require.NotEmpty(t, cs.order)
	assert.Equal(t, "schema:orders", cs.order[0])
	assert.Equal(t, "state", cs.order[len(cs.order)-1])
	require.Len(t, cs.states, 1)

	file, err := state.NewStore(cfg.Extraction.StatePath).Load()
	require.NoError(t, err)
	bm, ok := file.Get("orders")
	require.True(t, ok)
	assert.Equal(t, "updated_at", bm.ReplicationKey)
	assert.Equal(t, maxUpdatedAt, bm.Value)
}

func TestRunRetriesRateLimitedPages(t *testing.T) {
	var mu sync.Mutex
	extractionAttempts := 0

	items := []map[string]interface{}{orderRow(0), orderRow(1), orderRow(2)}

	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []string{"items"})
	})
	mux.HandleFunc("/entities/items", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, describePayload("items"))
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		// Sample requests carry only a limit; extraction requests order
		// by the replication key.
		if r.URL.Query().Get("order_by") != "" {
			mu.Lock()
			extractionAttempts++
			n := extractionAttempts
			mu.Unlock()
			if n <= 2 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
		}
		writeJSON(t, w, map[string]interface{}{"results": items})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)
	cfg.Recovery.Policies = map[string]config.PolicyConfig{
		"rate_limit": {Action: "retry", MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1.0},
	}
	capturedSink = nil

	summary, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)

	require.Len(t, summary.Entities, 1)
	entry := summary.Entities[0]
	assert.Equal(t, StatusSucceeded, entry.Status)
	assert.Equal(t, 1, entry.Pages)
	assert.Equal(t, int64(3), entry.Records)

	assert.Equal(t, 2, summary.ErrorCounts[errors.ClassRateLimit])
	rateLimited := 0
	for _, ev := range summary.Events {
		if ev.Class == errors.ClassRateLimit {
			rateLimited++
			assert.Equal(t, recovery.ActionRetry, ev.Action)
			assert.Equal(t, "items", ev.Entity)
		}
	}
	assert.Equal(t, 2, rateLimited)

	require.NotNil(t, capturedSink)
	assert.Len(t, capturedSink.records["items"], 3)
}

func TestRunKeepsGoingWhenOneEntityFails(t *testing.T) {
	goodRows := []map[string]interface{}{orderRow(0), orderRow(1), orderRow(2)}

	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []string{"bad", "good"})
	})
	mux.HandleFunc("/entities/bad", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, describePayload("bad"))
	})
	mux.HandleFunc("/entities/good", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, describePayload("good"))
	})
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{"results": goodRows})
	})
	mux.HandleFunc("/bad", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)
	cfg.Recovery.Policies = map[string]config.PolicyConfig{
		"server": {Action: "retry", MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1.0},
	}
	capturedSink = nil

	summary, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)

	require.Len(t, summary.Entities, 2)
	byName := make(map[string]EntitySummary, 2)
	for _, e := range summary.Entities {
		byName[e.Entity] = e
	}

	assert.Equal(t, StatusFailed, byName["bad"].Status)
	assert.Contains(t, byName["bad"].Error, "retry attempts exhausted")
	assert.Equal(t, StatusSucceeded, byName["good"].Status)
	assert.Equal(t, int64(3), byName["good"].Records)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Aborted)
	assert.False(t, summary.RunFailed(), "partial success must not fail the run")

	file, err := state.NewStore(cfg.Extraction.StatePath).Load()
	require.NoError(t, err)
	_, ok := file.Get("good")
	assert.True(t, ok)
	_, ok = file.Get("bad")
	assert.False(t, ok, "failed entity delivered nothing, no bookmark")
}

func TestRunAuthFailureAbortsRemainingEntities(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []string{"aaa", "bbb", "ccc"})
	})
	for _, name := range []string{"aaa", "bbb", "ccc"} {
		mux.HandleFunc("/entities/"+name, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, describePayload(name))
		})
	}
	mux.HandleFunc("/aaa", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	})
	rows := []map[string]interface{}{orderRow(0)}
	mux.HandleFunc("/bbb", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{"results": rows})
	})
	mux.HandleFunc("/ccc", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]interface{}{"results": rows})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)
	cfg.Extraction.Parallelism = 1
	capturedSink = nil

	summary, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)

	assert.True(t, summary.Aborted)
	assert.Equal(t, errors.ClassAuth, summary.AbortClass)
	assert.True(t, summary.RunFailed())

	require.Len(t, summary.Entities, 3)
	byName := make(map[string]EntitySummary, 3)
	for _, e := range summary.Entities {
		byName[e.Entity] = e
	}
	assert.Equal(t, StatusFailed, byName["aaa"].Status)
	assert.Equal(t, StatusSkipped, byName["bbb"].Status)
	assert.Equal(t, StatusSkipped, byName["ccc"].Status)

	require.NotNil(t, capturedSink)
	assert.Empty(t, capturedSink.records)
	_, wroteB := capturedSink.schemas["bbb"]
	assert.False(t, wroteB, "skipped entity must not reach the sink")
}

func TestRunResumesFromStoredBookmark(t *testing.T) {
	var mu sync.Mutex
	var gotFilter string

	rows := []map[string]interface{}{
		{"id": 200, "status": "open", "updated_at": "2026-03-01T02:30:00Z"},
		{"id": 201, "status": "open", "updated_at": "2026-03-01T03:00:00Z"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, []string{"orders"})
	})
	mux.HandleFunc("/entities/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, describePayload("orders"))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if f := r.URL.Query().Get("updated_at__gte"); f != "" {
			mu.Lock()
			gotFilter = f
			mu.Unlock()
		}
		writeJSON(t, w, map[string]interface{}{"results": rows})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := testConfig(t, server.URL)

	seed := state.NewFile()
	seed.Set("orders", state.Bookmark{
		ReplicationKey: "updated_at",
		Value:          "2026-03-01T02:00:00Z",
		LastSyncedAt:   time.Now().UTC(),
	})
	require.NoError(t, state.NewStore(cfg.Extraction.StatePath).Save(seed))
	capturedSink = nil

	summary, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	// The 5 minute default overlap widens the bookmark backward.
	mu.Lock()
	assert.Equal(t, "2026-03-01T01:55:00Z", gotFilter)
	mu.Unlock()

	file, err := state.NewStore(cfg.Extraction.StatePath).Load()
	require.NoError(t, err)
	bm, ok := file.Get("orders")
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T03:00:00Z", bm.Value)
}

func TestDryRunPlansWithoutWriting(t *testing.T) {
	server, _ := newOrdersServer(t)
	cfg := testConfig(t, server.URL)
	capturedSink = nil

	summary, err := Run(context.Background(), cfg, Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, summary.DryRun)
	require.Len(t, summary.Entities, 1)
	entry := summary.Entities[0]
	assert.Equal(t, StatusPlanned, entry.Status)
	assert.Equal(t, string(extract.StrategyIncremental), entry.Strategy)
	assert.Equal(t, 3, entry.Fields)
	assert.Equal(t, int64(0), summary.Records)
	assert.False(t, summary.RunFailed())

	assert.Nil(t, capturedSink, "dry run must not build the sink")
	_, statErr := os.Stat(cfg.Extraction.StatePath)
	assert.True(t, os.IsNotExist(statErr), "dry run must not write state")
}

func TestDiscoverBuildsCatalog(t *testing.T) {
	server, _ := newOrdersServer(t)
	cfg := testConfig(t, server.URL)

	catalog, err := Discover(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"orders"}, catalog.Names())
	entity := catalog.Entities["orders"]
	assert.Equal(t, "id", entity.PrimaryKey)
	assert.Equal(t, "updated_at", entity.ReplicationKey)

	es := catalog.Schemas["orders"]
	require.NotNil(t, es)
	assert.Equal(t, "orders", es.Entity)
	for _, name := range []string{"id", "status", "updated_at"} {
		_, ok := es.Field(name)
		assert.True(t, ok, "schema missing field %s", name)
	}
}

func TestSummaryRunFailed(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    bool
	}{
		{"all succeeded", Summary{Succeeded: 3}, false},
		{"partial failure", Summary{Succeeded: 2, Failed: 1}, false},
		{"all failed", Summary{Failed: 2}, true},
		{"aborted", Summary{Succeeded: 2, Aborted: true}, true},
		{"nothing ran", Summary{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.summary.RunFailed())
		})
	}
}
