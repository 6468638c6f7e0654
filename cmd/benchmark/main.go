// Command benchmark measures extraction throughput against a synthetic
// in-process REST API, so engine and runner changes can be compared
// without external services. Optional pprof captures cover the measured
// iterations.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/inletlabs/inlet/internal/runner"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
)

var (
	records     = flag.Int("records", 100000, "Records served per entity")
	entities    = flag.Int("entities", 4, "Number of synthetic entities")
	pageSize    = flag.Int("page-size", 500, "Records per page")
	parallelism = flag.Int("parallelism", runtime.NumCPU(), "Concurrent entity extractions")
	iterations  = flag.Int("count", 3, "Number of measured iterations")
	cpuFile     = flag.String("cpuprofile", "", "Write CPU profile to file")
	memFile     = flag.String("memprofile", "", "Write memory profile to file")
	verbose     = flag.Bool("v", false, "Print the per-entity summary each iteration")
)

func main() {
	flag.Parse()

	if err := sink.Register("discard", func(*config.Config) (sink.Sink, error) {
		return discardSink{}, nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register discard sink: %v\n", err)
		os.Exit(1)
	}

	srv, baseURL, err := startSyntheticAPI(*entities, *records, *pageSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start synthetic API: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	tmpDir, err := os.MkdirTemp("", "inlet-benchmark-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	total := *entities * *records
	fmt.Println("=== Inlet Extraction Benchmark ===")
	fmt.Printf("Entities: %d, records each: %d, page size: %d, parallelism: %d\n",
		*entities, *records, *pageSize, *parallelism)
	fmt.Printf("Total records per iteration: %d\n\n", total)

	if *cpuFile != "" {
		f, cerr := os.Create(*cpuFile)
		if cerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to create CPU profile: %v\n", cerr)
			os.Exit(1)
		}
		defer f.Close()
		if cerr := pprof.StartCPUProfile(f); cerr != nil {
			fmt.Fprintf(os.Stderr, "Failed to start CPU profile: %v\n", cerr)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	var best float64
	for i := 1; i <= *iterations; i++ {
		// A fresh state path per iteration keeps every run a full drain
		// instead of a bookmark resume.
		cfg := benchmarkConfig(baseURL, filepath.Join(tmpDir, fmt.Sprintf("state-%d.json", i)))

		summary, rerr := runner.Run(context.Background(), cfg, runner.Options{})
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "Iteration %d failed: %v\n", i, rerr)
			os.Exit(1)
		}
		if summary.RunFailed() {
			fmt.Fprintf(os.Stderr, "Iteration %d failed: %d of %d entities failed\n",
				i, summary.Failed, len(summary.Entities))
			os.Exit(1)
		}

		rate := float64(summary.Records) / summary.Duration.Seconds()
		if rate > best {
			best = rate
		}
		fmt.Printf("iteration %d: %d records, %d pages in %s (%.0f records/s, rss %.1f MiB)\n",
			i, summary.Records, summary.Pages, summary.Duration.Round(time.Millisecond),
			rate, float64(summary.Resources.MemoryRSS)/(1<<20))

		if *verbose {
			for _, e := range summary.Entities {
				fmt.Printf("  %-16s %s  %d pages  %d records  %s\n",
					e.Entity, e.Status, e.Pages, e.Records, e.Duration.Round(time.Millisecond))
			}
		}
	}

	fmt.Printf("\nbest: %.0f records/s\n", best)

	if *memFile != "" {
		f, merr := os.Create(*memFile)
		if merr != nil {
			fmt.Fprintf(os.Stderr, "Failed to create memory profile: %v\n", merr)
			os.Exit(1)
		}
		defer f.Close()
		runtime.GC()
		if merr := pprof.WriteHeapProfile(f); merr != nil {
			fmt.Fprintf(os.Stderr, "Failed to write memory profile: %v\n", merr)
			os.Exit(1)
		}
		fmt.Printf("memory profile written to %s\n", *memFile)
	}
}

func benchmarkConfig(baseURL, statePath string) *config.Config {
	cfg := config.NewConfig()
	cfg.Source.BaseURL = baseURL
	cfg.Source.PageSize = *pageSize
	cfg.Extraction.Parallelism = *parallelism
	cfg.Extraction.StatePath = statePath
	cfg.Sink.Type = "discard"
	cfg.Observability.LogLevel = "error"
	return cfg
}

// startSyntheticAPI serves a catalog of entityCount entities, each with
// recordCount generated rows paginated by an offset-valued cursor.
func startSyntheticAPI(entityCount, recordCount, perPage int) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	baseURL := "http://" + ln.Addr().String()

	names := make([]string, entityCount)
	for i := range names {
		names[i] = fmt.Sprintf("bench%04d", i)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, names)
	})
	for _, entity := range names {
		mux.HandleFunc("/entities/"+entity, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]interface{}{
				"name": entity,
				"fields": []map[string]interface{}{
					{"name": "id", "type": "integer"},
					{"name": "seq", "type": "integer"},
					{"name": "updated_at", "type": "timestamp"},
					{"name": "payload", "type": "string"},
				},
				"primary_key":     "id",
				"replication_key": "updated_at",
			})
		})
		mux.HandleFunc("/"+entity, func(w http.ResponseWriter, r *http.Request) {
			start := 0
			if c := r.URL.Query().Get("cursor"); c != "" {
				start, _ = strconv.Atoi(c)
			}
			end := start + perPage
			if end > recordCount {
				end = recordCount
			}
			rows := make([]map[string]interface{}, 0, end-start)
			for i := start; i < end; i++ {
				rows = append(rows, map[string]interface{}{
					"id":         i + 1,
					"seq":        i,
					"updated_at": base.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
					"payload":    entity + "-row-" + strconv.Itoa(i),
				})
			}
			body := map[string]interface{}{"results": rows}
			if end < recordCount {
				body["next_page"] = fmt.Sprintf("%s/%s?cursor=%d", baseURL, entity, end)
			}
			writeJSON(w, body)
		})
	}

	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	return srv, baseURL, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.MarshalToWriter(w, v)
}

// discardSink accepts everything and keeps nothing, so the benchmark
// measures extraction rather than destination speed.
type discardSink struct{}

func (discardSink) Open(context.Context) error { return nil }

func (discardSink) WriteSchema(context.Context, string, *schema.EntitySchema) error { return nil }

func (discardSink) WriteBatch(context.Context, string, []*pool.Record) error { return nil }

func (discardSink) WriteState(context.Context, *state.File) error { return nil }

func (discardSink) Close(context.Context) error { return nil }
