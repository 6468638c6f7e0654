// Package inlet is an adaptive extraction platform for REST APIs: it
// discovers what an API offers, infers schemas, paginates through every
// entity and lands the records in files, databases, object stores or
// message brokers, resuming from per-entity bookmarks on the next run.
//
// Inlet treats the upstream API as a catalog, not a hardcoded contract:
//   - Entities are discovered from a catalog endpoint at run time
//   - Schemas combine declared metadata with live record samples
//   - Cursor and offset pagination are both supported per source
//   - Incremental extraction rides a replication key when one exists,
//     with a full-table scan as the fallback
//   - Failures are classified and recovered per class: retry with
//     backoff, skip, escalate or abort, behind circuit breakers
//
// # Architecture
//
// A run flows through a small set of packages:
//
// 1. Discovery (pkg/discovery, pkg/source): list entities, describe
// their fields, sample live records, and build one flat schema per
// entity. Results are TTL-cached per namespace (pkg/cache).
//
// 2. Extraction (pkg/extract): drain each entity page by page, choosing
// the incremental or full-table strategy from the schema, tracking a
// bookmark from delivered records only.
//
// 3. Recovery (pkg/errors, pkg/recovery): every failure carries a
// class; the recovery manager applies the class policy with retry
// budgets and per-class circuit breakers.
//
// 4. Delivery (pkg/sink): batches land in a pluggable sink; bookmarks
// persist atomically (pkg/state) after each entity and at run end.
//
// The runner (internal/runner) wires these together under one errgroup
// with a shared HTTP semaphore and an optional token-bucket rate limit,
// and reports a per-entity summary.
//
// # Quick Start
//
// Extract everything an API offers into JSONL files:
//
//	import (
//	    "context"
//
//	    "github.com/inletlabs/inlet/internal/runner"
//	    "github.com/inletlabs/inlet/pkg/config"
//
//	    _ "github.com/inletlabs/inlet/pkg/sink/file"
//	)
//
//	cfg := config.NewConfig()
//	cfg.Source.BaseURL = "https://api.example.com/v2"
//	cfg.Source.Auth = config.AuthConfig{Kind: "bearer", Token: token}
//	cfg.Sink.Type = "file"
//	cfg.Sink.File.Directory = "out"
//
//	summary, err := runner.Run(context.Background(), cfg, runner.Options{})
//
// Or from the command line:
//
//	inlet run --config inlet.yaml --sink file --entities "orders,users"
//
// # Key Packages
//
//	pkg/source     - REST client: catalog, describe and page endpoints
//	pkg/discovery  - entity discovery, filtering, schema building
//	pkg/schema     - type inference, metadata merge, flattening
//	pkg/extract    - pagination strategies and bookmark tracking
//	pkg/recovery   - classified retries, budgets, circuit breakers
//	pkg/sink       - sink registry and the eight shipped sinks
//	pkg/state      - atomic bookmark persistence
//	pkg/config     - unified configuration with YAML loading
//	pkg/pool       - pooled records shared across the pipeline
//
// # Sinks
//
// Shipped sink types, selected by sink.type:
//   - stdout: singer-style SCHEMA/RECORD/STATE lines
//   - file: JSONL, CSV or Parquet per entity, optional compression
//   - sqldb: postgres, mysql or snowflake landing tables
//   - s3, gcs: compressed JSONL objects per entity
//   - bigquery: streaming inserts with schema-mapped tables
//   - kafka: one topic per entity, JSON or Avro
//   - mongodb: one collection per entity with native BSON types
//
// # Configuration
//
// One Config struct covers the whole run:
//
//	type Config struct {
//	    Source        SourceConfig        // base URL, auth, pagination
//	    Extraction    ExtractionConfig    // parallelism, filters, state
//	    Cache         CacheConfig         // discovery TTLs
//	    Recovery      RecoveryConfig      // policies, breakers, budget
//	    Sink          SinkConfig          // destination and its options
//	    Observability ObservabilityConfig // logging, metrics, tracing
//	}
//
// Configs load from YAML with ${VAR_NAME} environment substitution;
// INLET_* environment variables and CLI flags override file values.
package inlet
