// Package sink defines the destination contract for extraction runs and
// the registry sinks use to make themselves available by type name.
//
// A sink receives, per entity, exactly one schema declaration followed by
// zero or more record batches, and a single state snapshot at the end of
// the run. There is no random access and no rewind: implementations may
// stream straight to their backing store.
//
// # Record Ownership
//
// The records passed to WriteBatch are recycled by the caller as soon as
// the call returns. Implementations must finish serializing them before
// returning and must not retain the slice or the records.
//
// # Registration
//
// Implementations self-register from init:
//
//	func init() {
//	    sink.Register("stdout", NewStdoutSink)
//	}
//
// and are linked into the binary by blank imports in the command package.
package sink

import (
	"context"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/state"
)

// Sink receives schemas, record batches and final state for one run.
type Sink interface {
	// Open prepares the sink for writing. It is called once before any
	// other method.
	Open(ctx context.Context) error

	// WriteSchema declares an entity's schema. It is called once per
	// entity, always before the entity's first batch.
	WriteSchema(ctx context.Context, entity string, schema *schema.EntitySchema) error

	// WriteBatch appends records for an entity. Records are recycled
	// when the call returns and must not be retained.
	WriteBatch(ctx context.Context, entity string, records []*pool.Record) error

	// WriteState records the final bookmark snapshot. It is called once,
	// at the end of the run.
	WriteState(ctx context.Context, st *state.File) error

	// Close flushes and releases resources. It is called once, after
	// all writes, even when the run failed.
	Close(ctx context.Context) error
}

// Factory constructs a sink from the run configuration.
type Factory func(cfg *config.Config) (Sink, error)
