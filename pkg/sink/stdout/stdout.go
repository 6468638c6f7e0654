// Package stdout writes singer-style messages to standard output, one
// JSON object per line: SCHEMA before an entity's first records, RECORD
// per extracted row, STATE once at the end of the run. The format pipes
// cleanly into downstream loaders and into jq.
package stdout

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
)

const sinkName = "stdout"

func init() {
	sink.Register(sinkName, NewSink)
}

// Sink emits one JSON message per line.
type Sink struct {
	mu      sync.Mutex
	out     *bufio.Writer
	logger  *zap.Logger
	records int64
}

// NewSink creates a stdout sink writing to os.Stdout.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	return newSink(os.Stdout), nil
}

func newSink(w io.Writer) *Sink {
	return &Sink{
		out:    bufio.NewWriterSize(w, 64*1024),
		logger: logger.Get().With(zap.String("component", "stdout_sink")),
	}
}

// Open is a no-op: stdout is always ready.
func (s *Sink) Open(ctx context.Context) error {
	return nil
}

// WriteSchema emits a SCHEMA message for the entity.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	msg := map[string]interface{}{
		"type":   "SCHEMA",
		"stream": entity,
		"schema": es.MarshalMap(),
	}
	if es.PrimaryKey != "" {
		msg["key_properties"] = []string{es.PrimaryKey}
	}
	if es.ReplicationKey != "" {
		msg["bookmark_properties"] = []string{es.ReplicationKey}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLine(msg)
}

// WriteBatch emits one RECORD message per record.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	timer := metrics.NewTimer("stdout_flush")

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		msg := map[string]interface{}{
			"type":           "RECORD",
			"stream":         entity,
			"record":         rec.Data,
			"time_extracted": rec.Metadata.ExtractedAt.UTC().Format(time.RFC3339),
		}
		if err := s.writeLine(msg); err != nil {
			metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
			return err
		}
	}
	if err := s.out.Flush(); err != nil {
		metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
		return errors.Wrap(err, errors.ClassUnknown, "failed to flush stdout")
	}

	s.records += int64(len(records))
	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState emits the STATE message.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	msg := map[string]interface{}{
		"type":  "STATE",
		"value": st,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLine(msg); err != nil {
		return err
	}
	return s.out.Flush()
}

// Close flushes buffered output.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.out.Flush(); err != nil {
		return errors.Wrap(err, errors.ClassUnknown, "failed to flush stdout")
	}
	s.logger.Debug("stdout sink closed", zap.Int64("records", s.records))
	return nil
}

func (s *Sink) writeLine(msg map[string]interface{}) error {
	enc := jsonpool.GetEncoder(s.out)
	defer jsonpool.PutEncoder(enc)

	if err := enc.Encode(msg); err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode message")
	}
	return nil
}
