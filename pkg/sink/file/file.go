// Package file writes one output file per entity into a directory.
// Formats are jsonl, csv and parquet; jsonl and csv output can be
// compressed with any algorithm the compression package supports.
package file

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/inletlabs/inlet/pkg/compression"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/logger"
	"github.com/inletlabs/inlet/pkg/metrics"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
	"github.com/inletlabs/inlet/pkg/strings"
)

const sinkName = "file"

const (
	formatJSONL   = "jsonl"
	formatCSV     = "csv"
	formatParquet = "parquet"
)

func init() {
	sink.Register(sinkName, NewSink)
}

// recordWriter serializes batches for one entity file.
type recordWriter interface {
	writeRecords(records []*pool.Record) error
	close() error
}

// Sink writes per-entity files under a directory.
type Sink struct {
	mu        sync.Mutex
	directory string
	format    string
	algorithm compression.Algorithm
	writers   map[string]*entityWriter
	logger    *zap.Logger
}

// NewSink builds a file sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	format := cfg.Sink.File.Format
	switch format {
	case formatJSONL, formatCSV, formatParquet:
	default:
		return nil, errors.New(errors.ClassConfig, "unknown file format").
			WithDetail("format", format)
	}

	algorithm, err := compression.Parse(cfg.Sink.File.Compression)
	if err != nil {
		return nil, err
	}
	if format == formatParquet && algorithm != compression.None {
		return nil, errors.New(errors.ClassConfig,
			"parquet handles compression internally, leave compression unset").
			WithDetail("compression", string(algorithm))
	}

	directory := cfg.Sink.File.Directory
	if directory == "" {
		directory = "output"
	}

	return &Sink{
		directory: directory,
		format:    format,
		algorithm: algorithm,
		writers:   make(map[string]*entityWriter),
		logger: logger.Get().With(
			zap.String("component", "file_sink"),
			zap.String("format", format),
		),
	}, nil
}

// Open creates the output directory.
func (s *Sink) Open(ctx context.Context) error {
	if err := os.MkdirAll(s.directory, 0o755); err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to create output directory").
			WithDetail("directory", s.directory)
	}
	s.logger.Info("file sink opened", zap.String("directory", s.directory))
	return nil
}

// WriteSchema opens the entity's output file. The schema fixes the csv
// column order and the parquet column types before any records arrive.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.writers[entity]; exists {
		return errors.New(errors.ClassDataValidation, "schema already written for entity").
			WithDetail("entity", entity)
	}

	w, err := s.newEntityWriter(entity, es)
	if err != nil {
		return err
	}
	s.writers[entity] = w

	s.logger.Debug("entity file opened",
		zap.String("entity", entity),
		zap.String("path", w.path))
	return nil
}

// WriteBatch appends records to the entity's file.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	w, exists := s.writers[entity]
	s.mu.Unlock()
	if !exists {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}

	timer := metrics.NewTimer("file_flush")

	w.mu.Lock()
	err := w.format.writeRecords(records)
	w.mu.Unlock()
	if err != nil {
		metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
		return errors.Wrap(err, errors.ClassUnknown, "failed to write records").
			WithDetail("entity", entity).
			WithDetail("path", w.path)
	}

	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState writes the bookmark snapshot as state.json in the output
// directory.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	data, err := jsonpool.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode state")
	}

	path := filepath.Join(s.directory, "state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to write state file").
			WithDetail("path", path)
	}

	metrics.BytesWritten.WithLabelValues(sinkName).Add(float64(len(data)))
	return nil
}

// Close flushes and closes every entity file.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for entity, w := range s.writers {
		if err := w.close(); err != nil {
			s.logger.Error("failed to close entity file",
				zap.String("entity", entity),
				zap.String("path", w.path),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.BytesWritten.WithLabelValues(sinkName).Add(float64(w.counter.n))
		s.logger.Info("entity file closed",
			zap.String("entity", entity),
			zap.String("path", w.path),
			zap.Int64("bytes", w.counter.n))
	}
	s.writers = make(map[string]*entityWriter)
	return firstErr
}

// entityWriter is one open output file with its serialization stack:
// format writer over bufio over optional compression over the file.
type entityWriter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	counter *countingWriter
	comp    io.WriteCloser
	buf     *bufio.Writer
	format  recordWriter
}

func (s *Sink) newEntityWriter(entity string, es *schema.EntitySchema) (*entityWriter, error) {
	path := filepath.Join(s.directory, s.fileName(entity))

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassConfig, "failed to create entity file").
			WithDetail("path", path)
	}

	w := &entityWriter{
		path:    path,
		file:    file,
		counter: &countingWriter{w: file},
	}

	if s.format == formatParquet {
		pq, err := newParquetWriter(w.counter, es)
		if err != nil {
			file.Close()
			os.Remove(path)
			return nil, err
		}
		w.format = pq
		return w, nil
	}

	comp, err := compression.NewWriter(w.counter, s.algorithm)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	w.comp = comp
	w.buf = bufio.NewWriterSize(comp, 64*1024)

	switch s.format {
	case formatJSONL:
		w.format = newJSONLWriter(w.buf)
	case formatCSV:
		cw, err := newCSVWriter(w.buf, es)
		if err != nil {
			comp.Close()
			file.Close()
			os.Remove(path)
			return nil, err
		}
		w.format = cw
	}
	return w, nil
}

func (s *Sink) fileName(entity string) string {
	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)

	b.WriteString(entity)
	b.WriteByte('.')
	b.WriteString(s.format)
	if s.format != formatParquet {
		b.WriteString(s.algorithm.Ext())
	}
	return strings.Clone(b.String())
}

func (w *entityWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.format.close(); err != nil {
		w.file.Close()
		return err
	}
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			w.file.Close()
			return err
		}
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			w.file.Close()
			return err
		}
	}
	return w.file.Close()
}

// countingWriter tracks bytes that reach the file.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
