// Package gcs streams extracted records into Google Cloud Storage. Each
// entity becomes one newline-delimited JSON object written through a
// storage writer that commits on close, plus a schema metadata object and
// a state object at the end of the run.
package gcs

import (
	"context"
	"io"
	"sort"
	"sync"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

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

const sinkName = "gcs"

func init() {
	sink.Register(sinkName, NewSink)
}

// objectOpener abstracts bucket object creation so tests can swap in an
// in-memory bucket.
type objectOpener interface {
	openObject(ctx context.Context, name string) io.WriteCloser
}

type bucketObjects struct {
	bucket *storage.BucketHandle
}

func (b *bucketObjects) openObject(ctx context.Context, name string) io.WriteCloser {
	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// Sink writes one streaming object per entity.
type Sink struct {
	mu        sync.Mutex
	bucket    string
	prefix    string
	credsFile string
	client    *storage.Client
	objects   objectOpener
	writers   map[string]*entityObject
	logger    *zap.Logger
}

type entityObject struct {
	wc      io.WriteCloser
	counter *countingWriter
	enc     *jsonpool.StreamingEncoder
	records int64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewSink creates a GCS sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	sc := cfg.Sink.GCS
	if sc.Bucket == "" {
		return nil, errors.New(errors.ClassConfig, "gcs sink needs a bucket")
	}

	return &Sink{
		bucket:    sc.Bucket,
		prefix:    normalizePrefix(sc.Prefix),
		credsFile: sc.CredentialsFile,
		writers:   make(map[string]*entityObject),
		logger: logger.Get().With(
			zap.String("component", "gcs_sink"),
			zap.String("bucket", sc.Bucket)),
	}, nil
}

func newSinkWithObjects(objects objectOpener, prefix string) *Sink {
	return &Sink{
		bucket:  "test",
		prefix:  normalizePrefix(prefix),
		objects: objects,
		writers: make(map[string]*entityObject),
		logger:  logger.Get().With(zap.String("component", "gcs_sink")),
	}
}

// Open builds the storage client.
func (s *Sink) Open(ctx context.Context) error {
	if s.objects != nil {
		return nil
	}

	opts := []option.ClientOption{}
	if s.credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.credsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to create storage client")
	}

	s.client = client
	s.objects = &bucketObjects{bucket: client.Bucket(s.bucket)}
	s.logger.Info("gcs sink opened")
	return nil
}

// WriteSchema starts the entity's object and writes its schema metadata.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	s.mu.Lock()
	if _, ok := s.writers[entity]; ok {
		s.mu.Unlock()
		return errors.New(errors.ClassDataValidation, "schema already written for entity").
			WithDetail("entity", entity)
	}

	wc := s.objects.openObject(ctx, s.objectName(entity+".jsonl"))
	counter := &countingWriter{w: wc}
	s.writers[entity] = &entityObject{
		wc:      wc,
		counter: counter,
		enc:     jsonpool.NewStreamingEncoder(counter, false),
	}
	s.mu.Unlock()

	data, err := jsonpool.MarshalIndent(es.MarshalMap(), "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode schema").
			WithDetail("entity", entity)
	}
	return s.putObject(ctx, s.objectName("_schema/"+entity+".json"), data)
}

// WriteBatch streams records into the entity's object.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}
	timer := metrics.NewTimer("gcs_flush")

	s.mu.Lock()
	defer s.mu.Unlock()

	eo, ok := s.writers[entity]
	if !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}
	for _, rec := range records {
		if err := eo.enc.Encode(rec.Data); err != nil {
			metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
			return errors.Wrap(err, errors.ClassNetwork, "failed to write record").
				WithDetail("entity", entity)
		}
	}
	eo.records += int64(len(records))
	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState writes the bookmark file as a JSON object.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	data, err := jsonpool.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode state")
	}
	return s.putObject(ctx, s.objectName("state.json"), data)
}

// Close commits the entity objects and releases the client.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	writers := s.writers
	s.writers = make(map[string]*entityObject)
	s.mu.Unlock()

	entities := make([]string, 0, len(writers))
	for entity := range writers {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	var firstErr error
	for _, entity := range entities {
		eo := writers[entity]
		if err := eo.enc.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ClassDataValidation, "failed to finish entity object").
				WithDetail("entity", entity)
		}
		// Writer.Close commits the upload, failures mean the object
		// never landed.
		if err := eo.wc.Close(); err != nil {
			if firstErr == nil {
				firstErr = errors.Wrap(err, errors.ClassNetwork, "failed to commit entity object").
					WithDetail("entity", entity)
			}
			continue
		}
		metrics.BytesWritten.WithLabelValues(sinkName).Add(float64(eo.counter.n))
		s.logger.Info("entity object committed",
			zap.String("object", s.objectName(entity+".jsonl")),
			zap.Int64("records", eo.records),
			zap.Int64("bytes", eo.counter.n))
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ClassUnknown, "failed to close storage client")
		}
	}
	return firstErr
}

func (s *Sink) putObject(ctx context.Context, name string, data []byte) error {
	wc := s.objects.openObject(ctx, name)
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return errors.Wrap(err, errors.ClassNetwork, "failed to write object").
			WithDetail("object", name)
	}
	if err := wc.Close(); err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to commit object").
			WithDetail("object", name)
	}
	metrics.BytesWritten.WithLabelValues(sinkName).Add(float64(len(data)))
	return nil
}

func (s *Sink) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)
	b.WriteString(s.prefix)
	b.WriteString(name)
	return strings.Clone(b.String())
}

func normalizePrefix(p string) string {
	if p == "" || p[len(p)-1] == '/' {
		return p
	}
	return p + "/"
}
