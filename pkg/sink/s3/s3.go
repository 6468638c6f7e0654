// Package s3 uploads extracted records to Amazon S3. Each entity becomes
// one newline-delimited JSON object under the configured prefix, assembled
// in memory and uploaded through the multipart manager when the sink
// closes. Schema metadata and run state land as separate JSON objects.
package s3

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
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
	"github.com/inletlabs/inlet/pkg/strings"
)

const (
	sinkName           = "s3"
	defaultPartSize    = 5 * 1024 * 1024
	defaultConcurrency = 4
)

func init() {
	sink.Register(sinkName, NewSink)
}

// uploadAPI is the slice of manager.Uploader the sink uses.
type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Sink buffers records per entity and uploads one object per entity.
type Sink struct {
	mu       sync.Mutex
	bucket   string
	prefix   string
	region   string
	partSize int64
	uploader uploadAPI
	buffers  map[string]*entityBuffer
	logger   *zap.Logger
}

type entityBuffer struct {
	buf     *bytes.Buffer
	enc     *jsonpool.StreamingEncoder
	records int64
}

// NewSink creates an S3 sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	sc := cfg.Sink.S3
	if sc.Bucket == "" {
		return nil, errors.New(errors.ClassConfig, "s3 sink needs a bucket")
	}

	partSize := sc.PartSize
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	return &Sink{
		bucket:   sc.Bucket,
		prefix:   normalizePrefix(sc.Prefix),
		region:   sc.Region,
		partSize: partSize,
		buffers:  make(map[string]*entityBuffer),
		logger: logger.Get().With(
			zap.String("component", "s3_sink"),
			zap.String("bucket", sc.Bucket)),
	}, nil
}

func newSinkWithUploader(up uploadAPI, bucket, prefix string) *Sink {
	return &Sink{
		bucket:   bucket,
		prefix:   normalizePrefix(prefix),
		partSize: defaultPartSize,
		uploader: up,
		buffers:  make(map[string]*entityBuffer),
		logger:   logger.Get().With(zap.String("component", "s3_sink")),
	}
}

// Open resolves AWS credentials and builds the upload manager.
func (s *Sink) Open(ctx context.Context) error {
	if s.uploader != nil {
		return nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ClassConfig, "failed to load aws configuration")
	}

	client := s3.NewFromConfig(awsCfg)
	s.uploader = manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = s.partSize
		u.Concurrency = defaultConcurrency
	})
	s.logger.Info("s3 sink opened", zap.String("region", awsCfg.Region))
	return nil
}

// WriteSchema starts the entity's object and uploads its schema metadata.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	s.mu.Lock()
	if _, ok := s.buffers[entity]; ok {
		s.mu.Unlock()
		return errors.New(errors.ClassDataValidation, "schema already written for entity").
			WithDetail("entity", entity)
	}
	buf := &bytes.Buffer{}
	s.buffers[entity] = &entityBuffer{
		buf: buf,
		enc: jsonpool.NewStreamingEncoder(buf, false),
	}
	s.mu.Unlock()

	data, err := jsonpool.MarshalIndent(es.MarshalMap(), "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode schema").
			WithDetail("entity", entity)
	}
	return s.upload(ctx, s.objectKey("_schema/"+entity+".json"), data, nil)
}

// WriteBatch appends records to the entity's pending object.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eb, ok := s.buffers[entity]
	if !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}
	for _, rec := range records {
		if err := eb.enc.Encode(rec.Data); err != nil {
			metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
			return errors.Wrap(err, errors.ClassDataValidation, "failed to encode record").
				WithDetail("entity", entity)
		}
	}
	eb.records += int64(len(records))
	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	return nil
}

// WriteState uploads the bookmark file as a JSON object.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	data, err := jsonpool.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ClassDataValidation, "failed to encode state")
	}
	return s.upload(ctx, s.objectKey("state.json"), data, nil)
}

// Close uploads the buffered entity objects.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	buffers := s.buffers
	s.buffers = make(map[string]*entityBuffer)
	s.mu.Unlock()

	entities := make([]string, 0, len(buffers))
	for entity := range buffers {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	var firstErr error
	for _, entity := range entities {
		eb := buffers[entity]
		if err := eb.enc.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.ClassDataValidation, "failed to finish entity object").
				WithDetail("entity", entity)
			continue
		}

		key := s.objectKey(entity + ".jsonl")
		meta := map[string]string{"records": strconv.FormatInt(eb.records, 10)}
		if err := s.upload(ctx, key, eb.buf.Bytes(), meta); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Info("entity object uploaded",
			zap.String("key", key),
			zap.Int64("records", eb.records),
			zap.Int("bytes", eb.buf.Len()))
	}
	return firstErr
}

func (s *Sink) upload(ctx context.Context, key string, body []byte, meta map[string]string) error {
	timer := metrics.NewTimer("s3_upload")
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if len(meta) > 0 {
		input.Metadata = meta
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to upload object").
			WithDetail("bucket", s.bucket).
			WithDetail("key", key)
	}
	metrics.BytesWritten.WithLabelValues(sinkName).Add(float64(len(body)))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

func (s *Sink) objectKey(name string) string {
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
