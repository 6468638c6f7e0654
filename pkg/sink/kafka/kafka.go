// Package kafka produces extracted records to Kafka topics, one topic per
// entity under a configurable prefix. Record values are encoded as JSON or
// Avro, keys carry the primary key value so related records land on the
// same partition, and bookmarks go to a dedicated topic keyed by entity
// so a compacted topic keeps only the newest one.
package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"github.com/linkedin/goavro/v2"
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
	sinkName      = "kafka"
	encodingJSON  = "json"
	encodingAvro  = "avro"
	bookmarkTopic = "_bookmarks"
)

func init() {
	sink.Register(sinkName, NewSink)
}

// Sink produces one message per record.
type Sink struct {
	mu          sync.Mutex
	brokers     []string
	topicPrefix string
	encoding    string
	saramaCfg   *sarama.Config
	producer    sarama.SyncProducer
	entities    map[string]*entityCodec
	logger      *zap.Logger
}

type entityCodec struct {
	es    *schema.EntitySchema
	codec *goavro.Codec
}

// NewSink creates a Kafka sink from the configuration.
func NewSink(cfg *config.Config) (sink.Sink, error) {
	sc := cfg.Sink.Kafka
	if len(sc.Brokers) == 0 {
		return nil, errors.New(errors.ClassConfig, "kafka sink needs at least one broker")
	}

	encoding := sc.Encoding
	if encoding == "" {
		encoding = encodingJSON
	}
	if encoding != encodingJSON && encoding != encodingAvro {
		return nil, errors.New(errors.ClassConfig, "unknown kafka encoding").
			WithDetail("encoding", encoding)
	}

	saramaCfg, err := buildConfig(sc)
	if err != nil {
		return nil, err
	}
	return &Sink{
		brokers:     sc.Brokers,
		topicPrefix: sc.TopicPrefix,
		encoding:    encoding,
		saramaCfg:   saramaCfg,
		entities:    make(map[string]*entityCodec),
		logger: logger.Get().With(
			zap.String("component", "kafka_sink"),
			zap.String("encoding", encoding)),
	}, nil
}

func newSinkWithProducer(producer sarama.SyncProducer, topicPrefix, encoding string) *Sink {
	return &Sink{
		topicPrefix: topicPrefix,
		encoding:    encoding,
		producer:    producer,
		entities:    make(map[string]*entityCodec),
		logger:      logger.Get().With(zap.String("component", "kafka_sink")),
	}
}

func buildConfig(sc config.KafkaSinkConfig) (*sarama.Config, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true

	switch sc.Acks {
	case "", "all":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		saramaCfg.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, errors.New(errors.ClassConfig, "unknown kafka acks mode").
			WithDetail("acks", sc.Acks)
	}

	switch sc.Compression {
	case "", "none":
		saramaCfg.Producer.Compression = sarama.CompressionNone
	case "gzip":
		saramaCfg.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaCfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaCfg.Producer.Compression = sarama.CompressionLZ4
	default:
		return nil, errors.New(errors.ClassConfig, "unknown kafka compression").
			WithDetail("compression", sc.Compression)
	}
	return saramaCfg, nil
}

// Open connects the producer.
func (s *Sink) Open(ctx context.Context) error {
	if s.producer != nil {
		return nil
	}

	producer, err := sarama.NewSyncProducer(s.brokers, s.saramaCfg)
	if err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to connect kafka producer").
			WithDetail("brokers", s.brokers)
	}
	s.producer = producer
	s.logger.Info("kafka sink opened", zap.Strings("brokers", s.brokers))
	return nil
}

// WriteSchema caches the entity schema and, for Avro, builds its codec.
func (s *Sink) WriteSchema(ctx context.Context, entity string, es *schema.EntitySchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[entity]; ok {
		return errors.New(errors.ClassDataValidation, "schema already written for entity").
			WithDetail("entity", entity)
	}

	ec := &entityCodec{es: es}
	if s.encoding == encodingAvro {
		codec, err := avroCodecFor(es)
		if err != nil {
			return err
		}
		ec.codec = codec
	}
	s.entities[entity] = ec
	return nil
}

// WriteBatch produces one message per record to the entity topic.
func (s *Sink) WriteBatch(ctx context.Context, entity string, records []*pool.Record) error {
	if len(records) == 0 {
		return nil
	}
	timer := metrics.NewTimer("kafka_produce")

	s.mu.Lock()
	ec, ok := s.entities[entity]
	s.mu.Unlock()
	if !ok {
		return errors.New(errors.ClassDataValidation, "no schema written for entity").
			WithDetail("entity", entity)
	}

	topic := s.topic(entity)
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	var bytesOut int
	for _, rec := range records {
		value, err := s.encodeRecord(ec, rec)
		if err != nil {
			metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
			return err
		}
		msg := &sarama.ProducerMessage{
			Topic: topic,
			Value: sarama.ByteEncoder(value),
		}
		if key := recordKey(ec.es, rec); key != "" {
			msg.Key = sarama.StringEncoder(key)
		}
		msgs = append(msgs, msg)
		bytesOut += len(value)
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		metrics.RecordsWritten.WithLabelValues(entity, sinkName, "failure").Add(float64(len(records)))
		return errors.Wrap(err, errors.ClassNetwork, "failed to produce batch").
			WithDetail("topic", topic).
			WithDetail("records", len(records))
	}

	metrics.RecordsWritten.WithLabelValues(entity, sinkName, "success").Add(float64(len(records)))
	metrics.BytesWritten.WithLabelValues(sinkName).Add(float64(bytesOut))
	metrics.BatchFlushDuration.WithLabelValues(sinkName).Observe(timer.Stop().Seconds())
	return nil
}

// WriteState produces one bookmark message per entity, keyed by entity.
// Bookmarks are always JSON regardless of the record encoding.
func (s *Sink) WriteState(ctx context.Context, st *state.File) error {
	if len(st.Bookmarks) == 0 {
		return nil
	}

	topic := s.topic(bookmarkTopic)
	msgs := make([]*sarama.ProducerMessage, 0, len(st.Bookmarks))
	for entity, bm := range st.Bookmarks {
		value, err := jsonpool.Marshal(bm)
		if err != nil {
			return errors.Wrap(err, errors.ClassDataValidation, "failed to encode bookmark").
				WithDetail("entity", entity)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.StringEncoder(entity),
			Value: sarama.ByteEncoder(value),
		})
	}
	if err := s.producer.SendMessages(msgs); err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to produce bookmarks").
			WithDetail("topic", topic)
	}
	return nil
}

// Close shuts the producer down.
func (s *Sink) Close(ctx context.Context) error {
	if s.producer == nil {
		return nil
	}
	if err := s.producer.Close(); err != nil {
		return errors.Wrap(err, errors.ClassNetwork, "failed to close kafka producer")
	}
	s.logger.Debug("kafka sink closed")
	return nil
}

func (s *Sink) topic(entity string) string {
	if s.topicPrefix == "" {
		return entity
	}
	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)
	b.WriteString(s.topicPrefix)
	b.WriteString(entity)
	return strings.Clone(b.String())
}

func (s *Sink) encodeRecord(ec *entityCodec, rec *pool.Record) ([]byte, error) {
	if ec.codec == nil {
		value, err := jsonpool.Marshal(rec.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ClassDataValidation, "failed to encode record").
				WithDetail("entity", rec.Entity)
		}
		return value, nil
	}

	native, err := nativeFor(ec.es, rec)
	if err != nil {
		return nil, err
	}
	value, err := ec.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassDataValidation, "failed to encode avro record").
			WithDetail("entity", rec.Entity)
	}
	return value, nil
}

func recordKey(es *schema.EntitySchema, rec *pool.Record) string {
	if es.PrimaryKey == "" {
		return ""
	}
	value, ok := rec.Data[es.PrimaryKey]
	if !ok || value == nil {
		return ""
	}
	return strings.ValueToString(value)
}

// avroCodecFor builds an Avro record codec from the entity schema.
// Nullable fields become ["null", type] unions defaulting to null.
func avroCodecFor(es *schema.EntitySchema) (*goavro.Codec, error) {
	fields := make([]map[string]interface{}, 0, es.Len())
	for _, name := range es.FieldNames() {
		f, _ := es.Field(name)
		field := map[string]interface{}{"name": avroName(name)}
		if f.Nullable {
			field["type"] = []interface{}{"null", avroType(f)}
			field["default"] = nil
		} else {
			field["type"] = avroType(f)
		}
		fields = append(fields, field)
	}

	schemaJSON, err := jsonpool.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   avroName(es.Entity),
		"fields": fields,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassDataValidation, "failed to encode avro schema").
			WithDetail("entity", es.Entity)
	}

	codec, err := goavro.NewCodec(strings.BytesToString(schemaJSON))
	if err != nil {
		return nil, errors.Wrap(err, errors.ClassDataValidation, "failed to build avro codec").
			WithDetail("entity", es.Entity)
	}
	return codec, nil
}

// avroType maps a schema field to an Avro primitive. Objects and arrays
// travel as JSON text.
func avroType(f schema.SchemaField) string {
	switch f.Type {
	case schema.TypeInteger:
		return "long"
	case schema.TypeNumber:
		return "double"
	case schema.TypeBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// avroName rewrites a field name into the [A-Za-z_][A-Za-z0-9_]* shape
// Avro requires.
func avroName(name string) string {
	b := strings.GetBuilder(strings.Small)
	defer strings.PutBuilder(b, strings.Small)

	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_':
			b.WriteByte(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return strings.Clone(b.String())
}

func nativeFor(es *schema.EntitySchema, rec *pool.Record) (map[string]interface{}, error) {
	native := make(map[string]interface{}, es.Len())
	for _, name := range es.FieldNames() {
		f, _ := es.Field(name)
		value, ok := rec.Data[name]
		if !ok || value == nil {
			if !f.Nullable {
				return nil, errors.New(errors.ClassDataValidation, "missing value for required field").
					WithDetail("entity", rec.Entity).
					WithDetail("field", name)
			}
			native[avroName(name)] = nil
			continue
		}

		coerced, err := avroValue(f, value)
		if err != nil {
			return nil, err
		}
		if f.Nullable {
			coerced = goavro.Union(avroType(f), coerced)
		}
		native[avroName(name)] = coerced
	}
	return native, nil
}

func avroValue(f schema.SchemaField, value interface{}) (interface{}, error) {
	switch f.Type {
	case schema.TypeInteger:
		if n, ok := value.(json.Number); ok {
			if v, err := n.Int64(); err == nil {
				return v, nil
			}
		}
		if v, ok := value.(int64); ok {
			return v, nil
		}
		if v, ok := value.(int); ok {
			return int64(v), nil
		}
	case schema.TypeNumber:
		if n, ok := value.(json.Number); ok {
			if v, err := n.Float64(); err == nil {
				return v, nil
			}
		}
		if v, ok := value.(float64); ok {
			return v, nil
		}
	case schema.TypeBoolean:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	default:
		if v, ok := value.(string); ok {
			return v, nil
		}
		if data, err := jsonpool.Marshal(value); err == nil {
			return strings.BytesToString(data), nil
		}
	}
	return nil, errors.New(errors.ClassDataValidation, "value does not match field type").
		WithDetail("field_type", string(f.Type)).
		WithDetail("value", strings.ValueToString(value))
}
