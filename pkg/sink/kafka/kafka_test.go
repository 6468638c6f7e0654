package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/state"
)

type fakeProducer struct {
	sarama.SyncProducer
	mu   sync.Mutex
	msgs []*sarama.ProducerMessage
	err  error
}

func (f *fakeProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeProducer) Close() error {
	return nil
}

func ordersSchema() *schema.EntitySchema {
	es := schema.NewEntitySchema("orders")
	es.SetField("id", schema.SchemaField{Type: schema.TypeInteger})
	es.SetField("status", schema.SchemaField{Type: schema.TypeString, Nullable: true})
	es.SetField("total", schema.SchemaField{Type: schema.TypeNumber, Nullable: true})
	es.PrimaryKey = "id"
	return es
}

func messageBytes(t *testing.T, enc sarama.Encoder) []byte {
	t.Helper()
	if enc == nil {
		return nil
	}
	data, err := enc.Encode()
	require.NoError(t, err)
	return data
}

func TestNewSinkValidatesConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sink.Type = sinkName

	_, err := NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))

	cfg.Sink.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Sink.Kafka.Encoding = "protobuf"
	_, err = NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))

	cfg.Sink.Kafka.Encoding = "json"
	cfg.Sink.Kafka.Acks = "quorum"
	_, err = NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))

	cfg.Sink.Kafka.Acks = "all"
	cfg.Sink.Kafka.Compression = "zstd"
	_, err = NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))

	cfg.Sink.Kafka.Compression = "snappy"
	_, err = NewSink(cfg)
	require.NoError(t, err)
}

func TestBuildConfigMapsAcksAndCompression(t *testing.T) {
	tests := []struct {
		acks        string
		compression string
		wantAcks    sarama.RequiredAcks
		wantComp    sarama.CompressionCodec
	}{
		{acks: "", compression: "", wantAcks: sarama.WaitForAll, wantComp: sarama.CompressionNone},
		{acks: "all", compression: "gzip", wantAcks: sarama.WaitForAll, wantComp: sarama.CompressionGZIP},
		{acks: "leader", compression: "snappy", wantAcks: sarama.WaitForLocal, wantComp: sarama.CompressionSnappy},
		{acks: "none", compression: "lz4", wantAcks: sarama.NoResponse, wantComp: sarama.CompressionLZ4},
	}

	for _, tt := range tests {
		sc := config.KafkaSinkConfig{Acks: tt.acks, Compression: tt.compression}
		got, err := buildConfig(sc)
		require.NoError(t, err)
		assert.Equal(t, tt.wantAcks, got.Producer.RequiredAcks)
		assert.Equal(t, tt.wantComp, got.Producer.Compression)
		assert.True(t, got.Producer.Return.Successes)
	}
}

func TestJSONProduceKeyedByPrimaryKey(t *testing.T) {
	producer := &fakeProducer{}
	s := newSinkWithProducer(producer, "raw.", encodingJSON)
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	r1 := pool.NewRecord("orders", map[string]interface{}{"id": json.Number("1"), "status": "open"})
	r2 := pool.NewRecord("orders", map[string]interface{}{"id": json.Number("2"), "status": "closed"})
	defer r1.Release()
	defer r2.Release()

	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{r1, r2}))
	require.Len(t, producer.msgs, 2)

	msg := producer.msgs[0]
	assert.Equal(t, "raw.orders", msg.Topic)
	assert.Equal(t, "1", string(messageBytes(t, msg.Key)))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(messageBytes(t, msg.Value), &decoded))
	assert.Equal(t, "open", decoded["status"])
}

func TestWriteBatchBeforeSchemaFails(t *testing.T) {
	s := newSinkWithProducer(&fakeProducer{}, "", encodingJSON)

	rec := pool.NewRecord("orders", map[string]interface{}{"id": json.Number("1")})
	defer rec.Release()

	err := s.WriteBatch(context.Background(), "orders", []*pool.Record{rec})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
}

func TestAvroRoundTrip(t *testing.T) {
	producer := &fakeProducer{}
	s := newSinkWithProducer(producer, "", encodingAvro)
	ctx := context.Background()

	es := ordersSchema()
	require.NoError(t, s.WriteSchema(ctx, "orders", es))

	rec := pool.NewRecord("orders", map[string]interface{}{
		"id":     json.Number("42"),
		"status": "open",
		"total":  json.Number("19.9"),
	})
	defer rec.Release()

	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{rec}))
	require.Len(t, producer.msgs, 1)

	codec, err := avroCodecFor(es)
	require.NoError(t, err)
	native, _, err := codec.NativeFromBinary(messageBytes(t, producer.msgs[0].Value))
	require.NoError(t, err)

	row := native.(map[string]interface{})
	assert.Equal(t, int64(42), row["id"])
	assert.Equal(t, map[string]interface{}{"string": "open"}, row["status"])
	assert.Equal(t, map[string]interface{}{"double": 19.9}, row["total"])
}

func TestAvroNullsAndMissingFields(t *testing.T) {
	producer := &fakeProducer{}
	s := newSinkWithProducer(producer, "", encodingAvro)
	ctx := context.Background()

	es := ordersSchema()
	require.NoError(t, s.WriteSchema(ctx, "orders", es))

	nullable := pool.NewRecord("orders", map[string]interface{}{"id": json.Number("1"), "status": nil})
	defer nullable.Release()
	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{nullable}))

	missingRequired := pool.NewRecord("orders", map[string]interface{}{"status": "open"})
	defer missingRequired.Release()
	err := s.WriteBatch(ctx, "orders", []*pool.Record{missingRequired})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
}

func TestAvroNameSanitizing(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "updated_at", want: "updated_at"},
		{in: "user.name", want: "user_name"},
		{in: "9lives", want: "_9lives"},
		{in: "total-price", want: "total_price"},
		{in: "", want: "_"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, avroName(tt.in), "input %q", tt.in)
	}
}

func TestWriteStateProducesBookmarkMessages(t *testing.T) {
	producer := &fakeProducer{}
	s := newSinkWithProducer(producer, "raw.", encodingJSON)

	st := state.NewFile()
	st.Set("orders", state.Bookmark{ReplicationKey: "updated_at", Value: "2026-03-01T10:00:00Z"})

	require.NoError(t, s.WriteState(context.Background(), st))
	require.Len(t, producer.msgs, 1)

	msg := producer.msgs[0]
	assert.Equal(t, "raw._bookmarks", msg.Topic)
	assert.Equal(t, "orders", string(messageBytes(t, msg.Key)))

	var bm state.Bookmark
	require.NoError(t, json.Unmarshal(messageBytes(t, msg.Value), &bm))
	assert.Equal(t, "2026-03-01T10:00:00Z", bm.Value)
}

func TestProduceFailureClassified(t *testing.T) {
	producer := &fakeProducer{err: sarama.ErrOutOfBrokers}
	s := newSinkWithProducer(producer, "", encodingJSON)
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	rec := pool.NewRecord("orders", map[string]interface{}{"id": json.Number("1")})
	defer rec.Release()

	err := s.WriteBatch(ctx, "orders", []*pool.Record{rec})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassNetwork))
	assert.True(t, errors.IsRetryable(err))
}
