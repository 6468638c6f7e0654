package gcs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/state"
)

type memObject struct {
	bytes.Buffer
	closed    bool
	failClose bool
}

func (o *memObject) Close() error {
	if o.failClose {
		return io.ErrUnexpectedEOF
	}
	o.closed = true
	return nil
}

type memBucket struct {
	mu      sync.Mutex
	objects map[string]*memObject
	fail    map[string]bool
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string]*memObject), fail: make(map[string]bool)}
}

func (b *memBucket) openObject(ctx context.Context, name string) io.WriteCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj := &memObject{failClose: b.fail[name]}
	b.objects[name] = obj
	return obj
}

func (b *memBucket) get(t *testing.T, name string) *memObject {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[name]
	require.True(t, ok, "object %s not written", name)
	return obj
}

func ordersSchema() *schema.EntitySchema {
	es := schema.NewEntitySchema("orders")
	es.SetField("id", schema.SchemaField{Type: schema.TypeInteger})
	es.SetField("status", schema.SchemaField{Type: schema.TypeString, Nullable: true})
	es.PrimaryKey = "id"
	return es
}

func orderRecord(id int, status string) *pool.Record {
	return pool.NewRecord("orders", map[string]interface{}{
		"id":     json.Number(strconv.Itoa(id)),
		"status": status,
	})
}

func TestNewSinkRequiresBucket(t *testing.T) {
	cfg := &config.Config{}
	cfg.Sink.Type = sinkName

	_, err := NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))
}

func TestWriteSchemaCreatesSchemaObject(t *testing.T) {
	bucket := newMemBucket()
	s := newSinkWithObjects(bucket, "raw")
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	obj := bucket.get(t, "raw/_schema/orders.json")
	assert.True(t, obj.closed)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(obj.Bytes(), &decoded))
	assert.Equal(t, "orders", decoded["entity"])
}

func TestEntityObjectStreamsRecords(t *testing.T) {
	bucket := newMemBucket()
	s := newSinkWithObjects(bucket, "raw")
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	r1 := orderRecord(1, "open")
	r2 := orderRecord(2, "closed")
	r3 := orderRecord(3, "open")
	defer r1.Release()
	defer r2.Release()
	defer r3.Release()

	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{r1, r2}))
	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{r3}))
	require.NoError(t, s.Close(ctx))

	obj := bucket.get(t, "raw/orders.jsonl")
	assert.True(t, obj.closed, "entity object not committed")

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(obj.Bytes()))
	for scanner.Scan() {
		var row map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		lines = append(lines, row)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "open", lines[0]["status"])
	assert.Equal(t, "closed", lines[1]["status"])
}

func TestDuplicateSchemaRejected(t *testing.T) {
	s := newSinkWithObjects(newMemBucket(), "")
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))
	err := s.WriteSchema(ctx, "orders", ordersSchema())
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
}

func TestWriteBatchBeforeSchemaFails(t *testing.T) {
	s := newSinkWithObjects(newMemBucket(), "")

	rec := orderRecord(1, "open")
	defer rec.Release()

	err := s.WriteBatch(context.Background(), "orders", []*pool.Record{rec})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
}

func TestWriteStateObject(t *testing.T) {
	bucket := newMemBucket()
	s := newSinkWithObjects(bucket, "")

	st := state.NewFile()
	st.Set("orders", state.Bookmark{
		ReplicationKey: "updated_at",
		Value:          "2026-03-01T10:00:00Z",
		LastSyncedAt:   time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	})

	require.NoError(t, s.WriteState(context.Background(), st))

	obj := bucket.get(t, "state.json")
	decoded := state.NewFile()
	require.NoError(t, json.Unmarshal(obj.Bytes(), decoded))
	bm, ok := decoded.Get("orders")
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T10:00:00Z", bm.Value)
}

func TestCommitFailureClassified(t *testing.T) {
	bucket := newMemBucket()
	bucket.fail["orders.jsonl"] = true
	s := newSinkWithObjects(bucket, "")
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	rec := orderRecord(1, "open")
	defer rec.Release()
	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{rec}))

	err := s.Close(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassNetwork))
}
