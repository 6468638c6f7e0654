package stdout

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/state"
)

func ordersSchema() *schema.EntitySchema {
	es := schema.NewEntitySchema("orders")
	es.SetField("id", schema.SchemaField{Type: schema.TypeInteger})
	es.SetField("status", schema.SchemaField{Type: schema.TypeString, Nullable: true})
	es.SetField("updated_at", schema.SchemaField{Type: schema.TypeString, Format: "date-time"})
	es.PrimaryKey = "id"
	es.ReplicationKey = "updated_at"
	return es
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var msgs []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]interface{}
		require.NoError(t, jsonpool.Unmarshal([]byte(line), &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestWriteSchemaMessage(t *testing.T) {
	var buf bytes.Buffer
	s := newSink(&buf)
	ctx := context.Background()

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))
	require.NoError(t, s.Close(ctx))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "SCHEMA", msg["type"])
	assert.Equal(t, "orders", msg["stream"])
	assert.Equal(t, []interface{}{"id"}, msg["key_properties"])
	assert.Equal(t, []interface{}{"updated_at"}, msg["bookmark_properties"])

	sch, ok := msg["schema"].(map[string]interface{})
	require.True(t, ok)
	props, ok := sch["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, props, 3)
	assert.Equal(t, []interface{}{"id", "status", "updated_at"}, sch["field_order"])
}

func TestWriteSchemaOmitsUnknownKeys(t *testing.T) {
	var buf bytes.Buffer
	s := newSink(&buf)
	ctx := context.Background()

	es := schema.NewEntitySchema("tags")
	es.SetField("label", schema.SchemaField{Type: schema.TypeString})

	require.NoError(t, s.WriteSchema(ctx, "tags", es))
	require.NoError(t, s.Close(ctx))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 1)
	_, hasKeys := msgs[0]["key_properties"]
	_, hasBookmarks := msgs[0]["bookmark_properties"]
	assert.False(t, hasKeys)
	assert.False(t, hasBookmarks)
}

func TestWriteBatchEmitsRecordPerLine(t *testing.T) {
	var buf bytes.Buffer
	s := newSink(&buf)
	ctx := context.Background()

	r1 := pool.NewRecord("orders", map[string]interface{}{"id": 1, "status": "open"})
	r2 := pool.NewRecord("orders", map[string]interface{}{"id": 2, "status": "closed"})
	defer r1.Release()
	defer r2.Release()

	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{r1, r2}))
	require.NoError(t, s.Close(ctx))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 2)

	for i, msg := range msgs {
		assert.Equal(t, "RECORD", msg["type"])
		assert.Equal(t, "orders", msg["stream"])

		rec, ok := msg["record"].(map[string]interface{})
		require.True(t, ok, "message %d carries no record object", i)
		assert.NotNil(t, rec["id"])

		extracted, ok := msg["time_extracted"].(string)
		require.True(t, ok)
		_, err := time.Parse(time.RFC3339, extracted)
		assert.NoError(t, err)
	}
}

func TestWriteStateMessage(t *testing.T) {
	var buf bytes.Buffer
	s := newSink(&buf)
	ctx := context.Background()

	st := state.NewFile()
	st.Set("orders", state.Bookmark{
		ReplicationKey: "updated_at",
		Value:          "2026-03-01T10:00:00Z",
		LastSyncedAt:   time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	})

	require.NoError(t, s.WriteState(ctx, st))
	require.NoError(t, s.Close(ctx))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 1)
	assert.Equal(t, "STATE", msgs[0]["type"])

	value, ok := msgs[0]["value"].(map[string]interface{})
	require.True(t, ok)
	bookmarks, ok := value["bookmarks"].(map[string]interface{})
	require.True(t, ok)
	orders, ok := bookmarks["orders"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T10:00:00Z", orders["replication_key_value"])
}

func TestMessageOrdering(t *testing.T) {
	var buf bytes.Buffer
	s := newSink(&buf)
	ctx := context.Background()

	rec := pool.NewRecord("orders", map[string]interface{}{"id": 7})
	defer rec.Release()

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))
	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{rec}))
	require.NoError(t, s.WriteState(ctx, state.NewFile()))
	require.NoError(t, s.Close(ctx))

	msgs := decodeLines(t, &buf)
	require.Len(t, msgs, 3)
	assert.Equal(t, "SCHEMA", msgs[0]["type"])
	assert.Equal(t, "RECORD", msgs[1]["type"])
	assert.Equal(t, "STATE", msgs[2]["type"])
}
