package file

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/compression"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/pool"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/sink"
	"github.com/inletlabs/inlet/pkg/state"
)

func testConfig(t *testing.T, format, comp string) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Sink.Type = "file"
	cfg.Sink.File.Directory = t.TempDir()
	cfg.Sink.File.Format = format
	cfg.Sink.File.Compression = comp
	return cfg
}

func newTestSink(t *testing.T, cfg *config.Config) sink.Sink {
	t.Helper()
	s, err := NewSink(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	return s
}

func ordersSchema() *schema.EntitySchema {
	es := schema.NewEntitySchema("orders")
	es.SetField("id", schema.SchemaField{Type: schema.TypeInteger})
	es.SetField("status", schema.SchemaField{Type: schema.TypeString, Nullable: true})
	es.SetField("total", schema.SchemaField{Type: schema.TypeNumber, Nullable: true})
	es.SetField("paid", schema.SchemaField{Type: schema.TypeBoolean, Nullable: true})
	es.SetField("updated_at", schema.SchemaField{Type: schema.TypeString, Format: "date-time"})
	es.PrimaryKey = "id"
	es.ReplicationKey = "updated_at"
	return es
}

func orderRecord(id int, status string) *pool.Record {
	return pool.NewRecord("orders", map[string]interface{}{
		"id":         json.Number(strconv.Itoa(id)),
		"status":     status,
		"total":      json.Number("19.90"),
		"paid":       true,
		"updated_at": "2026-03-01T10:00:00Z",
	})
}

func TestNewSinkRejectsUnknownFormat(t *testing.T) {
	cfg := testConfig(t, "xml", "none")
	_, err := NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))
}

func TestNewSinkRejectsParquetCompression(t *testing.T) {
	cfg := testConfig(t, "parquet", "gzip")
	_, err := NewSink(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassConfig))
}

func TestWriteBatchBeforeSchemaFails(t *testing.T) {
	cfg := testConfig(t, "jsonl", "none")
	s := newTestSink(t, cfg)
	ctx := context.Background()

	rec := orderRecord(1, "open")
	defer rec.Release()

	err := s.WriteBatch(ctx, "orders", []*pool.Record{rec})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
	require.NoError(t, s.Close(ctx))
}

func TestDuplicateSchemaFails(t *testing.T) {
	cfg := testConfig(t, "jsonl", "none")
	s := newTestSink(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))
	err := s.WriteSchema(ctx, "orders", ordersSchema())
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
	require.NoError(t, s.Close(ctx))
}

func TestJSONLOutput(t *testing.T) {
	cfg := testConfig(t, "jsonl", "none")
	s := newTestSink(t, cfg)
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

	data, err := os.ReadFile(filepath.Join(cfg.Sink.File.Directory, "orders.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var row map[string]interface{}
	require.NoError(t, jsonpool.Unmarshal([]byte(lines[0]), &row))
	assert.Equal(t, "open", row["status"])
	assert.NotNil(t, row["id"])
}

func TestJSONLCompressedRoundTrip(t *testing.T) {
	for _, comp := range []string{"gzip", "zstd", "snappy", "s2", "lz4"} {
		t.Run(comp, func(t *testing.T) {
			cfg := testConfig(t, "jsonl", comp)
			s := newTestSink(t, cfg)
			ctx := context.Background()

			require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

			rec := orderRecord(42, "open")
			defer rec.Release()
			require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{rec}))
			require.NoError(t, s.Close(ctx))

			algorithm, err := compression.Parse(comp)
			require.NoError(t, err)

			name := "orders.jsonl" + algorithm.Ext()
			data, err := os.ReadFile(filepath.Join(cfg.Sink.File.Directory, name))
			require.NoError(t, err)

			r, err := compression.NewReader(bytes.NewReader(data), algorithm)
			require.NoError(t, err)
			defer r.Close()

			var row map[string]interface{}
			dec := jsonpool.GetDecoder(r)
			defer jsonpool.PutDecoder(dec)
			require.NoError(t, dec.Decode(&row))
			assert.Equal(t, "open", row["status"])
			assert.Equal(t, json.Number("42"), row["id"])
		})
	}
}

func TestCSVOutput(t *testing.T) {
	cfg := testConfig(t, "csv", "none")
	s := newTestSink(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	full := orderRecord(1, `say "hi", friend`)
	sparse := pool.NewRecord("orders", map[string]interface{}{
		"id": json.Number("2"),
	})
	defer full.Release()
	defer sparse.Release()

	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{full, sparse}))
	require.NoError(t, s.Close(ctx))

	data, err := os.ReadFile(filepath.Join(cfg.Sink.File.Directory, "orders.csv"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "id,status,total,paid,updated_at", lines[0])
	assert.Contains(t, lines[1], `"say ""hi"", friend"`)
	assert.Equal(t, "2,,,,", lines[2])
}

func TestCSVRequiresSchemaFields(t *testing.T) {
	cfg := testConfig(t, "csv", "none")
	s := newTestSink(t, cfg)
	ctx := context.Background()

	err := s.WriteSchema(ctx, "empty", schema.NewEntitySchema("empty"))
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassDataValidation))
	require.NoError(t, s.Close(ctx))
}

func TestParquetFileWritten(t *testing.T) {
	cfg := testConfig(t, "parquet", "")
	s := newTestSink(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.WriteSchema(ctx, "orders", ordersSchema()))

	r1 := orderRecord(1, "open")
	r2 := orderRecord(2, "closed")
	defer r1.Release()
	defer r2.Release()

	require.NoError(t, s.WriteBatch(ctx, "orders", []*pool.Record{r1, r2}))
	require.NoError(t, s.Close(ctx))

	data, err := os.ReadFile(filepath.Join(cfg.Sink.File.Directory, "orders.parquet"))
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "PAR1", string(data[:4]), "parquet files start with the PAR1 magic")
	assert.Equal(t, "PAR1", string(data[len(data)-4:]), "parquet files end with the PAR1 magic")
}

func TestArrowTypeMapping(t *testing.T) {
	tests := []struct {
		name  string
		field schema.SchemaField
		want  string
	}{
		{name: "integer", field: schema.SchemaField{Type: schema.TypeInteger}, want: "int64"},
		{name: "number", field: schema.SchemaField{Type: schema.TypeNumber}, want: "float64"},
		{name: "boolean", field: schema.SchemaField{Type: schema.TypeBoolean}, want: "bool"},
		{name: "string", field: schema.SchemaField{Type: schema.TypeString}, want: "utf8"},
		{name: "timestamp", field: schema.SchemaField{Type: schema.TypeString, Format: "date-time"}, want: "timestamp[ns]"},
		{name: "object falls back to string", field: schema.SchemaField{Type: schema.TypeObject}, want: "utf8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, arrowType(tt.field).String())
		})
	}
}

func TestWriteState(t *testing.T) {
	cfg := testConfig(t, "jsonl", "none")
	s := newTestSink(t, cfg)
	ctx := context.Background()

	st := state.NewFile()
	st.Set("orders", state.Bookmark{ReplicationKey: "updated_at", Value: "2026-03-01T10:00:00Z"})

	require.NoError(t, s.WriteState(ctx, st))
	require.NoError(t, s.Close(ctx))

	data, err := os.ReadFile(filepath.Join(cfg.Sink.File.Directory, "state.json"))
	require.NoError(t, err)

	got := state.NewFile()
	require.NoError(t, jsonpool.Unmarshal(data, got))
	bm, ok := got.Get("orders")
	require.True(t, ok)
	assert.Equal(t, "updated_at", bm.ReplicationKey)
}
