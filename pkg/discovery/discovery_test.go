package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/cache"
	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	"github.com/inletlabs/inlet/pkg/schema"
	"github.com/inletlabs/inlet/pkg/source"
)

type fakeSource struct {
	mu      sync.Mutex
	names   []string
	meta    map[string]*schema.EntityMetadata
	pages   map[string]*source.RawPage
	pageErr map[string]error

	discoverCalls int
	describeCalls int
	pageCalls     map[string]int
}

func (f *fakeSource) DiscoverEntities(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverCalls++
	return f.names, nil
}

func (f *fakeSource) DescribeEntity(ctx context.Context, entity string) (*schema.EntityMetadata, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeCalls++
	meta, ok := f.meta[entity]
	return meta, ok, nil
}

func (f *fakeSource) GetEntityPage(ctx context.Context, entity string, params map[string]string) (*source.RawPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageCalls == nil {
		f.pageCalls = make(map[string]int)
	}
	f.pageCalls[entity]++
	if err := f.pageErr[entity]; err != nil {
		return nil, err
	}
	if page, ok := f.pages[entity]; ok {
		return page, nil
	}
	return &source.RawPage{
		Entity:  entity,
		Payload: map[string]interface{}{"results": []interface{}{}},
	}, nil
}

func (f *fakeSource) EntityURL(entity string) string {
	return "https://api.test/" + entity
}

func pageOf(entity string, records ...map[string]interface{}) *source.RawPage {
	list := make([]interface{}, len(records))
	for i, r := range records {
		list[i] = r
	}
	return &source.RawPage{
		Entity:  entity,
		Payload: map[string]interface{}{"results": list},
	}
}

func newTestDiscovery(t *testing.T, src Source) *Discovery {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Extraction.SampleLimit = 3
	builder := schema.NewBuilder(schema.NewInferrer(), schema.NewFlattener(cfg.Extraction.Flattening))
	return New(src, builder, cache.NewStore(), cfg)
}

func TestDiscoverAllResolvesKeys(t *testing.T) {
	src := &fakeSource{
		names: []string{"orders", "lookups"},
		meta: map[string]*schema.EntityMetadata{
			"orders": {
				Name: "orders",
				Fields: []schema.FieldDescriptor{
					{Name: "id", DeclaredType: "integer", Required: true},
					{Name: "updated_at", DeclaredType: "datetime"},
				},
			},
		},
	}

	d := newTestDiscovery(t, src)
	entities, err := d.DiscoverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, entities, 2)

	orders := entities["orders"]
	assert.Equal(t, "https://api.test/orders", orders.Endpoint)
	assert.Equal(t, "id", orders.PrimaryKey)
	assert.Equal(t, "updated_at", orders.ReplicationKey)
	assert.True(t, orders.SupportsIncremental())

	lookups := entities["lookups"]
	assert.Empty(t, lookups.PrimaryKey)
	assert.False(t, lookups.SupportsIncremental())
}

func TestDiscoverAllUsesCache(t *testing.T) {
	src := &fakeSource{names: []string{"orders"}}
	d := newTestDiscovery(t, src)

	_, err := d.DiscoverAll(context.Background())
	require.NoError(t, err)
	_, err = d.DiscoverAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, src.discoverCalls)
	assert.Equal(t, 1, src.describeCalls)
}

func TestDescribeCachesNotFound(t *testing.T) {
	src := &fakeSource{}
	d := newTestDiscovery(t, src)

	for i := 0; i < 3; i++ {
		meta, found, err := d.Describe(context.Background(), "ghosts")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, meta)
	}
	assert.Equal(t, 1, src.describeCalls)
}

func TestSampleTruncatesAndCaches(t *testing.T) {
	src := &fakeSource{
		pages: map[string]*source.RawPage{
			"orders": pageOf("orders",
				map[string]interface{}{"id": json.Number("1")},
				map[string]interface{}{"id": json.Number("2")},
				map[string]interface{}{"id": json.Number("3")},
				map[string]interface{}{"id": json.Number("4")},
			),
		},
	}
	d := newTestDiscovery(t, src)

	records, err := d.Sample(context.Background(), "orders", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = d.Sample(context.Background(), "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, src.pageCalls["orders"])
}

func TestBuildSchemaMergesSampledFields(t *testing.T) {
	src := &fakeSource{
		meta: map[string]*schema.EntityMetadata{
			"receipts": {
				Name: "receipts",
				Fields: []schema.FieldDescriptor{
					{Name: "receipt_id", DeclaredType: "integer", Required: true},
					{Name: "modify_ts", DeclaredType: "datetime"},
				},
			},
		},
		pages: map[string]*source.RawPage{
			"receipts": pageOf("receipts", map[string]interface{}{
				"receipt_id": json.Number("11"),
				"modify_ts":  "2026-01-01T00:00:00Z",
				"warehouse":  "north",
			}),
		},
	}
	d := newTestDiscovery(t, src)

	es, err := d.BuildSchema(context.Background(), "receipts")
	require.NoError(t, err)

	assert.Equal(t, []string{"receipt_id", "modify_ts", "warehouse"}, es.FieldNames())
	assert.True(t, es.AdditionalProperties)
	assert.Equal(t, "receipt_id", es.PrimaryKey)
	assert.Equal(t, "modify_ts", es.ReplicationKey)

	declared, _ := es.Field("receipt_id")
	assert.Equal(t, schema.ProvenanceMetadata, declared.Provenance)
	extra, _ := es.Field("warehouse")
	assert.Equal(t, schema.ProvenancePattern, extra.Provenance)
}

func TestBuildSchemaFromSamplesOnly(t *testing.T) {
	src := &fakeSource{
		pages: map[string]*source.RawPage{
			"notes": pageOf("notes", map[string]interface{}{
				"id":         json.Number("1"),
				"updated_at": "2026-01-01T00:00:00Z",
			}),
		},
	}
	d := newTestDiscovery(t, src)

	es, err := d.BuildSchema(context.Background(), "notes")
	require.NoError(t, err)
	assert.True(t, es.AdditionalProperties)
	assert.Equal(t, "id", es.PrimaryKey)
	assert.Equal(t, "updated_at", es.ReplicationKey)
}

func TestBuildSchemaKeepsDeclaredWhenSamplingFails(t *testing.T) {
	src := &fakeSource{
		meta: map[string]*schema.EntityMetadata{
			"receipts": {
				Name: "receipts",
				Fields: []schema.FieldDescriptor{
					{Name: "receipt_id", DeclaredType: "integer", Required: true},
				},
			},
		},
		pageErr: map[string]error{
			"receipts": errors.New(errors.ClassServer, "sampling unavailable"),
		},
	}
	d := newTestDiscovery(t, src)

	es, err := d.BuildSchema(context.Background(), "receipts")
	require.NoError(t, err)
	assert.Equal(t, []string{"receipt_id"}, es.FieldNames())
	assert.False(t, es.AdditionalProperties)
}

func TestBuildSchemaNothingToDeriveFrom(t *testing.T) {
	src := &fakeSource{}
	d := newTestDiscovery(t, src)

	_, err := d.BuildSchema(context.Background(), "empty")
	require.Error(t, err)
	assert.Equal(t, errors.ClassDataValidation, errors.GetClass(err))
}

func TestBuildSchemaUsesCache(t *testing.T) {
	src := &fakeSource{
		pages: map[string]*source.RawPage{
			"notes": pageOf("notes", map[string]interface{}{"id": json.Number("1")}),
		},
	}
	d := newTestDiscovery(t, src)

	_, err := d.BuildSchema(context.Background(), "notes")
	require.NoError(t, err)
	_, err = d.BuildSchema(context.Background(), "notes")
	require.NoError(t, err)

	assert.Equal(t, 1, src.describeCalls)
	assert.Equal(t, 1, src.pageCalls["notes"])
}

func TestFilter(t *testing.T) {
	entities := map[string]schema.Entity{
		"orders":        {Name: "orders"},
		"order_lines":   {Name: "order_lines"},
		"receipts":      {Name: "receipts"},
		"sys_jobs":      {Name: "sys_jobs"},
		"_audit":        {Name: "_audit"},
		"internal_refs": {Name: "internal_refs"},
	}

	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name: "system entities always dropped",
			want: []string{"orders", "order_lines", "receipts"},
		},
		{
			name:    "include globs are authoritative",
			include: []string{"order*"},
			want:    []string{"orders", "order_lines"},
		},
		{
			name:    "exclude always removes",
			include: []string{"order*"},
			exclude: []string{"order_lines"},
			want:    []string{"orders"},
		},
		{
			name:    "exclude glob",
			exclude: []string{"receipt*"},
			want:    []string{"orders", "order_lines"},
		},
		{
			name:    "include cannot resurrect system entities",
			include: []string{"sys_*", "orders"},
			want:    []string{"orders"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter(entities, tt.include, tt.exclude)
			names := make([]string, 0, len(got))
			for name := range got {
				names = append(names, name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestVerifyAccessDropsDenied(t *testing.T) {
	src := &fakeSource{
		pageErr: map[string]error{
			"secrets": errors.New(errors.ClassAuth, "forbidden").WithStatus(403),
		},
	}
	d := newTestDiscovery(t, src)

	entities := map[string]schema.Entity{
		"orders":  {Name: "orders"},
		"secrets": {Name: "secrets"},
	}

	verified := d.VerifyAccess(context.Background(), entities)
	require.Len(t, verified, 1)
	assert.Contains(t, verified, "orders")

	// Cached verdicts: a second sweep issues no new probes.
	probes := src.pageCalls["orders"] + src.pageCalls["secrets"]
	verified = d.VerifyAccess(context.Background(), entities)
	require.Len(t, verified, 1)
	assert.Equal(t, probes, src.pageCalls["orders"]+src.pageCalls["secrets"])
}

func TestVerifyAccessKeepsTransientFailures(t *testing.T) {
	src := &fakeSource{
		pageErr: map[string]error{
			"orders": errors.New(errors.ClassNetwork, "connect refused"),
		},
	}
	d := newTestDiscovery(t, src)

	entities := map[string]schema.Entity{"orders": {Name: "orders"}}
	verified := d.VerifyAccess(context.Background(), entities)
	assert.Len(t, verified, 1)
}
