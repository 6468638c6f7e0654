package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetPut(t *testing.T) {
	type widget struct {
		n int
	}

	p := New(
		func() *widget { return &widget{} },
		func(w *widget) { w.n = 0 },
	)

	w := p.Get()
	w.n = 7
	p.Put(w)

	w2 := p.Get()
	assert.Equal(t, 0, w2.n, "reset must run before reuse")
	p.Put(w2)
}

func TestRecordPoolReset(t *testing.T) {
	r := GetRecord()
	r.ID = "rec-x"
	r.Entity = "orders"
	r.SetData("total", 12.5)
	r.SetMetadata("probe", true)
	r.Metadata.Page = 3
	r.Metadata.Strategy = "incremental"
	r.Release()

	r2 := GetRecord()
	defer r2.Release()

	assert.Empty(t, r2.ID)
	assert.Empty(t, r2.Entity)
	assert.Empty(t, r2.Data)
	assert.Nil(t, r2.Metadata.Custom)
	assert.Zero(t, r2.Metadata.Page)
	assert.Empty(t, r2.Metadata.Strategy)
	assert.False(t, r2.Metadata.ExtractedAt.IsZero())
}

func TestNewRecordFromPool(t *testing.T) {
	r := NewRecordFromPool("customers")
	defer r.Release()

	require.NotNil(t, r.Data)
	assert.Equal(t, "customers", r.Entity)
	assert.NotEmpty(t, r.ID)

	r.SetData("id", int64(1))
	v, ok := r.GetData("id")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
}

func TestGetBatchSliceCapacity(t *testing.T) {
	batch := GetBatchSlice(5000)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, cap(batch), 5000)
	PutBatchSlice(batch)

	small := GetBatchSlice(10)
	assert.Empty(t, small)
	PutBatchSlice(small)
}

func TestGenerateIDUnique(t *testing.T) {
	const n = 1000

	var mu sync.Mutex
	seen := make(map[string]struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				id := GenerateID("rec")
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestGetGlobalStats(t *testing.T) {
	r := GetRecord()
	r.Release()

	stats := GetGlobalStats()
	require.Contains(t, stats, "record")
	assert.Greater(t, stats["record"].Hits, int64(0))
}
