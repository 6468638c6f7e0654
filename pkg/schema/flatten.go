package schema

import (
	"sort"
	"strconv"

	"github.com/inletlabs/inlet/pkg/config"
	"github.com/inletlabs/inlet/pkg/errors"
	jsonpool "github.com/inletlabs/inlet/pkg/json"
	"github.com/inletlabs/inlet/pkg/strings"
)

// Flattener collapses nested JSON structures into flat column-like fields.
// The exact same normalization runs when schemas are built from samples and
// when pages are processed during extraction, which is what keeps inferred
// schemas and extracted records from drifting apart.
type Flattener struct {
	enabled         bool
	separator       string
	maxDepth        int
	maxListElements int
}

// NewFlattener builds a flattener from configuration.
func NewFlattener(cfg config.FlattenConfig) *Flattener {
	sep := cfg.Separator
	if sep == "" {
		sep = "_"
	}
	depth := cfg.MaxDepth
	if depth < 1 {
		depth = 1
	}
	listMax := cfg.MaxListElements
	if listMax < 0 {
		listMax = 0
	}
	return &Flattener{
		enabled:         cfg.Enabled,
		separator:       sep,
		maxDepth:        depth,
		maxListElements: listMax,
	}
}

// Normalize returns a new flat map for the record. Keys are visited in
// sorted order so the output field set and ordering are deterministic.
func (f *Flattener) Normalize(record map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(record))
	if err := f.NormalizeInto(out, record); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeInto flattens record into dst, which may be a pooled map.
func (f *Flattener) NormalizeInto(dst, record map[string]interface{}) error {
	for _, key := range sortedKeys(record) {
		value := record[key]

		if !f.enabled {
			// Flattening off: nested values are stored whole as
			// opaque JSON strings, scalars pass through.
			switch value.(type) {
			case map[string]interface{}, []interface{}:
				opaque, err := f.opaque(value)
				if err != nil {
					return err
				}
				dst[key] = opaque
			default:
				dst[key] = value
			}
			continue
		}

		if err := f.flattenValue(dst, key, value, 1); err != nil {
			return err
		}
	}
	return nil
}

// flattenValue writes value (living at nesting level depth, where 1 is a
// top-level field) into dst under base.
func (f *Flattener) flattenValue(dst map[string]interface{}, base string, value interface{}, depth int) error {
	switch v := value.(type) {
	case map[string]interface{}:
		if depth >= f.maxDepth {
			opaque, err := f.opaque(v)
			if err != nil {
				return err
			}
			dst[base] = opaque
			return nil
		}
		if isForeignKeyShape(v) {
			return f.collapseForeignKey(dst, base, v)
		}
		if list, ok := pagedCollectionList(v); ok {
			f.collapsePagedCollection(dst, base, v, list)
			return nil
		}
		for _, key := range sortedKeys(v) {
			if err := f.flattenValue(dst, base+f.separator+key, v[key], depth+1); err != nil {
				return err
			}
		}
		return nil

	case []interface{}:
		if depth >= f.maxDepth {
			opaque, err := f.opaque(v)
			if err != nil {
				return err
			}
			dst[base] = opaque
			return nil
		}
		dst[base+f.separator+"count"] = len(v)
		limit := f.maxListElements
		if limit > len(v) {
			limit = len(v)
		}
		for i := 0; i < limit; i++ {
			key := base + f.separator + strconv.Itoa(i)
			if err := f.flattenValue(dst, key, v[i], depth+1); err != nil {
				return err
			}
		}
		return nil

	default:
		dst[base] = value
		return nil
	}
}

// foreignKeyCompanions are the keys that, next to "id", mark an embedded
// object as a foreign key reference.
var foreignKeyCompanions = []string{"key", "code", "name"}

// isForeignKeyShape reports whether m looks like an embedded foreign key:
// at most three keys, one of them "id", and at least one companion among
// key/code/name.
func isForeignKeyShape(m map[string]interface{}) bool {
	if len(m) == 0 || len(m) > 3 {
		return false
	}
	if _, ok := m["id"]; !ok {
		return false
	}
	for _, companion := range foreignKeyCompanions {
		if _, ok := m[companion]; ok {
			return true
		}
	}
	return false
}

// collapseForeignKey emits {base}_{key} for every key of the FK object, so
// {"id": 7, "code": "X"} under item_ref becomes item_ref_id and
// item_ref_code. Non-scalar values degrade to JSON strings.
func (f *Flattener) collapseForeignKey(dst map[string]interface{}, base string, m map[string]interface{}) error {
	for _, key := range sortedKeys(m) {
		field := base + f.separator + key
		switch v := m[key].(type) {
		case map[string]interface{}, []interface{}:
			opaque, err := f.opaque(v)
			if err != nil {
				return err
			}
			dst[field] = opaque
		default:
			dst[field] = m[key]
		}
	}
	return nil
}

var (
	collectionListKeys  = []string{"results", "data", "items"}
	collectionCountKeys = []string{"result_count", "resultCount", "count"}
	collectionTotalKeys = []string{"total_count", "totalCount", "total", "page_count", "pageCount"}
	collectionPageKeys  = []string{"next_page", "nextPage", "page_nbr", "pageNbr", "page", "offset"}
)

// pagedCollectionList returns the embedded list when m looks like a paged
// collection envelope: a results/data/items array next to count or paging
// bookkeeping keys.
func pagedCollectionList(m map[string]interface{}) ([]interface{}, bool) {
	var list []interface{}
	found := false
	for _, key := range collectionListKeys {
		if v, ok := m[key]; ok {
			if l, isList := v.([]interface{}); isList {
				list = l
				found = true
				break
			}
		}
	}
	if !found {
		return nil, false
	}
	for _, key := range collectionCountKeys {
		if _, ok := m[key]; ok {
			return list, true
		}
	}
	for _, key := range collectionTotalKeys {
		if _, ok := m[key]; ok {
			return list, true
		}
	}
	for _, key := range collectionPageKeys {
		if _, ok := m[key]; ok {
			return list, true
		}
	}
	return nil, false
}

// collapsePagedCollection reduces an embedded paged collection to
// {base}_count and, when a total is advertised, {base}_total. The embedded
// page itself is dropped; sub-collections are extracted through their own
// entities, not ridden along inside parents.
func (f *Flattener) collapsePagedCollection(dst map[string]interface{}, base string, m map[string]interface{}, list []interface{}) {
	count := interface{}(len(list))
	for _, key := range collectionCountKeys {
		if v, ok := m[key]; ok {
			count = v
			break
		}
	}
	dst[base+f.separator+"count"] = count

	for _, key := range collectionTotalKeys {
		if v, ok := m[key]; ok {
			dst[base+f.separator+"total"] = v
			break
		}
	}
}

// opaque renders a nested value as its compact JSON encoding.
func (f *Flattener) opaque(v interface{}) (string, error) {
	data, err := jsonpool.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, errors.ClassDataValidation, "failed to encode nested value")
	}
	return strings.BytesToString(data), nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
