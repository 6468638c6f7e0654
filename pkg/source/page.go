package source

import (
	"encoding/json"
	"net/url"
)

// RawPage is one decoded collection page. Payload holds the decoded
// JSON value with numbers preserved as json.Number.
type RawPage struct {
	Entity  string
	Payload interface{}
}

// envelopeKeys is the ordered list of wrapper keys a page may nest its
// record list under.
var envelopeKeys = []string{"results", "data", "items"}

// Records extracts the record objects from the page payload, trying
// each envelope key in order, then a direct array, then a single
// object. List elements that are not objects are dropped and counted
// in skipped.
func (p *RawPage) Records() (records []map[string]interface{}, skipped int) {
	list, ok := envelopeList(p.Payload)
	if ok {
		records = make([]map[string]interface{}, 0, len(list))
		for _, el := range list {
			if rec, isObj := el.(map[string]interface{}); isObj {
				records = append(records, rec)
			} else {
				skipped++
			}
		}
		return records, skipped
	}
	if rec, isObj := p.Payload.(map[string]interface{}); isObj {
		return []map[string]interface{}{rec}, 0
	}
	return nil, 0
}

// envelopeList returns the embedded record list. A wrapper key that is
// present but null or mistyped counts as an empty page so the envelope
// itself is never mistaken for a single record.
func envelopeList(payload interface{}) ([]interface{}, bool) {
	switch v := payload.(type) {
	case []interface{}:
		return v, true
	case map[string]interface{}:
		for _, key := range envelopeKeys {
			raw, present := v[key]
			if !present {
				continue
			}
			list, isList := raw.([]interface{})
			if !isList {
				return nil, true
			}
			return list, true
		}
	}
	return nil, false
}

// NextCursor pulls the follow-up cursor for cursor pagination out of
// the page's next_page URL. An absent, null, or empty next_page means
// the scan is complete.
func (p *RawPage) NextCursor(param string) (string, bool) {
	obj, isObj := p.Payload.(map[string]interface{})
	if !isObj {
		return "", false
	}
	raw := obj["next_page"]
	if raw == nil {
		raw = obj["nextPage"]
	}
	link, isStr := raw.(string)
	if !isStr || link == "" {
		return "", false
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", false
	}
	cursor := u.Query().Get(param)
	if cursor == "" {
		return "", false
	}
	return cursor, true
}

// PageInfo reads the page_nbr / page_count pair for offset pagination.
func (p *RawPage) PageInfo() (page, count int, ok bool) {
	obj, isObj := p.Payload.(map[string]interface{})
	if !isObj {
		return 0, 0, false
	}
	page, pageOK := intField(obj, "page_nbr", "pageNbr")
	count, countOK := intField(obj, "page_count", "pageCount")
	if !pageOK || !countOK {
		return 0, 0, false
	}
	return page, count, true
}

func intField(obj map[string]interface{}, keys ...string) (int, bool) {
	for _, key := range keys {
		raw, present := obj[key]
		if !present || raw == nil {
			continue
		}
		return toInt(raw)
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil {
			return int(f), true
		}
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
