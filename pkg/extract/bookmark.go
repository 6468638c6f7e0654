package extract

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/inletlabs/inlet/pkg/strings"
)

// resumeFilter renders the full-table resume condition: strictly below
// the stored bookmark. Integer keys use an inclusive bound on bookmark-1
// so the parameter stays an integer; anything else gets an exclusive
// bound on the raw value.
func resumeFilter(key string, bookmark interface{}) (string, string) {
	if n, ok := toInt64(bookmark); ok {
		return key + "__lte", strconv.FormatInt(n-1, 10)
	}
	return key + "__lt", bookmarkString(bookmark)
}

// compareValues orders two key values: numerically when both sides are
// numeric, else by string form. RFC 3339 timestamps order correctly as
// strings.
func compareValues(a, b interface{}) int {
	if ai, aok := toInt64(a); aok {
		if bi, bok := toInt64(b); bok {
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			default:
				return 0
			}
		}
	}
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := bookmarkString(a), bookmarkString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func bookmarkString(v interface{}) string {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return strings.ValueToString(v)
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
