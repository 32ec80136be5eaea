package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one source record, an opaque field mapping. Identity is the
// dataset's natural key.
type Record map[string]any

// KeyText renders one key component as stable text. JSON decoding delivers
// numeric IDs as float64, and %v prints large ones in scientific notation,
// so numbers are formatted in plain decimal form: a nine-digit game ID stays
// "401234567", never "4.01234567e+08".
func KeyText(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	case json.Number:
		return n.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// NaturalKey builds the composite key string for a record. The second return
// is false when every key component is absent; such records cannot be
// deduplicated and are kept as-is.
func NaturalKey(rec Record, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	present := false
	for i, f := range fields {
		v, ok := rec[f]
		if ok && v != nil {
			present = true
			parts[i] = KeyText(v)
		} else {
			parts[i] = "\x00"
		}
	}
	return strings.Join(parts, "|"), present
}

// DedupContext tracks natural keys seen during one dataset's extraction.
//
// It replaces what the source system kept as ambient global state: the seen
// set is scoped to a single run of a single dataset and threaded explicitly
// through the extraction calls, so concurrent multi-dataset runs each carry
// their own context. It is not safe for concurrent use; windows within one
// dataset are processed sequentially.
type DedupContext struct {
	seen map[string]bool
}

// NewDedupContext creates an empty per-run dedup context.
func NewDedupContext() *DedupContext {
	return &DedupContext{seen: make(map[string]bool)}
}

// Admit reports whether the record's key is new and marks it seen. First
// occurrence wins: a later record with the same key is rejected regardless of
// its field values.
func (d *DedupContext) Admit(rec Record, keyFields []string) bool {
	key, ok := NaturalKey(rec, keyFields)
	if !ok {
		return true
	}
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

// Len returns the number of distinct keys admitted.
func (d *DedupContext) Len() int {
	return len(d.seen)
}

// Filter appends the records Admit accepts to out and returns it.
func (d *DedupContext) Filter(out []Record, records []Record, keyFields []string) []Record {
	for _, rec := range records {
		if d.Admit(rec, keyFields) {
			out = append(out, rec)
		}
	}
	return out
}
