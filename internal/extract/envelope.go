package extract

import (
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// CompleteKey builds the composite key and reports whether every component is
// present. A row missing any key component cannot be merged deterministically.
func CompleteKey(rec Record, fields []string) (string, bool) {
	key, present := NaturalKey(rec, fields)
	if !present {
		return key, false
	}
	for _, f := range fields {
		if v, ok := rec[f]; !ok || v == nil {
			return key, false
		}
	}
	return key, true
}

// BuildEnvelopes converts extracted records into staging envelopes: columns
// normalized to snake_case, composite key computed from the source field
// names. Keyed datasets drop rows with a NULL key component; the dropped
// count goes to the manifest. Keyless datasets pass everything through.
func BuildEnvelopes(name string, keyFields []string, loadDate string, records []Record) ([]staging.RowEnvelope, int) {
	rows := make([]staging.RowEnvelope, 0, len(records))
	dropped := 0
	for _, rec := range records {
		var key string
		if len(keyFields) > 0 {
			var ok bool
			key, ok = CompleteKey(rec, keyFields)
			if !ok {
				dropped++
				continue
			}
		}
		rows = append(rows, staging.RowEnvelope{
			Dataset:  name,
			LoadDate: loadDate,
			Key:      key,
			Fields:   NormalizeColumns(rec),
		})
	}
	return rows, dropped
}
