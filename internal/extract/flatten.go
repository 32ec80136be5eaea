package extract

import (
	"regexp"
	"strings"
)

// Flatten explodes a nested child list into one record per child, each child
// carrying the parent's remaining fields. A parent with an empty or missing
// child list yields the bare parent record, so nothing is silently dropped.
//
// Child fields win on name collision with parent fields, matching how the
// source nests provider lines and player stat rows under their game.
func Flatten(records []Record, field string) []Record {
	if field == "" {
		return records
	}

	var out []Record
	for _, rec := range records {
		base := make(Record, len(rec))
		for k, v := range rec {
			if k != field {
				base[k] = v
			}
		}

		children, _ := rec[field].([]any)
		if len(children) == 0 {
			out = append(out, base)
			continue
		}
		for _, child := range children {
			childMap, ok := child.(map[string]any)
			if !ok {
				continue
			}
			row := make(Record, len(base)+len(childMap))
			for k, v := range base {
				row[k] = v
			}
			for k, v := range childMap {
				row[k] = v
			}
			out = append(out, row)
		}
	}
	return out
}

var (
	camelBoundary = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	lowerToUpper  = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// ToSnakeCase converts a camelCase field name to the snake_case column name
// used in the persistent store.
func ToSnakeCase(name string) string {
	s := camelBoundary.ReplaceAllString(name, "${1}_${2}")
	s = lowerToUpper.ReplaceAllString(s, "${1}_${2}")
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ToLower(s)
}

// NormalizeColumns rewrites every field name of a record to snake_case.
func NormalizeColumns(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[ToSnakeCase(k)] = v
	}
	return out
}
