package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// encodeParquet writes rows as a single Parquet file. The schema is inferred
// from the union of field names across all rows; every column is OPTIONAL so
// ragged source records encode without error.
func encodeParquet(rows []staging.RowEnvelope) ([]byte, error) {
	columns := inferColumns(rows)

	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(buildSchema(columns), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		projected := projectRow(row.Fields, columns)
		// JSONWriter.Write only accepts a JSON-encoded string or []byte.
		encoded, err := json.Marshal(projected)
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("parquet row: %w", err)
		}
		if err := pw.Write(string(encoded)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, fmt.Errorf("parquet finalize: %w", err)
	}
	if err := pfw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type column struct {
	name     string
	physical string
}

// inferColumns derives the column set and physical types from the first
// non-nil value observed per field.
func inferColumns(rows []staging.RowEnvelope) []column {
	types := make(map[string]string)
	for _, row := range rows {
		for name, val := range row.Fields {
			if _, ok := types[name]; ok && types[name] != "" {
				continue
			}
			types[name] = physicalType(val)
		}
	}

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]column, len(names))
	for i, name := range names {
		physical := types[name]
		if physical == "" {
			physical = "BYTE_ARRAY"
		}
		cols[i] = column{name: name, physical: physical}
	}
	return cols
}

// physicalType maps a decoded JSON value to a parquet physical type. An empty
// string means the type is still unknown (nil value).
func physicalType(val any) string {
	switch val.(type) {
	case nil:
		return ""
	case bool:
		return "BOOLEAN"
	case float64, float32, int, int32, int64:
		return "DOUBLE"
	default:
		return "BYTE_ARRAY"
	}
}

func buildSchema(columns []column) string {
	fields := make([]map[string]string, 0, len(columns))
	for _, c := range columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", c.name, c.physical),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// projectRow coerces a row onto the inferred schema. Nested values land as
// their JSON encoding in string columns.
func projectRow(fields map[string]any, columns []column) map[string]any {
	row := make(map[string]any, len(columns))
	for _, c := range columns {
		val, ok := fields[c.name]
		if !ok || val == nil {
			row[c.name] = nil
			continue
		}
		switch c.physical {
		case "BOOLEAN":
			if b, ok := val.(bool); ok {
				row[c.name] = b
			} else {
				row[c.name] = nil
			}
		case "DOUBLE":
			row[c.name] = toFloat(val)
		default:
			row[c.name] = toString(val)
		}
	}
	return row
}

func toFloat(val any) any {
	switch v := val.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return nil
	}
}

func toString(val any) any {
	switch v := val.(type) {
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
