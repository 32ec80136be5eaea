package staging

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// cloneEnvelopes makes a shallow copy of the envelope slice to avoid mutation.
func cloneEnvelopes(in []RowEnvelope) []RowEnvelope {
	out := make([]RowEnvelope, len(in))
	copy(out, in)
	return out
}

// envelopeSizeBytes approximates payload size using JSONL encoding.
func envelopeSizeBytes(rows []RowEnvelope) (int64, error) {
	buf := &bytes.Buffer{}
	if err := writeJSONLines(buf, rows, false); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

func writeJSONLines(w io.Writer, rows []RowEnvelope, compress bool) error {
	var writer io.Writer = w
	var gz *gzip.Writer

	if compress {
		gz = gzip.NewWriter(w)
		writer = gz
		defer gz.Close()
	}

	enc := json.NewEncoder(writer)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("flush gzip: %w", err)
		}
	}
	return nil
}

func readJSONLines(r io.Reader) ([]RowEnvelope, error) {
	dec := json.NewDecoder(r)
	var rows []RowEnvelope
	for dec.More() {
		var row RowEnvelope
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
