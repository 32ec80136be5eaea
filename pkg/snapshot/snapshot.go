// Package snapshot archives each pull's rows to the object store before any
// merge runs, so a bad merge can always be replayed from the raw pull.
//
// Layout under the configured prefix:
//
//	<prefix>/<dataset>/dt=<loadDate>/run=<runID>/part-000000.jsonl.gz
//	<prefix>/<dataset>/dt=<loadDate>/run=<runID>/part-000000.parquet
//	<prefix>/<dataset>/dt=<loadDate>/run=<runID>/_manifest.json
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spreadeagle/ingest-core/internal/store/object"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// ManifestObjectName is the fixed manifest filename within a run prefix.
const ManifestObjectName = "_manifest.json"

// WriteResult reports the artifacts written for one dataset pull.
type WriteResult struct {
	Objects []string
	Rows    int
	Bytes   int64
}

// Archive writes snapshot artifacts to an object store.
type Archive struct {
	store  object.Store
	bucket string
	prefix string
}

// NewArchive creates an archive over the given store.
func NewArchive(store object.Store, bucket, prefix string) *Archive {
	return &Archive{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Write lands a dataset pull as JSONL and Parquet artifacts. Row order is
// preserved in both encodings.
func (a *Archive) Write(ctx context.Context, dataset, loadDate, runID string, rows []staging.RowEnvelope) (*WriteResult, error) {
	if err := a.store.EnsureBucket(ctx, a.bucket); err != nil {
		return nil, err
	}

	result := &WriteResult{Rows: len(rows)}
	runPrefix := a.runPrefix(dataset, loadDate, runID)

	jsonlKey := path.Join(runPrefix, "part-000000.jsonl.gz")
	jsonlData, err := encodeJSONL(rows)
	if err != nil {
		return nil, fmt.Errorf("encode jsonl: %w", err)
	}
	if err := a.store.PutObject(ctx, a.bucket, jsonlKey, jsonlData); err != nil {
		return nil, err
	}
	result.Objects = append(result.Objects, a.objectURL(jsonlKey))
	result.Bytes += int64(len(jsonlData))

	parquetKey := path.Join(runPrefix, "part-000000.parquet")
	parquetData, err := encodeParquet(rows)
	if err != nil {
		return nil, fmt.Errorf("encode parquet: %w", err)
	}
	if err := a.store.PutObject(ctx, a.bucket, parquetKey, parquetData); err != nil {
		return nil, err
	}
	result.Objects = append(result.Objects, a.objectURL(parquetKey))
	result.Bytes += int64(len(parquetData))

	return result, nil
}

// PutManifest writes the run's manifest document next to its data artifacts.
func (a *Archive) PutManifest(ctx context.Context, dataset, loadDate, runID string, manifest any) (string, error) {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	key := path.Join(a.runPrefix(dataset, loadDate, runID), ManifestObjectName)
	if err := a.store.EnsureBucket(ctx, a.bucket); err != nil {
		return "", err
	}
	if err := a.store.PutObject(ctx, a.bucket, key, data); err != nil {
		return "", err
	}
	return a.objectURL(key), nil
}

// GetManifest reads back a run's manifest into out.
func (a *Archive) GetManifest(ctx context.Context, dataset, loadDate, runID string, out any) error {
	key := path.Join(a.runPrefix(dataset, loadDate, runID), ManifestObjectName)
	data, err := a.store.GetObject(ctx, a.bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ReadRows reads a run's JSONL artifact back for replay.
func (a *Archive) ReadRows(ctx context.Context, dataset, loadDate, runID string) ([]staging.RowEnvelope, error) {
	key := path.Join(a.runPrefix(dataset, loadDate, runID), "part-000000.jsonl.gz")
	data, err := a.store.GetObject(ctx, a.bucket, key)
	if err != nil {
		return nil, err
	}
	return decodeJSONL(data)
}

// ListRuns lists run prefixes recorded for a dataset, sorted by key order,
// which is chronological given the dt= layout.
func (a *Archive) ListRuns(ctx context.Context, dataset string) ([]string, error) {
	keys, err := a.store.ListPrefix(ctx, a.bucket, path.Join(a.prefix, dataset)+"/")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var runs []string
	for _, k := range keys {
		dir := path.Dir(k)
		if !seen[dir] {
			seen[dir] = true
			runs = append(runs, dir)
		}
	}
	return runs, nil
}

// Prune deletes snapshot objects whose dt= partition is older than the
// retention horizon. A zero or negative retention disables pruning.
func (a *Archive) Prune(ctx context.Context, dataset string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")

	keys, err := a.store.ListPrefix(ctx, a.bucket, path.Join(a.prefix, dataset)+"/")
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, k := range keys {
		dt, ok := partitionDate(k)
		if !ok || dt >= cutoff {
			continue
		}
		if err := a.store.DeleteObject(ctx, a.bucket, k); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (a *Archive) runPrefix(dataset, loadDate, runID string) string {
	return path.Join(a.prefix, dataset, "dt="+loadDate, "run="+runID)
}

func (a *Archive) objectURL(key string) string {
	return fmt.Sprintf("minio://%s/%s", a.bucket, key)
}

// partitionDate extracts the dt=YYYY-MM-DD segment from an object key.
func partitionDate(key string) (string, bool) {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, "dt=") {
			return strings.TrimPrefix(seg, "dt="), true
		}
	}
	return "", false
}

func encodeJSONL(rows []staging.RowEnvelope) ([]byte, error) {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	enc := json.NewEncoder(gz)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeJSONL(data []byte) ([]staging.RowEnvelope, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	var rows []staging.RowEnvelope
	for dec.More() {
		var row staging.RowEnvelope
		if err := dec.Decode(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
