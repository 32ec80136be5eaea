package snapshot

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spreadeagle/ingest-core/internal/store/object"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

func testRows(n int) []staging.RowEnvelope {
	rows := make([]staging.RowEnvelope, n)
	for i := 0; i < n; i++ {
		rows[i] = staging.RowEnvelope{
			Dataset:  "games",
			LoadDate: "2025-01-15",
			Key:      fmt.Sprintf("%d", i+1),
			Fields: map[string]any{
				"id":          float64(i + 1),
				"home_team":   "Team A",
				"home_points": float64(70 + i),
				"neutral":     false,
			},
		}
	}
	return rows
}

func TestArchive_Unit_WriteProducesBothEncodings(t *testing.T) {
	store := object.NewLocalStore(t.TempDir())
	archive := NewArchive(store, "snapshots", "cbb")
	ctx := context.Background()

	res, err := archive.Write(ctx, "games", "2025-01-15", "run-1", testRows(5))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Rows != 5 {
		t.Errorf("rows = %d, want 5", res.Rows)
	}
	if len(res.Objects) != 2 {
		t.Fatalf("expected jsonl + parquet objects, got %v", res.Objects)
	}

	keys, err := store.ListPrefix(ctx, "snapshots", "cbb/games/dt=2025-01-15/run=run-1/")
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	var haveJSONL, haveParquet bool
	for _, k := range keys {
		if strings.HasSuffix(k, ".jsonl.gz") {
			haveJSONL = true
		}
		if strings.HasSuffix(k, ".parquet") {
			haveParquet = true
		}
	}
	if !haveJSONL || !haveParquet {
		t.Errorf("artifacts missing, keys: %v", keys)
	}
}

func TestArchive_Unit_RowsRoundTrip(t *testing.T) {
	store := object.NewLocalStore(t.TempDir())
	archive := NewArchive(store, "snapshots", "cbb")
	ctx := context.Background()

	in := testRows(7)
	if _, err := archive.Write(ctx, "games", "2025-01-15", "run-1", in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := archive.ReadRows(ctx, "games", "2025-01-15", "run-1")
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("read %d rows, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Key != in[i].Key {
			t.Errorf("row %d key = %s, want %s", i, out[i].Key, in[i].Key)
		}
		if out[i].Fields["home_team"] != "Team A" {
			t.Errorf("row %d lost field values: %v", i, out[i].Fields)
		}
	}
}

func TestArchive_Unit_ManifestRoundTrip(t *testing.T) {
	store := object.NewLocalStore(t.TempDir())
	archive := NewArchive(store, "snapshots", "cbb")
	ctx := context.Background()

	type doc struct {
		Dataset string `json:"dataset"`
		Count   int    `json:"recordCount"`
		Success bool   `json:"success"`
	}

	url, err := archive.PutManifest(ctx, "games", "2025-01-15", "run-1", doc{Dataset: "games", Count: 4100, Success: true})
	if err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if !strings.HasSuffix(url, ManifestObjectName) {
		t.Errorf("manifest URL %q should end with %s", url, ManifestObjectName)
	}

	var got doc
	if err := archive.GetManifest(ctx, "games", "2025-01-15", "run-1", &got); err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Count != 4100 || !got.Success {
		t.Errorf("manifest round-trip mismatch: %+v", got)
	}
}

func TestArchive_Unit_PruneHonorsRetention(t *testing.T) {
	store := object.NewLocalStore(t.TempDir())
	archive := NewArchive(store, "snapshots", "cbb")
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	dates := []string{"2025-01-01", "2025-01-08", "2025-01-14"}
	for i, dt := range dates {
		runID := fmt.Sprintf("run-%d", i)
		if _, err := archive.Write(ctx, "games", dt, runID, testRows(1)); err != nil {
			t.Fatalf("Write %s: %v", dt, err)
		}
	}

	deleted, err := archive.Prune(ctx, "games", 7, now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d objects, want 2 (both artifacts of 2025-01-01)", deleted)
	}

	keys, _ := store.ListPrefix(ctx, "snapshots", "cbb/games/")
	for _, k := range keys {
		if strings.Contains(k, "dt=2025-01-01") {
			t.Errorf("stale partition survived prune: %s", k)
		}
	}
	var surviving int
	for _, k := range keys {
		if strings.Contains(k, "dt=2025-01-08") || strings.Contains(k, "dt=2025-01-14") {
			surviving++
		}
	}
	if surviving != 4 {
		t.Errorf("recent partitions disturbed, %d artifacts remain, want 4", surviving)
	}
}

func TestArchive_Unit_PruneDisabled(t *testing.T) {
	store := object.NewLocalStore(t.TempDir())
	archive := NewArchive(store, "snapshots", "cbb")
	ctx := context.Background()

	if _, err := archive.Write(ctx, "games", "2020-01-01", "run-old", testRows(1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	deleted, err := archive.Prune(ctx, "games", 0, time.Now())
	if err != nil || deleted != 0 {
		t.Errorf("retention 0 should disable pruning, got %d %v", deleted, err)
	}
}

func TestArchive_Unit_ListRuns(t *testing.T) {
	store := object.NewLocalStore(t.TempDir())
	archive := NewArchive(store, "snapshots", "cbb")
	ctx := context.Background()

	for _, run := range []string{"run-a", "run-b"} {
		if _, err := archive.Write(ctx, "games", "2025-01-15", run, testRows(1)); err != nil {
			t.Fatalf("Write %s: %v", run, err)
		}
	}

	runs, err := archive.ListRuns(ctx, "games")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 run prefixes, got %v", runs)
	}
}
