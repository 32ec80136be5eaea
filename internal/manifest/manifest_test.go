package manifest

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSink struct {
	docs map[string]Manifest
	err  error
}

func (f *fakeSink) PutManifest(_ context.Context, dataset, loadDate, runID string, m any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.docs == nil {
		f.docs = make(map[string]Manifest)
	}
	f.docs[dataset+"/"+loadDate+"/"+runID] = m.(Manifest)
	return "minio://snapshots/" + dataset, nil
}

func TestRecorder_Unit_PersistsAndTracks(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink)

	m := Manifest{
		RunID:       "run-1",
		Dataset:     "games",
		Mode:        "incremental",
		LoadDate:    "2025-01-15",
		RecordCount: 4100,
		Success:     true,
		Windows: []WindowRecord{
			{Window: "2025-01-01..2025-01-31", Season: 2025, Fetched: 2950, Success: true},
			{Window: "2025-02-01..2025-02-28", Season: 2025, Fetched: 1200, Success: true},
		},
	}
	if err := rec.Record(context.Background(), m); err != nil {
		t.Fatalf("Record: %v", err)
	}

	stored, ok := sink.docs["games/2025-01-15/run-1"]
	if !ok {
		t.Fatal("manifest not persisted to sink")
	}
	if stored.RecordCount != 4100 || len(stored.Windows) != 2 {
		t.Errorf("persisted manifest mismatch: %+v", stored)
	}
	if stored.PullTimestamp.IsZero() {
		t.Error("pull timestamp should default to now")
	}

	trail := rec.Trail()
	if len(trail) != 1 || trail[0].Dataset != "games" {
		t.Errorf("trail mismatch: %+v", trail)
	}
}

func TestRecorder_Unit_SinkFailureKeepsTrail(t *testing.T) {
	rec := NewRecorder(&fakeSink{err: errors.New("endpoint unreachable")})

	err := rec.Record(context.Background(), Manifest{RunID: "run-1", Dataset: "lines", Success: true})
	if err == nil {
		t.Fatal("sink failure should surface")
	}
	if len(rec.Trail()) != 1 {
		t.Error("manifest lost from trail on sink failure")
	}
}

func TestRecorder_Unit_FailedDatasets(t *testing.T) {
	rec := NewRecorder(nil)
	ctx := context.Background()

	_ = rec.Record(ctx, Manifest{Dataset: "games", Success: true, PullTimestamp: time.Now()})
	_ = rec.Record(ctx, Manifest{Dataset: "lines", Success: false, Errors: []string{"window 2025-01-01..2025-01-31 season 2025: timeout"}})
	_ = rec.Record(ctx, Manifest{Dataset: "game_players", Success: false})

	failed := rec.Failed()
	if len(failed) != 2 || failed[0] != "lines" || failed[1] != "game_players" {
		t.Errorf("Failed() = %v", failed)
	}
}
