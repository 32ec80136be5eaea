// Package manifest records what each pull actually did: counts, window
// outcomes, and failures, persisted next to the snapshot artifacts so a pull
// can be audited or replayed later.
package manifest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// WindowRecord is one extraction window's outcome inside a manifest.
type WindowRecord struct {
	Window  string `json:"window,omitempty"`
	Season  int    `json:"season,omitempty"`
	Fetched int    `json:"fetched"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Manifest summarizes one dataset pull. RecordCount is the deduplicated row
// count that went to staging, not the raw fetch total.
type Manifest struct {
	RunID         string         `json:"runId"`
	Dataset       string         `json:"dataset"`
	Mode          string         `json:"mode"`
	LoadDate      string         `json:"loadDate"`
	Windows       []WindowRecord `json:"windows,omitempty"`
	RecordCount   int            `json:"recordCount"`
	DroppedCount  int            `json:"droppedCount,omitempty"`
	Success       bool           `json:"success"`
	Errors        []string       `json:"errors,omitempty"`
	Artifacts     []string       `json:"artifacts,omitempty"`
	PullTimestamp time.Time      `json:"pullTimestamp"`
	DurationMS    int64          `json:"durationMs"`
}

// Sink persists a manifest document. Satisfied by *snapshot.Archive.
type Sink interface {
	PutManifest(ctx context.Context, dataset, loadDate, runID string, manifest any) (string, error)
}

// Recorder writes manifests to a sink and keeps the run's trail in memory
// for the final summary.
type Recorder struct {
	sink Sink

	mu    sync.Mutex
	trail []Manifest
}

// NewRecorder creates a recorder over the given sink. A nil sink keeps the
// trail in memory only.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record persists one dataset manifest and appends it to the trail. A sink
// write failure does not lose the manifest; it stays in the trail and the
// failure is returned for the run summary.
func (r *Recorder) Record(ctx context.Context, m Manifest) error {
	if m.PullTimestamp.IsZero() {
		m.PullTimestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.trail = append(r.trail, m)
	r.mu.Unlock()

	if r.sink == nil {
		return nil
	}
	url, err := r.sink.PutManifest(ctx, m.Dataset, m.LoadDate, m.RunID, m)
	if err != nil {
		log.Printf("[manifest] %s: persist failed: %v", m.Dataset, err)
		return fmt.Errorf("persist manifest for %s: %w", m.Dataset, err)
	}
	log.Printf("[manifest] %s: %d records, success=%v, %s", m.Dataset, m.RecordCount, m.Success, url)
	return nil
}

// Trail returns a copy of the manifests recorded so far, in record order.
func (r *Recorder) Trail() []Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Manifest, len(r.trail))
	copy(out, r.trail)
	return out
}

// Failed lists the datasets whose manifests report failure.
func (r *Recorder) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.trail {
		if !m.Success {
			out = append(out, m.Dataset)
		}
	}
	return out
}
