// Package orchestrate drives a full ingestion run: plan, extract, snapshot,
// stage, validate, merge, and record, across the dataset catalog.
//
// Datasets extract concurrently within a rank; ranks run in order so
// reference dimensions land before the facts that reference them. Merges are
// serialized, and swap datasets finalize together at the end of the run.
package orchestrate

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spreadeagle/ingest-core/internal/config"
	"github.com/spreadeagle/ingest-core/internal/dataset"
	"github.com/spreadeagle/ingest-core/internal/extract"
	"github.com/spreadeagle/ingest-core/internal/manifest"
	"github.com/spreadeagle/ingest-core/internal/merge"
	"github.com/spreadeagle/ingest-core/internal/plan"
	"github.com/spreadeagle/ingest-core/pkg/snapshot"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// Mode selects how much history a run covers.
type Mode string

const (
	// ModeFull rebuilds every season from the configured start season.
	ModeFull Mode = "full"
	// ModeIncremental covers the trailing window plus current-season
	// aggregates.
	ModeIncremental Mode = "incremental"
)

// Status summarizes a run.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
)

// Options configures one run.
type Options struct {
	Mode Mode
	// Datasets restricts the run to the named datasets; empty means all.
	Datasets []string
	// ContinueOnError keeps pulling remaining datasets after a failure.
	ContinueOnError bool
	// Now anchors window planning; zero means time.Now.
	Now time.Time
}

// DatasetOutcome is one dataset's result within a run summary.
type DatasetOutcome struct {
	Dataset string
	State   merge.BatchState
	Records int
	Dropped int
	Merged  int64
	Errors  []string
}

// Summary is the run's final report.
type Summary struct {
	RunID       string
	Mode        Mode
	Status      Status
	RecordCount int
	MergedCount int64
	Duration    time.Duration
	Errors      []string
	Outcomes    []DatasetOutcome
}

// Runner wires the pipeline components for repeated runs.
type Runner struct {
	cfg      *config.Config
	catalog  []*dataset.Descriptor
	fetcher  extract.RecordsFetcher
	provider staging.Provider
	archive  *snapshot.Archive
	engine   *merge.Engine
	recorder *manifest.Recorder

	// mergeMu serializes all database promotion; extraction stays concurrent.
	mergeMu sync.Mutex
}

// NewRunner assembles a runner. The archive may be nil to skip snapshots.
func NewRunner(cfg *config.Config, catalog []*dataset.Descriptor, fetcher extract.RecordsFetcher, provider staging.Provider, archive *snapshot.Archive, engine *merge.Engine, recorder *manifest.Recorder) *Runner {
	return &Runner{
		cfg:      cfg,
		catalog:  catalog,
		fetcher:  fetcher,
		provider: provider,
		archive:  archive,
		engine:   engine,
		recorder: recorder,
	}
}

type datasetResult struct {
	outcome   DatasetOutcome
	swapBatch *merge.Batch
}

// Run executes one ingestion pass and returns its summary. The returned
// error is non-nil only for setup failures; dataset failures are reported
// through the summary status.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	start := time.Now()

	selected, err := dataset.Select(r.catalog, opts.Datasets)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no datasets selected")
	}
	ordered := dataset.Order(selected)

	runID := "run-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	loadDate := now.Format("2006-01-02")
	stageRef := staging.MakeStageRef(r.provider.ID(), "stage-"+runID)
	log.Printf("[run] %s: mode=%s datasets=%d loadDate=%s", runID, opts.Mode, len(ordered), loadDate)

	// A run that crashed before discarding leaves its stage behind; sweep
	// before this run stages anything.
	if n, err := r.provider.Sweep(ctx); err != nil {
		log.Printf("[run] sweep stale stages: %v", err)
	} else if n > 0 {
		log.Printf("[run] swept %d stale stages", n)
	}

	summary := &Summary{RunID: runID, Mode: opts.Mode}
	var swapBatches []*merge.Batch
	aborted := false

	for _, rank := range ranks(ordered) {
		if aborted {
			break
		}
		results := r.runRank(ctx, datasetsOfRank(ordered, rank), opts, now, runID, loadDate, stageRef)
		for _, res := range results {
			summary.Outcomes = append(summary.Outcomes, res.outcome)
			summary.RecordCount += res.outcome.Records
			summary.MergedCount += res.outcome.Merged
			summary.Errors = append(summary.Errors, res.outcome.Errors...)
			if res.swapBatch != nil {
				swapBatches = append(swapBatches, res.swapBatch)
			}
			if len(res.outcome.Errors) > 0 && !opts.ContinueOnError {
				aborted = true
			}
		}
	}

	// Any selected swap dataset that failed to reach a validated batch blocks
	// the whole group.
	swapBlocked := len(swapBatches) < countSwapDatasets(ordered)
	r.finalizeSwaps(ctx, summary, swapBatches, swapBlocked, aborted)
	r.discardStage(ctx, stageRef)
	r.prune(ctx, ordered, now)

	summary.Duration = time.Since(start)
	summary.Status = runStatus(summary)
	log.Printf("[run] %s: %s, %d records, %d merged, %s", runID, summary.Status, summary.RecordCount, summary.MergedCount, summary.Duration.Round(time.Millisecond))
	return summary, nil
}

// runRank pulls one rank's datasets with a bounded worker pool sharing the
// single rate-limited source client.
func (r *Runner) runRank(ctx context.Context, group []*dataset.Descriptor, opts Options, now time.Time, runID, loadDate, stageRef string) []datasetResult {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(group) {
		workers = len(group)
	}

	results := make([]datasetResult, len(group))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, ds := range group {
		wg.Add(1)
		go func(i int, ds *dataset.Descriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = r.runDataset(ctx, ds, opts, now, runID, loadDate, stageRef)
		}(i, ds)
	}
	wg.Wait()
	return results
}

func (r *Runner) runDataset(ctx context.Context, ds *dataset.Descriptor, opts Options, now time.Time, runID, loadDate, stageRef string) datasetResult {
	outcome := DatasetOutcome{Dataset: ds.Name}
	extractor := extract.NewExtractor(r.fetcher)
	dedup := extract.NewDedupContext()

	result := r.extractDataset(ctx, extractor, ds, opts.Mode, now, dedup)
	outcome.Errors = append(outcome.Errors, result.Errors()...)

	envelopes, dropped := extract.BuildEnvelopes(ds.Name, ds.NaturalKey, loadDate, result.Records)
	outcome.Records = len(envelopes)
	outcome.Dropped = dropped

	m := manifest.Manifest{
		RunID:        runID,
		Dataset:      ds.Name,
		Mode:         string(opts.Mode),
		LoadDate:     loadDate,
		RecordCount:  len(envelopes),
		DroppedCount: dropped,
		Success:      !result.Failed(),
		Errors:       result.Errors(),
	}
	for _, wr := range result.Windows {
		rec := manifest.WindowRecord{Season: wr.Season, Fetched: wr.Fetched, Success: wr.Success}
		if !wr.Window.Start.IsZero() {
			rec.Window = wr.Window.String()
		}
		if wr.Err != nil {
			rec.Error = wr.Err.Error()
		}
		m.Windows = append(m.Windows, rec)
	}

	// A failed pull of a swap dataset never stages: stale aggregates must not
	// reach the serving tables half-refreshed.
	if result.Failed() && ds.Strategy == dataset.StrategySwap {
		outcome.State = merge.StateMergeFailed
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: swap dataset skipped after extraction failure", ds.Name))
		m.Success = false
		r.record(ctx, &outcome, m)
		return datasetResult{outcome: outcome}
	}

	writer := staging.NewWriter(r.provider, 0)
	staged, err := writer.WriteScope(ctx, stageRef, ds.Name, envelopes)
	if err != nil {
		outcome.State = merge.StateMergeFailed
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: staging: %v", ds.Name, err))
		m.Success = false
		r.record(ctx, &outcome, m)
		return datasetResult{outcome: outcome}
	}

	// The merge consumes what the stage actually holds, and the extracted
	// count must survive the round trip.
	stagedRows, err := staging.ReadScope(ctx, r.provider, stageRef, ds.Name)
	if err != nil {
		outcome.State = merge.StateMergeFailed
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: read stage: %v", ds.Name, err))
		m.Success = false
		r.record(ctx, &outcome, m)
		return datasetResult{outcome: outcome}
	}
	if staged != len(envelopes) || len(stagedRows) != len(envelopes) {
		outcome.State = merge.StateMergeFailed
		outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: extracted %d rows, staged %d, read back %d", ds.Name, len(envelopes), staged, len(stagedRows)))
		m.Success = false
		r.record(ctx, &outcome, m)
		return datasetResult{outcome: outcome}
	}

	if r.archive != nil {
		res, err := r.archive.Write(ctx, ds.Name, loadDate, runID, envelopes)
		if err != nil {
			// Snapshot loss is recoverable from the source; log and continue.
			log.Printf("[run] %s: snapshot failed: %v", ds.Name, err)
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: snapshot: %v", ds.Name, err))
		} else {
			m.Artifacts = res.Objects
		}
	}

	batch, err := r.mergeDataset(ctx, ds, runID, loadDate, stagedRows)
	if err != nil {
		outcome.State = batch.State
		outcome.Errors = append(outcome.Errors, err.Error())
		m.Success = false
		r.record(ctx, &outcome, m)
		return datasetResult{outcome: outcome}
	}

	outcome.State = batch.State
	outcome.Merged = batch.Merged
	r.record(ctx, &outcome, m)

	if ds.Strategy == dataset.StrategySwap {
		return datasetResult{outcome: outcome, swapBatch: batch}
	}
	return datasetResult{outcome: outcome}
}

// extractDataset routes by dataset shape: windowed facts, season aggregates,
// or un-parameterized reference pulls.
func (r *Runner) extractDataset(ctx context.Context, extractor *extract.Extractor, ds *dataset.Descriptor, mode Mode, now time.Time, dedup *extract.DedupContext) *extract.Result {
	if ds.Windowed {
		return extractor.ExtractWindows(ctx, ds, r.windowsFor(mode, now), dedup)
	}
	if !ds.SeasonScoped {
		return extractor.ExtractSingle(ctx, ds, 0, dedup)
	}

	combined := &extract.Result{}
	for _, season := range r.seasonsFor(mode, now) {
		res := extractor.ExtractSingle(ctx, ds, season, dedup)
		combined.Records = append(combined.Records, res.Records...)
		combined.Windows = append(combined.Windows, res.Windows...)
	}
	return combined
}

func (r *Runner) windowsFor(mode Mode, now time.Time) []plan.Window {
	if mode == ModeIncremental {
		return []plan.Window{plan.RollingWindow(now, r.cfg.IncrementalDays)}
	}
	var windows []plan.Window
	for _, season := range r.seasonsFor(ModeFull, now) {
		windows = append(windows, plan.SeasonWindows(season)...)
	}
	return windows
}

func (r *Runner) seasonsFor(mode Mode, now time.Time) []int {
	current := plan.SeasonOf(now)
	if mode == ModeIncremental {
		return []int{current}
	}
	var seasons []int
	for s := r.cfg.StartSeason; s <= current; s++ {
		seasons = append(seasons, s)
	}
	return seasons
}

// mergeDataset runs the stage/validate/merge sequence under the merge lock.
// Swap datasets stop after validation; the batch is returned for the group
// finalize.
func (r *Runner) mergeDataset(ctx context.Context, ds *dataset.Descriptor, runID, loadDate string, rows []staging.RowEnvelope) (*merge.Batch, error) {
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	batch, err := r.engine.Stage(ctx, ds, runID, loadDate, rows)
	if err != nil {
		return batch, err
	}
	if err := r.engine.Validate(ctx, batch); err != nil {
		return batch, err
	}
	if ds.Strategy == dataset.StrategySwap {
		return batch, nil
	}
	if err := r.engine.Merge(ctx, batch); err != nil {
		return batch, err
	}
	return batch, nil
}

func (r *Runner) finalizeSwaps(ctx context.Context, summary *Summary, batches []*merge.Batch, blocked, aborted bool) {
	if len(batches) == 0 {
		return
	}
	if blocked || aborted {
		msg := "swap group not finalized: a swap dataset failed upstream"
		if aborted {
			msg = "swap group not finalized: run aborted"
		}
		summary.Errors = append(summary.Errors, msg)
		for i := range summary.Outcomes {
			if batchFor(batches, summary.Outcomes[i].Dataset) != nil {
				summary.Outcomes[i].State = merge.StateMergeFailed
				summary.Outcomes[i].Errors = append(summary.Outcomes[i].Errors, msg)
			}
		}
		return
	}

	r.mergeMu.Lock()
	err := r.engine.FinalizeSwap(ctx, batches)
	r.mergeMu.Unlock()

	for i := range summary.Outcomes {
		b := batchFor(batches, summary.Outcomes[i].Dataset)
		if b == nil {
			continue
		}
		summary.Outcomes[i].State = b.State
		summary.Outcomes[i].Merged = b.Merged
		if b.State == merge.StateMerged {
			summary.MergedCount += b.Merged
		}
	}
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
}

func (r *Runner) record(ctx context.Context, outcome *DatasetOutcome, m manifest.Manifest) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, m); err != nil {
		outcome.Errors = append(outcome.Errors, err.Error())
	}
}

func (r *Runner) discardStage(ctx context.Context, stageRef string) {
	if err := r.provider.Discard(ctx, stageRef); err != nil {
		log.Printf("[run] discard stage: %v", err)
	}
}

func (r *Runner) prune(ctx context.Context, ordered []*dataset.Descriptor, now time.Time) {
	if r.archive == nil || r.cfg.RetentionDays <= 0 {
		return
	}
	for _, ds := range ordered {
		n, err := r.archive.Prune(ctx, ds.Name, r.cfg.RetentionDays, now)
		if err != nil {
			log.Printf("[run] prune %s: %v", ds.Name, err)
			continue
		}
		if n > 0 {
			log.Printf("[run] prune %s: removed %d stale objects", ds.Name, n)
		}
	}
}

func ranks(ordered []*dataset.Descriptor) []int {
	seen := make(map[int]bool)
	var out []int
	for _, ds := range ordered {
		if !seen[ds.Rank] {
			seen[ds.Rank] = true
			out = append(out, ds.Rank)
		}
	}
	sort.Ints(out)
	return out
}

func datasetsOfRank(ordered []*dataset.Descriptor, rank int) []*dataset.Descriptor {
	var out []*dataset.Descriptor
	for _, ds := range ordered {
		if ds.Rank == rank {
			out = append(out, ds)
		}
	}
	return out
}

func countSwapDatasets(ordered []*dataset.Descriptor) int {
	n := 0
	for _, ds := range ordered {
		if ds.Strategy == dataset.StrategySwap {
			n++
		}
	}
	return n
}

func batchFor(batches []*merge.Batch, name string) *merge.Batch {
	for _, b := range batches {
		if b.Dataset.Name == name {
			return b
		}
	}
	return nil
}

func runStatus(s *Summary) Status {
	failed := 0
	for _, o := range s.Outcomes {
		if len(o.Errors) > 0 {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == len(s.Outcomes):
		return StatusFailed
	default:
		return StatusPartial
	}
}
