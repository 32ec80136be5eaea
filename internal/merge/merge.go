// Package merge promotes staged rows into the serving tables. Three
// strategies cover the catalog: reference tables reload wholesale, event
// tables upsert by natural key, and season aggregates swap all-or-nothing.
package merge

import (
	"context"
	"fmt"
	"log"

	"github.com/spreadeagle/ingest-core/internal/dataset"
	"github.com/spreadeagle/ingest-core/pkg/staging"
)

// BatchState tracks a staged batch through the merge lifecycle.
type BatchState string

const (
	StateStaged      BatchState = "STAGED"
	StateValidated   BatchState = "VALIDATED"
	StateMerging     BatchState = "MERGING"
	StateMerged      BatchState = "MERGED"
	StateMergeFailed BatchState = "MERGE_FAILED"
)

// Batch is one dataset's staged load awaiting merge. Expected is the row
// count handed to the stage; validation hard-fails if the stage disagrees.
type Batch struct {
	Dataset  *dataset.Descriptor
	RunID    string
	LoadDate string
	Expected int64
	Merged   int64
	State    BatchState
	Err      error
}

func (b *Batch) fail(err error) error {
	b.State = StateMergeFailed
	b.Err = err
	return err
}

// Store is the relational backend the engine merges through.
//
// SwapStageToRaw promotes every listed table inside one transaction, so
// readers see either all old tables or all new ones.
type Store interface {
	Provision(ctx context.Context, ds *dataset.Descriptor) error
	LoadStage(ctx context.Context, ds *dataset.Descriptor, rows []staging.RowEnvelope) (int64, error)
	StageCount(ctx context.Context, ds *dataset.Descriptor) (int64, error)
	RawCount(ctx context.Context, ds *dataset.Descriptor) (int64, error)
	TruncateReload(ctx context.Context, ds *dataset.Descriptor) (int64, error)
	Upsert(ctx context.Context, ds *dataset.Descriptor) (int64, error)
	SwapStageToRaw(ctx context.Context, descriptors []*dataset.Descriptor) error
}

// Engine drives batches through stage, validate, and merge.
type Engine struct {
	store Store
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Stage provisions the dataset's tables and loads its rows into the stage
// table, replacing any prior stage contents.
func (e *Engine) Stage(ctx context.Context, ds *dataset.Descriptor, runID, loadDate string, rows []staging.RowEnvelope) (*Batch, error) {
	b := &Batch{Dataset: ds, RunID: runID, LoadDate: loadDate}

	if err := e.store.Provision(ctx, ds); err != nil {
		return b, b.fail(fmt.Errorf("provision %s: %w", ds.Name, err))
	}
	loaded, err := e.store.LoadStage(ctx, ds, rows)
	if err != nil {
		return b, b.fail(fmt.Errorf("load stage %s: %w", ds.Name, err))
	}
	b.Expected = loaded
	b.State = StateStaged
	log.Printf("[merge] %s: staged %d rows", ds.Name, loaded)
	return b, nil
}

// Validate checks the staged count against what was loaded. A mismatch means
// rows went missing between staging and the database; the batch never merges.
func (e *Engine) Validate(ctx context.Context, b *Batch) error {
	if b.State != StateStaged {
		return b.fail(fmt.Errorf("validate %s: batch is %s, want %s", b.Dataset.Name, b.State, StateStaged))
	}
	count, err := e.store.StageCount(ctx, b.Dataset)
	if err != nil {
		return b.fail(fmt.Errorf("stage count %s: %w", b.Dataset.Name, err))
	}
	if count != b.Expected {
		return b.fail(fmt.Errorf("validate %s: stage holds %d rows, expected %d", b.Dataset.Name, count, b.Expected))
	}
	b.State = StateValidated
	return nil
}

// Merge promotes a validated batch using the dataset's strategy. Swap
// datasets are excluded: they finalize together through FinalizeSwap.
func (e *Engine) Merge(ctx context.Context, b *Batch) error {
	if b.State != StateValidated {
		return b.fail(fmt.Errorf("merge %s: batch is %s, want %s", b.Dataset.Name, b.State, StateValidated))
	}
	if b.Dataset.Strategy == dataset.StrategySwap {
		return b.fail(fmt.Errorf("merge %s: swap datasets finalize together", b.Dataset.Name))
	}
	b.State = StateMerging

	var merged int64
	var err error
	switch b.Dataset.Strategy {
	case dataset.StrategyTruncateReload:
		merged, err = e.store.TruncateReload(ctx, b.Dataset)
	case dataset.StrategyUpsert:
		merged, err = e.store.Upsert(ctx, b.Dataset)
	default:
		err = fmt.Errorf("unknown strategy %q", b.Dataset.Strategy)
	}
	if err != nil {
		return b.fail(fmt.Errorf("merge %s: %w", b.Dataset.Name, err))
	}
	b.Merged = merged
	b.State = StateMerged
	log.Printf("[merge] %s: merged %d rows (%s)", b.Dataset.Name, merged, b.Dataset.Strategy)
	return nil
}

// FinalizeSwap promotes every swap batch in one transaction. Each batch is
// re-validated first; any stale or failed batch blocks the whole group, so
// the serving tables never mix seasons from different pulls.
func (e *Engine) FinalizeSwap(ctx context.Context, batches []*Batch) error {
	if len(batches) == 0 {
		return nil
	}

	descriptors := make([]*dataset.Descriptor, 0, len(batches))
	for _, b := range batches {
		if b.Dataset.Strategy != dataset.StrategySwap {
			return failAll(batches, fmt.Errorf("finalize: %s uses strategy %s, not %s", b.Dataset.Name, b.Dataset.Strategy, dataset.StrategySwap))
		}
		if b.State != StateValidated {
			return failAll(batches, fmt.Errorf("finalize: %s is %s, want %s", b.Dataset.Name, b.State, StateValidated))
		}
		count, err := e.store.StageCount(ctx, b.Dataset)
		if err != nil {
			return failAll(batches, fmt.Errorf("finalize: recount %s: %w", b.Dataset.Name, err))
		}
		if count != b.Expected {
			return failAll(batches, fmt.Errorf("finalize: %s stage drifted to %d rows, expected %d", b.Dataset.Name, count, b.Expected))
		}
		descriptors = append(descriptors, b.Dataset)
	}

	for _, b := range batches {
		b.State = StateMerging
	}
	if err := e.store.SwapStageToRaw(ctx, descriptors); err != nil {
		return failAll(batches, fmt.Errorf("swap: %w", err))
	}
	for _, b := range batches {
		b.Merged = b.Expected
		b.State = StateMerged
		log.Printf("[merge] %s: swapped %d rows", b.Dataset.Name, b.Merged)
	}
	return nil
}

func failAll(batches []*Batch, err error) error {
	for _, b := range batches {
		b.State = StateMergeFailed
		b.Err = err
	}
	return err
}
