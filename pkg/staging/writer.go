package staging

import (
	"context"
	"fmt"
)

// DefaultBatchRows bounds rows per staged batch.
const DefaultBatchRows = 1000

// Writer lands a dataset's rows into a stage in bounded batches.
type Writer struct {
	provider  Provider
	batchRows int
}

// NewWriter creates a writer over the given provider.
func NewWriter(provider Provider, batchRows int) *Writer {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	return &Writer{provider: provider, batchRows: batchRows}
}

// WriteScope replaces the dataset's staged scope with the given rows. The
// scope is cleared first, so re-running a pull is idempotent: the stage holds
// exactly this pull's rows, never a mix with a prior attempt.
func (w *Writer) WriteScope(ctx context.Context, stageRef string, dataset string, rows []RowEnvelope) (int, error) {
	if err := w.provider.Clear(ctx, stageRef, dataset); err != nil {
		return 0, fmt.Errorf("clear scope %s: %w", dataset, err)
	}

	staged := 0
	seq := 1
	for start := 0; start < len(rows); start += w.batchRows {
		end := start + w.batchRows
		if end > len(rows) {
			end = len(rows)
		}
		res, err := w.provider.PutBatch(ctx, &PutBatchRequest{
			StageRef: stageRef,
			Dataset:  dataset,
			BatchSeq: seq,
			Rows:     rows[start:end],
		})
		if err != nil {
			return staged, fmt.Errorf("stage batch %d: %w", seq, err)
		}
		staged += res.Stats.Rows
		seq++
	}
	return staged, nil
}

// ReadScope streams every staged row of a dataset back in batch order.
func ReadScope(ctx context.Context, provider Provider, stageRef string, dataset string) ([]RowEnvelope, error) {
	refs, err := provider.ListBatches(ctx, stageRef, dataset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	var rows []RowEnvelope
	for _, ref := range refs {
		batch, err := provider.GetBatch(ctx, stageRef, ref)
		if err != nil {
			return nil, fmt.Errorf("read batch %s: %w", ref, err)
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}
