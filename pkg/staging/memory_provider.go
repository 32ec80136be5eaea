package staging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memoryStage struct {
	batches    map[string][]RowEnvelope
	batchBytes map[string]int64
	totalBytes int64
}

// MemoryProvider stores staged rows in process memory with a strict byte cap.
type MemoryProvider struct {
	maxBytes int64

	mu     sync.Mutex
	stages map[string]*memoryStage
}

// NewMemoryProvider creates a memory-backed staging provider.
func NewMemoryProvider(maxBytes int64) *MemoryProvider {
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryCapBytes
	}
	return &MemoryProvider{
		maxBytes: maxBytes,
		stages:   make(map[string]*memoryStage),
	}
}

func (p *MemoryProvider) ID() string { return ProviderMemory }

func (p *MemoryProvider) ensureStage(stageID string) *memoryStage {
	if stage, ok := p.stages[stageID]; ok {
		return stage
	}
	stage := &memoryStage{
		batches:    make(map[string][]RowEnvelope),
		batchBytes: make(map[string]int64),
	}
	p.stages[stageID] = stage
	return stage
}

// Clear drops every batch in the dataset's scope, releasing its bytes.
func (p *MemoryProvider) Clear(ctx context.Context, stageRef string, dataset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	stage, ok := p.stages[stageID]
	if !ok {
		return nil
	}
	prefix := dataset + "/"
	for ref := range stage.batches {
		if dataset == "" || strings.HasPrefix(ref, prefix) {
			stage.totalBytes -= stage.batchBytes[ref]
			delete(stage.batches, ref)
			delete(stage.batchBytes, ref)
		}
	}
	return nil
}

func (p *MemoryProvider) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageID := resolveStageID(req.StageRef, req.StageID)
	if stageID == "" {
		stageID = NewStageID()
	}

	size, err := envelopeSizeBytes(req.Rows)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stage := p.ensureStage(stageID)
	if stage.totalBytes+size > p.maxBytes {
		return nil, &Error{Code: CodeStageTooLarge, Retryable: false, Err: fmt.Errorf("stage %s exceeds memory cap (%d bytes)", stageID, p.maxBytes)}
	}

	batchSeq := req.BatchSeq
	if batchSeq <= 0 {
		batchSeq = len(stage.batches)
	}
	batchRef := batchKey(req.Dataset, batchSeq)

	stage.batches[batchRef] = cloneEnvelopes(req.Rows)
	stage.batchBytes[batchRef] = size
	stage.totalBytes += size

	return &PutBatchResult{
		StageRef: MakeStageRef(p.ID(), stageID),
		BatchRef: batchRef,
		Stats: BatchStats{
			Rows:  len(req.Rows),
			Bytes: size,
		},
	}, nil
}

func (p *MemoryProvider) ListBatches(ctx context.Context, stageRef string, dataset string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	stage, ok := p.stages[stageID]
	if !ok {
		return []string{}, nil
	}

	prefix := dataset + "/"
	refs := make([]string, 0, len(stage.batches))
	for ref := range stage.batches {
		if dataset == "" || strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (p *MemoryProvider) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]RowEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	stage, ok := p.stages[stageID]
	if !ok {
		return nil, fmt.Errorf("stage not found: %s", stageID)
	}
	rows, ok := stage.batches[batchRef]
	if !ok {
		return nil, fmt.Errorf("batch not found: %s", batchRef)
	}
	return cloneEnvelopes(rows), nil
}

// Sweep drops every stage, returning how many were removed.
func (p *MemoryProvider) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.stages)
	p.stages = make(map[string]*memoryStage)
	return n, nil
}

func (p *MemoryProvider) Discard(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stages, stageID)
	return nil
}
