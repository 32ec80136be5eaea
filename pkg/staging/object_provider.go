package staging

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ObjectStoreProvider stores batches on disk under a deterministic prefix,
// laid out like an object store: <root>/<stageID>/<dataset>/<seq>.jsonl.gz.
type ObjectStoreProvider struct {
	root     string
	compress bool
	mu       sync.Mutex
}

// NewObjectStoreProvider creates a disk-backed staging provider.
func NewObjectStoreProvider(root string) *ObjectStoreProvider {
	if root == "" {
		root = filepath.Join(os.TempDir(), "ingest-staging")
	}
	_ = os.MkdirAll(root, 0o755)
	return &ObjectStoreProvider{
		root:     root,
		compress: true,
	}
}

func (p *ObjectStoreProvider) ID() string { return ProviderObjectStore }

func (p *ObjectStoreProvider) stageDir(stageID string, dataset string) string {
	if dataset == "" {
		dataset = "dataset"
	}
	return filepath.Join(p.root, stageID, dataset)
}

// Clear removes the dataset's directory inside the stage.
func (p *ObjectStoreProvider) Clear(ctx context.Context, stageRef string, dataset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()

	target := filepath.Join(p.root, stageID)
	if dataset != "" {
		target = p.stageDir(stageID, dataset)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clear stage scope: %w", err)
	}
	return nil
}

func (p *ObjectStoreProvider) PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageID := resolveStageID(req.StageRef, req.StageID)
	if stageID == "" {
		stageID = NewStageID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dir := p.stageDir(stageID, req.Dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stage dir: %w", err)
	}

	batchSeq := req.BatchSeq
	if batchSeq <= 0 {
		if existing, err := p.listBatchesLocked(stageID, req.Dataset); err == nil {
			batchSeq = len(existing)
		}
	}
	batchFile := fmt.Sprintf("%06d.jsonl", batchSeq)
	if p.compress {
		batchFile += ".gz"
	}
	batchRef := filepath.Join(req.Dataset, batchFile)
	fullPath := filepath.Join(p.root, stageID, batchRef)

	buf := &bytes.Buffer{}
	if err := writeJSONLines(buf, req.Rows, p.compress); err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	if err := os.WriteFile(fullPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write batch: %w", err)
	}

	return &PutBatchResult{
		StageRef: MakeStageRef(p.ID(), stageID),
		BatchRef: batchRef,
		Stats: BatchStats{
			Rows:  len(req.Rows),
			Bytes: int64(buf.Len()),
		},
	}, nil
}

func (p *ObjectStoreProvider) listBatchesLocked(stageID string, dataset string) ([]string, error) {
	stagePath := filepath.Join(p.root, stageID)
	if dataset != "" {
		stagePath = filepath.Join(stagePath, dataset)
	}

	var batches []string
	err := filepath.WalkDir(stagePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(filepath.Join(p.root, stageID), path)
		if relErr != nil {
			return relErr
		}
		batches = append(batches, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Strings(batches)
	return batches, nil
}

func (p *ObjectStoreProvider) ListBatches(ctx context.Context, stageRef string, dataset string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listBatchesLocked(stageID, dataset)
}

func (p *ObjectStoreProvider) GetBatch(ctx context.Context, stageRef string, batchRef string) ([]RowEnvelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, stageID := ParseStageRef(stageRef)

	path := filepath.Join(p.root, stageID, filepath.FromSlash(batchRef))
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, gzErr := gzip.NewReader(file)
		if gzErr != nil {
			return nil, fmt.Errorf("gzip reader: %w", gzErr)
		}
		defer gz.Close()
		reader = gz
	}

	rows, err := readJSONLines(reader)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Sweep removes every stage directory under the root, returning how many
// were removed. Stages from crashed runs otherwise accumulate on disk.
func (p *ObjectStoreProvider) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("sweep staging root: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.root, entry.Name())); err != nil {
			return removed, fmt.Errorf("sweep stage %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Discard removes the stage directory and everything under it.
func (p *ObjectStoreProvider) Discard(ctx context.Context, stageRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, stageID := ParseStageRef(stageRef)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(p.root, stageID)); err != nil {
		return fmt.Errorf("discard stage: %w", err)
	}
	return nil
}
