// Package staging buffers extracted rows between extraction and merge.
//
// A stage is scoped to one dataset within one run. Providers are pluggable:
// small pulls stay in process memory, large pulls spill to a disk-backed
// object layout. Writing a scope always clears it first, so a retried pull
// never interleaves rows from an earlier attempt.
package staging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	ProviderMemory      = "memory"
	ProviderObjectStore = "object"

	// DefaultLargeRunThresholdBytes determines when object staging is required.
	DefaultLargeRunThresholdBytes int64 = 8 * 1024 * 1024
	// DefaultMemoryCapBytes is the max bytes allowed for the in-memory provider.
	DefaultMemoryCapBytes int64 = 8 * 1024 * 1024
)

// ErrorCode represents a structured staging error code.
type ErrorCode string

const (
	CodeStagingUnavailable ErrorCode = "E_STAGING_UNAVAILABLE"
	CodeStageTooLarge      ErrorCode = "E_STAGE_TOO_LARGE"
)

// Error carries a staging error code and retryability hint.
type Error struct {
	Code      ErrorCode
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeValue returns the string error code for manifests and run summaries.
func (e *Error) CodeValue() string { return string(e.Code) }

// RetryableStatus indicates if the operation can be retried.
func (e *Error) RetryableStatus() bool { return e.Retryable }

// RowEnvelope wraps one extracted row with its merge identity so providers
// never handle raw maps without context.
type RowEnvelope struct {
	Dataset  string         `json:"dataset"`
	LoadDate string         `json:"loadDate"`       // ISO date of the pull
	Key      string         `json:"key,omitempty"`  // composite natural key, empty when keyless
	Fields   map[string]any `json:"fields"`         // snake_case column values
}

// BatchStats summarizes a staged batch.
type BatchStats struct {
	Rows  int   `json:"rows"`
	Bytes int64 `json:"bytes"`
}

// PutBatchRequest is the staging provider input. Dataset scopes the batch
// within the stage.
type PutBatchRequest struct {
	StageRef string
	StageID  string
	Dataset  string
	BatchSeq int
	Rows     []RowEnvelope
}

// PutBatchResult is returned by providers after staging a batch.
type PutBatchResult struct {
	StageRef string
	BatchRef string
	Stats    BatchStats
}

// Provider is a pluggable staging backend.
//
// Clear drops everything staged for a dataset scope so a rewrite starts
// clean. Discard drops the whole stage once the run is finished with it,
// merged or abandoned. Sweep drops every stage the provider holds; a run
// that crashed before Discard leaves its stage behind, and the next run
// sweeps before staging anything.
type Provider interface {
	ID() string
	Clear(ctx context.Context, stageRef string, dataset string) error
	PutBatch(ctx context.Context, req *PutBatchRequest) (*PutBatchResult, error)
	ListBatches(ctx context.Context, stageRef string, dataset string) ([]string, error)
	GetBatch(ctx context.Context, stageRef string, batchRef string) ([]RowEnvelope, error)
	Discard(ctx context.Context, stageRef string) error
	Sweep(ctx context.Context) (int, error)
}

// Registry holds available staging providers for selection.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds a registry with optional initial providers.
func NewRegistry(providers ...Provider) *Registry {
	reg := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		reg.Register(p)
	}
	return reg
}

// Register adds or replaces a provider by ID.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns a provider by ID.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ProviderIDs returns registered provider IDs.
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// SelectProvider chooses a provider based on size hints and preference.
// Pulls above the threshold must go through object staging.
func (r *Registry) SelectProvider(preferred string, estimatedBytes int64, threshold int64) (Provider, error) {
	if threshold <= 0 {
		threshold = DefaultLargeRunThresholdBytes
	}

	if estimatedBytes > threshold {
		if p, ok := r.Get(ProviderObjectStore); ok {
			return p, nil
		}
		return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("object staging required for %d bytes", estimatedBytes)}
	}

	if preferred != "" {
		if p, ok := r.Get(preferred); ok {
			return p, nil
		}
	}

	if p, ok := r.Get(ProviderMemory); ok {
		return p, nil
	}
	if p, ok := r.Get(ProviderObjectStore); ok {
		return p, nil
	}

	return nil, &Error{Code: CodeStagingUnavailable, Retryable: true, Err: fmt.Errorf("no staging providers available")}
}

// NewStageID creates a new opaque stage identifier.
func NewStageID() string {
	return "stage-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// MakeStageRef encodes provider + stage ID into a compact ref.
func MakeStageRef(providerID, stageID string) string {
	if providerID == "" {
		providerID = ProviderMemory
	}
	return providerID + ":" + stageID
}

// ParseStageRef splits a stageRef into provider and stage ID.
func ParseStageRef(stageRef string) (providerID, stageID string) {
	parts := strings.SplitN(stageRef, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", stageRef
}

// resolveStageID picks the stage ID from a ref or explicit field.
func resolveStageID(stageRef, stageID string) string {
	if stageRef != "" {
		if _, id := ParseStageRef(stageRef); id != "" {
			return id
		}
	}
	return stageID
}

// batchKey creates a deterministic batch ref within a stage. The separator is
// "/", which dataset names never contain, so scope prefixes cannot collide
// ("a" vs "a-b"); the object provider's directory layout uses the same shape.
func batchKey(dataset string, seq int) string {
	if dataset == "" {
		dataset = "dataset"
	}
	return fmt.Sprintf("%s/%06d", dataset, seq)
}
