package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FailedBatch is the durable descriptor of a batch that terminally failed.
// The SKU list is sufficient to rebuild the batch's source records on
// resume without recomputation from scratch.
type FailedBatch struct {
	Index  int      `json:"index"`
	SKUs   []string `json:"skus"`
	Reason string   `json:"reason"`
}

// Manifest is the durable checkpoint record of a run's batch-level progress.
// It is written after every batch completion so it always reflects the last
// durable state, and read once at run start to decide fresh-start vs resume.
// The handle doubles as the run's resume handle.
//
// The highest sent index only advances over a contiguous prefix of resolved
// batches (sent, or failed and recorded below). Batches resolved out of
// order past a gap are not persisted and will simply be re-sent on resume;
// that keeps resume safe if batch sending is ever parallelized.
type Manifest struct {
	handle           uuid.UUID
	mode             RunMode
	cutoff           *time.Time
	highestSentIndex int
	failedBatches    []FailedBatch
	totalProducts    int
	totalBatches     int
	createdAt        time.Time
	updatedAt        time.Time

	resolved     map[int]bool
	timeProvider TimeProvider
}

// ManifestOption configures a new Manifest.
type ManifestOption func(*Manifest)

// WithManifestTimeProvider sets a custom time provider.
func WithManifestTimeProvider(tp TimeProvider) ManifestOption {
	return func(m *Manifest) {
		m.timeProvider = tp
		m.createdAt = tp.Now()
		m.updatedAt = tp.Now()
	}
}

// NewManifest creates a fresh manifest for a run that has not sent anything
// yet. The handle is generated here, before the first save, so a resume
// command can reference it from the very first notification.
func NewManifest(mode RunMode, cutoff *time.Time, totalProducts, totalBatches int, opts ...ManifestOption) *Manifest {
	now := time.Now()
	m := &Manifest{
		handle:           uuid.New(),
		mode:             mode,
		cutoff:           cutoff,
		highestSentIndex: -1,
		totalProducts:    totalProducts,
		totalBatches:     totalBatches,
		createdAt:        now,
		updatedAt:        now,
		resolved:         make(map[int]bool),
		timeProvider:     realTimeProvider{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Getters.
func (m *Manifest) Handle() uuid.UUID           { return m.handle }
func (m *Manifest) Mode() RunMode               { return m.mode }
func (m *Manifest) Cutoff() *time.Time          { return m.cutoff }
func (m *Manifest) HighestSentIndex() int       { return m.highestSentIndex }
func (m *Manifest) FailedBatches() []FailedBatch { return m.failedBatches }
func (m *Manifest) TotalProducts() int          { return m.totalProducts }
func (m *Manifest) TotalBatches() int           { return m.totalBatches }
func (m *Manifest) CreatedAt() time.Time        { return m.createdAt }
func (m *Manifest) UpdatedAt() time.Time        { return m.updatedAt }

// RecordBatchSent marks the batch at index as delivered and advances the
// highest sent index across the contiguous resolved prefix.
func (m *Manifest) RecordBatchSent(index int) {
	m.resolved[index] = true
	m.advance()
	m.updatedAt = m.timeProvider.Now()
}

// RecordBatchFailed marks the batch at index as terminally failed, keeping
// enough context to rebuild it. A failed batch still counts as resolved for
// index advancement: its records are recovered through the failed list, not
// by replaying the whole suffix.
func (m *Manifest) RecordBatchFailed(index int, skus []string, reason string) {
	for _, fb := range m.failedBatches {
		if fb.Index == index {
			return
		}
	}
	m.failedBatches = append(m.failedBatches, FailedBatch{Index: index, SKUs: skus, Reason: reason})
	m.resolved[index] = true
	m.advance()
	m.updatedAt = m.timeProvider.Now()
}

// ClearBatchFailure removes a batch from the failed list after a resume
// successfully re-delivers it. The index stays resolved.
func (m *Manifest) ClearBatchFailure(index int) {
	for i, fb := range m.failedBatches {
		if fb.Index == index {
			m.failedBatches = append(m.failedBatches[:i], m.failedBatches[i+1:]...)
			m.updatedAt = m.timeProvider.Now()
			return
		}
	}
}

// FailedIndexes returns the failed batch indexes in recorded order.
func (m *Manifest) FailedIndexes() []int {
	idxs := make([]int, len(m.failedBatches))
	for i, fb := range m.failedBatches {
		idxs[i] = fb.Index
	}
	return idxs
}

// HasFailures reports whether any batch terminally failed.
func (m *Manifest) HasFailures() bool { return len(m.failedBatches) > 0 }

func (m *Manifest) advance() {
	for m.resolved[m.highestSentIndex+1] {
		m.highestSentIndex++
	}
}

type manifestJSON struct {
	Handle           string        `json:"handle"`
	Mode             RunMode       `json:"mode"`
	Cutoff           *time.Time    `json:"cutoff,omitempty"`
	HighestSentIndex int           `json:"highest_sent_index"`
	FailedBatches    []FailedBatch `json:"failed_batches"`
	TotalProducts    int           `json:"total_products"`
	TotalBatches     int           `json:"total_batches"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// MarshalJSON serializes the Manifest into its durable representation.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(&manifestJSON{
		Handle:           m.handle.String(),
		Mode:             m.mode,
		Cutoff:           m.cutoff,
		HighestSentIndex: m.highestSentIndex,
		FailedBatches:    m.failedBatches,
		TotalProducts:    m.totalProducts,
		TotalBatches:     m.totalBatches,
		CreatedAt:        m.createdAt,
		UpdatedAt:        m.updatedAt,
	})
}

// UnmarshalJSON reconstructs a Manifest from its durable representation.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var aux manifestJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	handle, err := uuid.Parse(aux.Handle)
	if err != nil {
		return err
	}

	m.handle = handle
	m.mode = aux.Mode
	m.cutoff = aux.Cutoff
	m.highestSentIndex = aux.HighestSentIndex
	m.failedBatches = aux.FailedBatches
	m.totalProducts = aux.TotalProducts
	m.totalBatches = aux.TotalBatches
	m.createdAt = aux.CreatedAt
	m.updatedAt = aux.UpdatedAt
	m.timeProvider = realTimeProvider{}

	// Rebuild the resolved set from the persisted prefix and failed list so
	// progress recording can continue after a resume.
	m.resolved = make(map[int]bool, aux.HighestSentIndex+1)
	for i := 0; i <= aux.HighestSentIndex; i++ {
		m.resolved[i] = true
	}
	for _, fb := range aux.FailedBatches {
		m.resolved[fb.Index] = true
	}

	return nil
}
