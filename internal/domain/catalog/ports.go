package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SourceClient fetches the raw catalog collections from the commerce
// backend. A nil cutoff means the entire catalog; a non-nil cutoff restricts
// products to those modified at or after it. Implementations do not retry:
// transient failures surface as ErrUpstreamUnavailable and the orchestrator
// owns the retry decision.
type SourceClient interface {
	FetchCatalog(ctx context.Context, cutoff *time.Time) (*CatalogSnapshot, error)
}

// BatchOutcome is the per-record result of one batch delivery.
type BatchOutcome struct {
	Accepted []string
	Rejected []RecordRejection
}

// AllRejected reports whether the target refused every record, which turns
// the whole batch into a failed outcome.
func (o *BatchOutcome) AllRejected() bool {
	return len(o.Accepted) == 0 && len(o.Rejected) > 0
}

// TargetClient delivers assembled batches to the messaging platform.
// Transport-level failures surface as ErrTargetUnavailable and cover the
// whole batch; per-record rejections are data-level and come back in the
// outcome instead.
type TargetClient interface {
	SendBatch(ctx context.Context, batch *Batch) (*BatchOutcome, error)
}

// ManifestStore owns manifest persistence. The orchestrator never mutates a
// stored manifest directly; it only requests reads and writes here. An
// unreachable store surfaces as ErrCheckpointUnavailable, which is fatal for
// the run.
type ManifestStore interface {
	// Load returns the most recent manifest for the mode, or nil if none.
	Load(ctx context.Context, mode RunMode) (*Manifest, error)

	// LoadByHandle returns the latest version of the manifest identified by
	// the resume handle, or nil if none.
	LoadByHandle(ctx context.Context, handle uuid.UUID) (*Manifest, error)

	// Save durably persists the manifest. Writes are atomic: a reader never
	// observes a half-written manifest.
	Save(ctx context.Context, m *Manifest) error

	// Clear removes the stored manifest for the mode on full success.
	Clear(ctx context.Context, mode RunMode) error

	// AcquireRunLock takes the exclusive run lease. A second invocation
	// while one is active fails fast with ErrRunAlreadyInProgress. The
	// returned release func must be called at run end.
	AcquireRunLock(ctx context.Context) (func(ctx context.Context) error, error)
}

// Notifier delivers the run summary to an external messaging channel.
// Delivery failure must never cause the run itself to be reported failed.
type Notifier interface {
	Notify(ctx context.Context, result *SyncResult) error
}
