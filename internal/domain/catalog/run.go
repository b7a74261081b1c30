package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMode scopes a sync run to changed entities or the whole catalog.
type RunMode string

const (
	// RunModeIncremental scopes the run to entities modified within the
	// trailing lookback window.
	RunModeIncremental RunMode = "incremental"
	// RunModeFull covers the entire catalog, ignoring modification time.
	RunModeFull RunMode = "full"
)

// ParseRunMode converts a string into a RunMode.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case RunModeIncremental:
		return RunModeIncremental, nil
	case RunModeFull:
		return RunModeFull, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// RunPhase tracks where a sync run is in its lifecycle. The transitions form
// a state machine; Failed is reachable from any non-terminal phase.
type RunPhase string

const (
	RunPhaseStarting       RunPhase = "starting"
	RunPhaseFetching       RunPhase = "fetching"
	RunPhaseAssembling     RunPhase = "assembling"
	RunPhaseSendingBatches RunPhase = "sending_batches"
	RunPhaseFinalizing     RunPhase = "finalizing"

	// Terminal phases.
	RunPhaseSucceeded       RunPhase = "succeeded"
	RunPhasePartiallyFailed RunPhase = "partially_failed"
	RunPhaseFailed          RunPhase = "failed"
)

// IsTerminal reports whether the phase ends the run.
func (p RunPhase) IsTerminal() bool {
	switch p {
	case RunPhaseSucceeded, RunPhasePartiallyFailed, RunPhaseFailed:
		return true
	}
	return false
}

var validPhaseTransitions = map[RunPhase][]RunPhase{
	RunPhaseStarting:       {RunPhaseFetching, RunPhaseFailed},
	RunPhaseFetching:       {RunPhaseAssembling, RunPhaseSucceeded, RunPhaseFailed},
	RunPhaseAssembling:     {RunPhaseSendingBatches, RunPhaseFailed},
	RunPhaseSendingBatches: {RunPhaseFinalizing, RunPhaseFailed},
	RunPhaseFinalizing:     {RunPhaseSucceeded, RunPhasePartiallyFailed, RunPhaseFailed},
}

// SyncRun is the aggregate for one synchronization attempt. It exclusively
// owns the in-memory batch list for the run's duration and is summarized and
// discarded at run end; the manifest is the only retained history.
type SyncRun struct {
	id          uuid.UUID
	mode        RunMode
	cutoff      *time.Time // nil for full runs
	phase       RunPhase
	timeline    *Timeline
	batches     []*Batch
	resumedFrom *uuid.UUID
}

// RunOption configures a new SyncRun.
type RunOption func(*SyncRun)

// WithTimeProvider sets a custom time provider for the run's timeline.
func WithTimeProvider(tp TimeProvider) RunOption {
	return func(r *SyncRun) { r.timeline = NewTimeline(tp) }
}

// WithResumedFrom marks the run as a resume of the given manifest handle.
func WithResumedFrom(handle uuid.UUID) RunOption {
	return func(r *SyncRun) { r.resumedFrom = &handle }
}

// NewSyncRun creates a run in the starting phase. Cutoff must be set for
// incremental runs and nil for full runs; it is computed once at start and
// threaded through the rest of the run, never re-derived from a clock.
func NewSyncRun(mode RunMode, cutoff *time.Time, opts ...RunOption) *SyncRun {
	r := &SyncRun{
		id:       uuid.New(),
		mode:     mode,
		cutoff:   cutoff,
		phase:    RunPhaseStarting,
		timeline: NewTimeline(realTimeProvider{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Getters.
func (r *SyncRun) ID() uuid.UUID            { return r.id }
func (r *SyncRun) Mode() RunMode            { return r.mode }
func (r *SyncRun) Cutoff() *time.Time       { return r.cutoff }
func (r *SyncRun) Phase() RunPhase          { return r.phase }
func (r *SyncRun) Timeline() *Timeline      { return r.timeline }
func (r *SyncRun) Batches() []*Batch        { return r.batches }
func (r *SyncRun) ResumedFrom() *uuid.UUID  { return r.resumedFrom }

// AdvancePhase transitions the run to the next phase, enforcing the
// lifecycle state machine. Terminal phases additionally complete the
// timeline.
func (r *SyncRun) AdvancePhase(next RunPhase) error {
	for _, allowed := range validPhaseTransitions[r.phase] {
		if next == allowed {
			r.phase = next
			if next.IsTerminal() {
				r.timeline.MarkCompleted()
			} else {
				r.timeline.UpdateLastUpdate()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid phase transition %s -> %s", r.phase, next)
}

// SetBatches attaches the partitioned batch list. Only legal while
// assembling, before any sending has begun.
func (r *SyncRun) SetBatches(batches []*Batch) error {
	if r.phase != RunPhaseAssembling {
		return fmt.Errorf("cannot set batches in phase %s", r.phase)
	}
	r.batches = batches
	return nil
}

// FailedBatches returns the batches that terminally failed, in index order.
func (r *SyncRun) FailedBatches() []*Batch {
	var failed []*Batch
	for _, b := range r.batches {
		if b.Status() == BatchStatusFailed {
			failed = append(failed, b)
		}
	}
	return failed
}

// ProductsSynced counts records accepted by the target across sent batches.
func (r *SyncRun) ProductsSynced() int {
	var n int
	for _, b := range r.batches {
		n += b.AcceptedCount()
	}
	return n
}

// Rejections aggregates per-record rejections across all sent batches.
func (r *SyncRun) Rejections() []RecordRejection {
	var all []RecordRejection
	for _, b := range r.batches {
		all = append(all, b.Rejected()...)
	}
	return all
}
