package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborline/catalog-sync/internal/config"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/pkg/common/logger"
)

// Trigger is one of the three entry points into a run: scheduled
// incremental, scheduled full, or operator-triggered resume by handle.
type Trigger struct {
	Mode         catalog.RunMode
	ResumeHandle *uuid.UUID
}

// IncrementalTrigger scopes the run to recently changed entities.
func IncrementalTrigger() Trigger { return Trigger{Mode: catalog.RunModeIncremental} }

// FullTrigger covers the entire catalog.
func FullTrigger() Trigger { return Trigger{Mode: catalog.RunModeFull} }

// ResumeTrigger restarts a previously failed run from its manifest.
func ResumeTrigger(handle uuid.UUID) Trigger { return Trigger{ResumeHandle: &handle} }

// Orchestrator drives a sync run through its lifecycle: fetch, assemble,
// batch delivery with checkpointing, and final notification. It exclusively
// owns the in-memory run state; durable progress lives in the manifest store.
type Orchestrator struct {
	source   catalog.SourceClient
	target   catalog.TargetClient
	store    catalog.ManifestStore
	notifier catalog.Notifier

	assembler *Assembler
	logger    *logger.Logger
	metrics   SyncMetrics
	tracer    trace.Tracer

	batchSize int
	lookback  time.Duration
	retry     RetryPolicy

	timeProvider catalog.TimeProvider
}

// NewOrchestrator assembles an orchestrator from its collaborators and the
// sync configuration.
func NewOrchestrator(
	cfg config.SyncConfig,
	source catalog.SourceClient,
	target catalog.TargetClient,
	store catalog.ManifestStore,
	notifier catalog.Notifier,
	assembler *Assembler,
	log *logger.Logger,
	metrics SyncMetrics,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		source:    source,
		target:    target,
		store:     store,
		notifier:  notifier,
		assembler: assembler,
		logger:    log,
		metrics:   metrics,
		tracer:    tracer,
		batchSize: cfg.BatchSize,
		lookback:  time.Duration(cfg.LookbackMinutes) * time.Minute,
		retry: RetryPolicy{
			MaxAttempts: uint64(cfg.RetryMaxAttempts),
			InitialWait: cfg.RetryInitialWait,
			MaxWait:     cfg.RetryMaxWait,
		},
		timeProvider: catalog.NewRealTimeProvider(),
	}
}

// WithOrchestratorTimeProvider overrides the clock, for tests.
func (o *Orchestrator) WithOrchestratorTimeProvider(tp catalog.TimeProvider) *Orchestrator {
	o.timeProvider = tp
	return o
}

// Run executes one sync run end to end and returns its summary. The run lock
// is taken before any other work; a concurrent invocation fails fast with
// catalog.ErrRunAlreadyInProgress and no manifest mutation. The notifier is
// invoked exactly once for every run that gets past the lock, regardless of
// outcome.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (*catalog.SyncResult, error) {
	release, err := o.store.AcquireRunLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			o.logger.Error(ctx, "failed to release run lock", "error", releaseErr)
		}
	}()

	run, manifest, err := o.start(ctx, trigger)
	if err != nil {
		return nil, err
	}

	o.metrics.IncRunsStarted(ctx, run.Mode())
	started := o.timeProvider.Now()
	o.logger.Info(ctx, "sync run starting",
		"run_id", run.ID().String(), "mode", run.Mode(), "resumed", run.ResumedFrom() != nil)

	result, runErr := o.execute(ctx, run, manifest)

	o.metrics.IncRunsCompleted(ctx, run.Mode(), result.Status)
	o.metrics.ObserveRunDuration(ctx, run.Mode(), o.timeProvider.Now().Sub(started))
	o.notify(ctx, result)

	return result, runErr
}

// start resolves the trigger into a run and, for resumes, the prior
// manifest. Resume cutoff and scope come from the manifest, never from the
// current clock.
func (o *Orchestrator) start(ctx context.Context, trigger Trigger) (*catalog.SyncRun, *catalog.Manifest, error) {
	if trigger.ResumeHandle != nil {
		manifest, err := o.store.LoadByHandle(ctx, *trigger.ResumeHandle)
		if err != nil {
			return nil, nil, fmt.Errorf("loading manifest %s: %w", trigger.ResumeHandle, err)
		}
		if manifest == nil {
			return nil, nil, fmt.Errorf("manifest %s: %w", trigger.ResumeHandle, catalog.ErrNoManifest)
		}
		run := catalog.NewSyncRun(manifest.Mode(), manifest.Cutoff(),
			catalog.WithTimeProvider(o.timeProvider),
			catalog.WithResumedFrom(*trigger.ResumeHandle))
		return run, manifest, nil
	}

	var cutoff *time.Time
	if trigger.Mode == catalog.RunModeIncremental {
		t := o.timeProvider.Now().Add(-o.lookback)
		cutoff = &t
	}
	run := catalog.NewSyncRun(trigger.Mode, cutoff, catalog.WithTimeProvider(o.timeProvider))
	return run, nil, nil
}

// execute drives the phase machine. It always returns a result suitable for
// notification; the error reports what, if anything, aborted the run.
func (o *Orchestrator) execute(ctx context.Context, run *catalog.SyncRun, prior *catalog.Manifest) (*catalog.SyncResult, error) {
	snapshot, err := o.fetch(ctx, run)
	if err != nil {
		return o.fail(ctx, run, prior), fmt.Errorf("fetching catalog: %w", err)
	}

	if len(snapshot.Products) == 0 && prior == nil {
		return o.noUpdates(ctx, run), nil
	}

	batches, manifest, err := o.assemble(ctx, run, snapshot, prior)
	if err != nil {
		return o.fail(ctx, run, prior), err
	}

	persisted, err := o.sendBatches(ctx, run, batches, manifest)
	if err != nil {
		// A fresh manifest that never reached the store is not a usable
		// resume handle.
		if !persisted && prior == nil {
			manifest = nil
		}
		return o.fail(ctx, run, manifest), err
	}

	return o.finalize(ctx, run, manifest)
}

// fetch pulls the raw catalog with run-level retry. Only transient upstream
// failures are retried; malformed payloads abort immediately.
func (o *Orchestrator) fetch(ctx context.Context, run *catalog.SyncRun) (*catalog.CatalogSnapshot, error) {
	if err := run.AdvancePhase(catalog.RunPhaseFetching); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.fetch")
	defer span.End()

	var snapshot *catalog.CatalogSnapshot
	err := o.retry.retry(ctx, func() error {
		var fetchErr error
		snapshot, fetchErr = o.source.FetchCatalog(ctx, run.Cutoff())
		return fetchErr
	}, func(err error, wait time.Duration) {
		o.logger.Warn(ctx, "catalog fetch failed, retrying", "error", err, "wait", wait.String())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog fetch exhausted retries")
		return nil, err
	}

	o.logger.Info(ctx, "catalog fetched",
		"products", len(snapshot.Products), "categories", len(snapshot.Categories))
	return snapshot, nil
}

// assemble joins the snapshot into records and partitions them into batches.
// For a resume, only the unresolved suffix plus rebuilt failed batches are
// queued; everything at or below the manifest's highest sent index stays
// untouched.
func (o *Orchestrator) assemble(ctx context.Context, run *catalog.SyncRun, snapshot *catalog.CatalogSnapshot, prior *catalog.Manifest) ([]*catalog.Batch, *catalog.Manifest, error) {
	if err := run.AdvancePhase(catalog.RunPhaseAssembling); err != nil {
		return nil, nil, err
	}

	_, span := o.tracer.Start(ctx, "orchestrator.assemble")
	defer span.End()

	records := o.assembler.Assemble(snapshot)
	all := Partition(records, o.batchSize)

	var batches []*catalog.Batch
	manifest := prior
	if prior == nil {
		manifest = catalog.NewManifest(run.Mode(), run.Cutoff(), len(records), len(all),
			catalog.WithManifestTimeProvider(o.timeProvider))
		batches = all
	} else {
		batches = resumeBatches(records, all, prior)
		o.logger.Info(ctx, "resuming from manifest",
			"handle", prior.Handle().String(),
			"highest_sent_index", prior.HighestSentIndex(),
			"failed_batches", len(prior.FailedBatches()),
			"batches_to_send", len(batches))
	}

	if err := run.SetBatches(batches); err != nil {
		return nil, nil, err
	}
	return batches, manifest, nil
}

// resumeBatches selects what a resume actually re-sends: every batch past
// the confirmed prefix, plus failed batches rebuilt from their persisted SKU
// lists against the freshly assembled records. Records whose SKUs have
// vanished upstream are dropped from the rebuild rather than blocking it.
func resumeBatches(records []catalog.ProductRecord, all []*catalog.Batch, manifest *catalog.Manifest) []*catalog.Batch {
	bySKU := make(map[string]catalog.ProductRecord, len(records))
	for _, r := range records {
		bySKU[r.SKU] = r
	}

	var batches []*catalog.Batch
	for _, fb := range manifest.FailedBatches() {
		var rebuilt []catalog.ProductRecord
		for _, sku := range fb.SKUs {
			if r, ok := bySKU[sku]; ok {
				rebuilt = append(rebuilt, r)
			}
		}
		if len(rebuilt) > 0 {
			batches = append(batches, catalog.NewBatch(fb.Index, rebuilt))
		}
	}

	for _, b := range all {
		if b.Index() > manifest.HighestSentIndex() {
			batches = append(batches, b)
		}
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].Index() < batches[j].Index() })
	return batches
}

// Partition splits records into fixed-size batches in stable order so
// resume-from-index is well-defined.
func Partition(records []catalog.ProductRecord, size int) []*catalog.Batch {
	if len(records) == 0 {
		return nil
	}
	batches := make([]*catalog.Batch, 0, (len(records)+size-1)/size)
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, catalog.NewBatch(len(batches), records[i:end]))
	}
	return batches
}

// sendBatches iterates the queued batches in index order. A batch-level
// failure is recorded and iteration continues; one bad batch never blocks
// unrelated products. The manifest is saved after every attempt, and a save
// failure aborts the run: progress that cannot be checkpointed is progress
// that cannot be trusted on resume. Cancellation is honored at batch
// boundaries only. The returned flag reports whether at least one save
// reached the store, so callers know the manifest handle is resolvable.
func (o *Orchestrator) sendBatches(ctx context.Context, run *catalog.SyncRun, batches []*catalog.Batch, manifest *catalog.Manifest) (persisted bool, err error) {
	if err := run.AdvancePhase(catalog.RunPhaseSendingBatches); err != nil {
		return false, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.send_batches")
	defer span.End()

	for _, batch := range batches {
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "run cancelled")
			return persisted, fmt.Errorf("run cancelled at batch %d: %w", batch.Index(), ctx.Err())
		default:
		}

		o.sendOne(ctx, batch, manifest)

		if err := o.store.Save(ctx, manifest); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "manifest save failed")
			return persisted, fmt.Errorf("saving manifest after batch %d: %w", batch.Index(), err)
		}
		persisted = true
	}
	return persisted, nil
}

// sendOne delivers a single batch with bounded retry and records the outcome
// on both the batch and the manifest.
func (o *Orchestrator) sendOne(ctx context.Context, batch *catalog.Batch, manifest *catalog.Manifest) {
	var outcome *catalog.BatchOutcome
	err := o.retry.retry(ctx, func() error {
		var sendErr error
		outcome, sendErr = o.target.SendBatch(ctx, batch)
		return sendErr
	}, func(err error, wait time.Duration) {
		o.metrics.IncSendRetries(ctx)
		o.logger.Warn(ctx, "batch delivery failed, retrying",
			"batch", batch.Index(), "error", err, "wait", wait.String())
	})

	switch {
	case err != nil:
		o.recordBatchFailure(ctx, batch, manifest, err.Error())

	case outcome.AllRejected():
		o.recordBatchFailure(ctx, batch, manifest, "all records rejected")

	default:
		if markErr := batch.MarkSent(o.timeProvider.Now(), outcome.Rejected); markErr != nil {
			o.logger.Error(ctx, "failed to mark batch sent", "batch", batch.Index(), "error", markErr)
			return
		}
		manifest.RecordBatchSent(batch.Index())
		manifest.ClearBatchFailure(batch.Index())
		o.metrics.IncBatchesSent(ctx)
		if len(outcome.Rejected) > 0 {
			o.logger.Warn(ctx, "batch sent with rejections",
				"batch", batch.Index(), "accepted", len(outcome.Accepted), "rejected", len(outcome.Rejected))
		}
	}
}

func (o *Orchestrator) recordBatchFailure(ctx context.Context, batch *catalog.Batch, manifest *catalog.Manifest, reason string) {
	if markErr := batch.MarkFailed(reason); markErr != nil {
		o.logger.Error(ctx, "failed to mark batch failed", "batch", batch.Index(), "error", markErr)
		return
	}
	manifest.RecordBatchFailed(batch.Index(), batch.SKUs(), reason)
	o.metrics.IncBatchesFailed(ctx)
	o.logger.Error(ctx, "batch delivery exhausted attempts", "batch", batch.Index(), "reason", reason)
}

// finalize resolves the run's terminal phase. Full success clears the
// manifest; any failure retains it as the resume handle.
func (o *Orchestrator) finalize(ctx context.Context, run *catalog.SyncRun, manifest *catalog.Manifest) (*catalog.SyncResult, error) {
	if err := run.AdvancePhase(catalog.RunPhaseFinalizing); err != nil {
		return o.fail(ctx, run, manifest), err
	}

	synced := run.ProductsSynced()
	rejections := run.Rejections()
	o.metrics.AddProductsSynced(ctx, synced)
	o.metrics.AddRecordsRejected(ctx, len(rejections))

	if manifest.HasFailures() {
		if err := run.AdvancePhase(catalog.RunPhasePartiallyFailed); err != nil {
			return o.fail(ctx, run, manifest), err
		}
		handle := manifest.Handle()
		o.logger.Warn(ctx, "sync run partially failed",
			"run_id", run.ID().String(),
			"products_synced", synced,
			"failed_batches", manifest.FailedIndexes(),
			"resume_handle", handle.String())
		return &catalog.SyncResult{
			Status:          catalog.ResultStatusFailure,
			SyncType:        run.Mode(),
			ProductsSynced:  synced,
			FailedBatches:   manifest.FailedIndexes(),
			RejectedRecords: rejections,
			ResumeHandle:    &handle,
			CompletedAt:     o.timeProvider.Now(),
		}, nil
	}

	if err := o.store.Clear(ctx, run.Mode()); err != nil {
		return o.fail(ctx, run, manifest), fmt.Errorf("clearing manifest: %w", err)
	}
	if err := run.AdvancePhase(catalog.RunPhaseSucceeded); err != nil {
		return o.fail(ctx, run, manifest), err
	}

	o.logger.Info(ctx, "sync run succeeded",
		"run_id", run.ID().String(), "products_synced", synced, "rejected_records", len(rejections))
	return &catalog.SyncResult{
		Status:          catalog.ResultStatusSuccess,
		SyncType:        run.Mode(),
		ProductsSynced:  synced,
		RejectedRecords: rejections,
		CompletedAt:     o.timeProvider.Now(),
	}, nil
}

// noUpdates terminates an incremental run that found nothing to do. Any
// stale manifest for the mode is cleared; nothing else is written.
func (o *Orchestrator) noUpdates(ctx context.Context, run *catalog.SyncRun) *catalog.SyncResult {
	if err := o.store.Clear(ctx, run.Mode()); err != nil {
		o.logger.Error(ctx, "failed to clear stale manifest", "error", err)
	}
	if err := run.AdvancePhase(catalog.RunPhaseSucceeded); err != nil {
		o.logger.Error(ctx, "phase transition failed", "error", err)
	}

	o.logger.Info(ctx, "no catalog changes in window", "run_id", run.ID().String())
	return &catalog.SyncResult{
		Status:      catalog.ResultStatusNoUpdates,
		SyncType:    run.Mode(),
		CompletedAt: o.timeProvider.Now(),
	}
}

// fail marks the run failed and builds the failure summary. A manifest is
// surfaced as the resume handle only when the store holds it, so the
// notification's resume command always resolves.
func (o *Orchestrator) fail(ctx context.Context, run *catalog.SyncRun, manifest *catalog.Manifest) *catalog.SyncResult {
	if !run.Phase().IsTerminal() {
		if err := run.AdvancePhase(catalog.RunPhaseFailed); err != nil {
			o.logger.Error(ctx, "phase transition failed", "error", err)
		}
	}

	result := &catalog.SyncResult{
		Status:          catalog.ResultStatusFailure,
		SyncType:        run.Mode(),
		ProductsSynced:  run.ProductsSynced(),
		RejectedRecords: run.Rejections(),
		CompletedAt:     o.timeProvider.Now(),
	}
	if manifest != nil {
		handle := manifest.Handle()
		result.ResumeHandle = &handle
		result.FailedBatches = manifest.FailedIndexes()
	}
	return result
}

// notify delivers the run summary exactly once. Notification failure is
// logged and swallowed: the run's outcome is already decided.
func (o *Orchestrator) notify(ctx context.Context, result *catalog.SyncResult) {
	if err := o.notifier.Notify(context.WithoutCancel(ctx), result); err != nil {
		o.logger.Error(ctx, "result notification failed", "error", err, "status", result.Status)
	}
}
