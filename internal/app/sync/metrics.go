package sync

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/harborline/catalog-sync/internal/domain/catalog"
)

// SyncMetrics defines the metrics operations the orchestrator records.
type SyncMetrics interface {
	IncRunsStarted(ctx context.Context, mode catalog.RunMode)
	IncRunsCompleted(ctx context.Context, mode catalog.RunMode, status catalog.ResultStatus)
	ObserveRunDuration(ctx context.Context, mode catalog.RunMode, duration time.Duration)

	IncBatchesSent(ctx context.Context)
	IncBatchesFailed(ctx context.Context)
	IncSendRetries(ctx context.Context)

	AddProductsSynced(ctx context.Context, count int)
	AddRecordsRejected(ctx context.Context, count int)
}

// syncMetrics implements SyncMetrics.
type syncMetrics struct {
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runDuration   metric.Float64Histogram

	batchesSent   metric.Int64Counter
	batchesFailed metric.Int64Counter
	sendRetries   metric.Int64Counter

	productsSynced  metric.Int64Counter
	recordsRejected metric.Int64Counter
}

const namespace = "catalog_sync"

// NewSyncMetrics creates a new sync metrics instance.
func NewSyncMetrics(mp metric.MeterProvider) (*syncMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	s := new(syncMetrics)
	var err error

	if s.runsStarted, err = meter.Int64Counter(
		"runs_started_total",
		metric.WithDescription("Total number of sync runs started"),
	); err != nil {
		return nil, err
	}

	if s.runsCompleted, err = meter.Int64Counter(
		"runs_completed_total",
		metric.WithDescription("Total number of sync runs completed, by outcome"),
	); err != nil {
		return nil, err
	}

	if s.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Wall-clock duration of sync runs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if s.batchesSent, err = meter.Int64Counter(
		"batches_sent_total",
		metric.WithDescription("Total number of batches accepted by the target"),
	); err != nil {
		return nil, err
	}

	if s.batchesFailed, err = meter.Int64Counter(
		"batches_failed_total",
		metric.WithDescription("Total number of batches that exhausted delivery attempts"),
	); err != nil {
		return nil, err
	}

	if s.sendRetries, err = meter.Int64Counter(
		"send_retries_total",
		metric.WithDescription("Total number of batch delivery retry attempts"),
	); err != nil {
		return nil, err
	}

	if s.productsSynced, err = meter.Int64Counter(
		"products_synced_total",
		metric.WithDescription("Total number of product records accepted by the target"),
	); err != nil {
		return nil, err
	}

	if s.recordsRejected, err = meter.Int64Counter(
		"records_rejected_total",
		metric.WithDescription("Total number of records rejected by the target on data grounds"),
	); err != nil {
		return nil, err
	}

	return s, nil
}

const modeKey = "mode"

func (m *syncMetrics) IncRunsStarted(ctx context.Context, mode catalog.RunMode) {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String(modeKey, string(mode))))
}

func (m *syncMetrics) IncRunsCompleted(ctx context.Context, mode catalog.RunMode, status catalog.ResultStatus) {
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(modeKey, string(mode)),
		attribute.String("status", string(status)),
	))
}

func (m *syncMetrics) ObserveRunDuration(ctx context.Context, mode catalog.RunMode, duration time.Duration) {
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(modeKey, string(mode)),
	))
}

func (m *syncMetrics) IncBatchesSent(ctx context.Context) { m.batchesSent.Add(ctx, 1) }

func (m *syncMetrics) IncBatchesFailed(ctx context.Context) { m.batchesFailed.Add(ctx, 1) }

func (m *syncMetrics) IncSendRetries(ctx context.Context) { m.sendRetries.Add(ctx, 1) }

func (m *syncMetrics) AddProductsSynced(ctx context.Context, count int) {
	m.productsSynced.Add(ctx, int64(count))
}

func (m *syncMetrics) AddRecordsRejected(ctx context.Context, count int) {
	m.recordsRejected.Add(ctx, int64(count))
}
