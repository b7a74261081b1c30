package catalog

import (
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the externally reported outcome of a run. It is coarser
// than RunPhase: a partially failed run reports failure (with a resume
// handle), and an incremental run that found nothing to do reports
// no_updates so downstream alerting can treat it as informational.
type ResultStatus string

const (
	ResultStatusSuccess   ResultStatus = "success"
	ResultStatusFailure   ResultStatus = "failure"
	ResultStatusNoUpdates ResultStatus = "no_updates"
)

// SyncResult summarizes a completed run for notification. Produced once per
// run, handed to the notifier, then discarded; the manifest remains the
// durable failure record.
type SyncResult struct {
	Status         ResultStatus
	SyncType       RunMode
	ProductsSynced int
	FailedBatches  []int

	// RejectedRecords is a diagnostic extension: per-record validation
	// rejections from otherwise-sent batches. It is logged but kept out of
	// the fixed notification payload.
	RejectedRecords []RecordRejection

	// ResumeHandle is set whenever failures occurred, pointing at the
	// retained manifest.
	ResumeHandle *uuid.UUID

	CompletedAt time.Time
}
