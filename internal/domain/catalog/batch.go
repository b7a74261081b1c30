package catalog

import (
	"fmt"
	"time"
)

// BatchStatus represents the lifecycle state of a delivery batch. Batches
// are immutable once constructed; only their status transitions.
type BatchStatus string

const (
	// BatchStatusPending indicates the batch has not been submitted yet.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusSent indicates the target accepted the batch, possibly with
	// some per-record rejections.
	BatchStatusSent BatchStatus = "sent"
	// BatchStatusFailed indicates delivery failed after exhausting retries,
	// or every record in the batch was rejected.
	BatchStatusFailed BatchStatus = "failed"
)

// Batch is an ordered, bounded-size slice of ProductRecords submitted as one
// unit to the target system. Its sequence index is its position in the run,
// which makes resume-from-index well-defined.
type Batch struct {
	index    int
	records  []ProductRecord
	status   BatchStatus
	sentAt   time.Time
	reason   string
	rejected []RecordRejection
}

// NewBatch creates a pending batch at the given sequence index.
func NewBatch(index int, records []ProductRecord) *Batch {
	return &Batch{
		index:   index,
		records: records,
		status:  BatchStatusPending,
	}
}

// Getters.
func (b *Batch) Index() int                  { return b.index }
func (b *Batch) Records() []ProductRecord    { return b.records }
func (b *Batch) Size() int                   { return len(b.records) }
func (b *Batch) Status() BatchStatus         { return b.status }
func (b *Batch) SentAt() time.Time           { return b.sentAt }
func (b *Batch) FailureReason() string       { return b.reason }
func (b *Batch) Rejected() []RecordRejection { return b.rejected }

// SKUs returns the source record identifiers of every record in the batch,
// in batch order. These are persisted with failed batches so the batch can
// be rebuilt on resume.
func (b *Batch) SKUs() []string {
	skus := make([]string, len(b.records))
	for i, r := range b.records {
		skus[i] = r.SKU
	}
	return skus
}

// AcceptedCount returns the number of records the target accepted. Zero
// until the batch is marked sent.
func (b *Batch) AcceptedCount() int {
	if b.status != BatchStatusSent {
		return 0
	}
	return len(b.records) - len(b.rejected)
}

// MarkSent transitions the batch to sent, recording when it happened and any
// per-record rejections the target reported alongside acceptance.
func (b *Batch) MarkSent(sentAt time.Time, rejected []RecordRejection) error {
	if b.status != BatchStatusPending {
		return fmt.Errorf("cannot mark sent: invalid state transition from %s", b.status)
	}
	b.status = BatchStatusSent
	b.sentAt = sentAt
	b.rejected = rejected
	return nil
}

// MarkFailed transitions the batch to failed with the terminal reason.
func (b *Batch) MarkFailed(reason string) error {
	if b.status != BatchStatusPending {
		return fmt.Errorf("cannot mark failed: invalid state transition from %s", b.status)
	}
	b.status = BatchStatusFailed
	b.reason = reason
	return nil
}
