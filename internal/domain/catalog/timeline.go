package catalog

import "time"

// TimeProvider abstracts time access so entity timestamps are testable.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// NewRealTimeProvider returns a TimeProvider backed by the system clock.
func NewRealTimeProvider() TimeProvider { return realTimeProvider{} }

// Timeline is a value object that tracks temporal aspects of a sync run and
// its batches. It provides methods to track start time, completion time, and
// last update time while maintaining consistency through a TimeProvider.
type Timeline struct {
	startedAt    time.Time
	completedAt  time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline with the provided TimeProvider,
// initializing both startedAt and lastUpdate to the current time.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	now := timeProvider.Now()
	return &Timeline{
		startedAt:    now,
		lastUpdate:   now,
		timeProvider: timeProvider,
	}
}

// Getters.
func (t *Timeline) StartedAt() time.Time   { return t.startedAt }
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }
func (t *Timeline) LastUpdate() time.Time  { return t.lastUpdate }

// MarkCompleted records the completion time and updates the last update
// timestamp.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.timeProvider.Now()
	t.UpdateLastUpdate()
}

// UpdateLastUpdate sets the lastUpdate field to the current time.
func (t *Timeline) UpdateLastUpdate() { t.lastUpdate = t.timeProvider.Now() }

// IsCompleted returns whether the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }
