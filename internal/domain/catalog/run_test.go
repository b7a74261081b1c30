package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTimeProvider struct{ now time.Time }

func (p fixedTimeProvider) Now() time.Time { return p.now }

func TestSyncRun_HappyPathPhases(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	run := NewSyncRun(RunModeIncremental, &cutoff)

	require.Equal(t, RunPhaseStarting, run.Phase())

	require.NoError(t, run.AdvancePhase(RunPhaseFetching))
	require.NoError(t, run.AdvancePhase(RunPhaseAssembling))

	require.NoError(t, run.SetBatches([]*Batch{NewBatch(0, makeRecords("A-1"))}))

	require.NoError(t, run.AdvancePhase(RunPhaseSendingBatches))
	require.NoError(t, run.AdvancePhase(RunPhaseFinalizing))
	require.NoError(t, run.AdvancePhase(RunPhaseSucceeded))

	assert.True(t, run.Phase().IsTerminal())
	assert.True(t, run.Timeline().IsCompleted())
}

func TestSyncRun_InvalidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path []RunPhase
		next RunPhase
	}{
		{
			name: "cannot skip fetching",
			path: nil,
			next: RunPhaseAssembling,
		},
		{
			name: "cannot leave a terminal phase",
			path: []RunPhase{RunPhaseFetching, RunPhaseFailed},
			next: RunPhaseFetching,
		},
		{
			name: "cannot finalize before sending",
			path: []RunPhase{RunPhaseFetching, RunPhaseAssembling},
			next: RunPhaseFinalizing,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			run := NewSyncRun(RunModeFull, nil)
			for _, p := range tt.path {
				require.NoError(t, run.AdvancePhase(p))
			}
			assert.Error(t, run.AdvancePhase(tt.next))
		})
	}
}

func TestSyncRun_FailedReachableFromAnyActivePhase(t *testing.T) {
	t.Parallel()

	paths := [][]RunPhase{
		{},
		{RunPhaseFetching},
		{RunPhaseFetching, RunPhaseAssembling},
		{RunPhaseFetching, RunPhaseAssembling, RunPhaseSendingBatches},
		{RunPhaseFetching, RunPhaseAssembling, RunPhaseSendingBatches, RunPhaseFinalizing},
	}

	for _, path := range paths {
		run := NewSyncRun(RunModeFull, nil)
		for _, p := range path {
			require.NoError(t, run.AdvancePhase(p))
		}
		assert.NoError(t, run.AdvancePhase(RunPhaseFailed), "from phase %s", run.Phase())
	}
}

func TestSyncRun_ProductsSyncedCountsAcceptedOnly(t *testing.T) {
	t.Parallel()

	run := NewSyncRun(RunModeFull, nil, WithTimeProvider(fixedTimeProvider{now: time.Now()}))
	require.NoError(t, run.AdvancePhase(RunPhaseFetching))
	require.NoError(t, run.AdvancePhase(RunPhaseAssembling))

	sent := NewBatch(0, makeRecords("A-1", "A-2", "A-3"))
	require.NoError(t, sent.MarkSent(time.Now(), []RecordRejection{{SKU: "A-3", Reason: "invalid"}}))

	failed := NewBatch(1, makeRecords("B-1", "B-2"))
	require.NoError(t, failed.MarkFailed("unreachable"))

	require.NoError(t, run.SetBatches([]*Batch{sent, failed}))

	assert.Equal(t, 2, run.ProductsSynced())
	require.Len(t, run.FailedBatches(), 1)
	assert.Equal(t, 1, run.FailedBatches()[0].Index())
	assert.Equal(t, []RecordRejection{{SKU: "A-3", Reason: "invalid"}}, run.Rejections())
}

func TestParseRunMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseRunMode("incremental")
	require.NoError(t, err)
	assert.Equal(t, RunModeIncremental, mode)

	mode, err = ParseRunMode("full")
	require.NoError(t, err)
	assert.Equal(t, RunModeFull, mode)

	_, err = ParseRunMode("partial")
	assert.Error(t, err)
}
