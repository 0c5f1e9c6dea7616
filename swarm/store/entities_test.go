package store

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []StreamStatus{
	StreamDraft,
	StreamPending,
	StreamApproved,
	StreamApprovedPendingMerge,
	StreamMerged,
	StreamReverted,
}

func TestStreamStatusTable(t *testing.T) {
	tests := []struct {
		name    string
		from    StreamStatus
		to      StreamStatus
		allowed bool
	}{
		{"draft to pending", StreamDraft, StreamPending, true},
		{"draft to merged skips approval", StreamDraft, StreamMerged, false},
		{"draft to approved skips pending", StreamDraft, StreamApproved, false},
		{"pending to approved", StreamPending, StreamApproved, true},
		{"pending to merged skips approval", StreamPending, StreamMerged, false},
		{"approved to merged", StreamApproved, StreamMerged, true},
		{"approved to pending merge", StreamApproved, StreamApprovedPendingMerge, true},
		{"approved to reverted", StreamApproved, StreamReverted, true},
		{"pending merge resumes to merged", StreamApprovedPendingMerge, StreamMerged, true},
		{"pending merge back to approved", StreamApprovedPendingMerge, StreamApproved, false},
		{"merged to reverted", StreamMerged, StreamReverted, true},
		{"merged back to draft", StreamMerged, StreamDraft, false},
		{"reverted is terminal", StreamReverted, StreamDraft, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestProperty_NoStatusReachesMergedWithoutApproval(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("random transition walks never reach merged before approved", prop.ForAll(
		func(moves []int) bool {
			current := StreamDraft
			approvedSeen := false

			for _, m := range moves {
				next := allStatuses[m%len(allStatuses)]
				if !current.CanTransitionTo(next) {
					continue
				}
				if next == StreamApproved {
					approvedSeen = true
				}
				if next == StreamMerged && !approvedSeen {
					t.Logf("reached merged from %s without approval", current)
					return false
				}
				current = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.Property("no legal transition leaves reverted", prop.ForAll(
		func(m int) bool {
			next := allStatuses[m%len(allStatuses)]
			return !StreamReverted.CanTransitionTo(next)
		},
		gen.IntRange(0, 5),
	))

	properties.Property("merged is only entered from an approval state", prop.ForAll(
		func(from int) bool {
			status := allStatuses[from%len(allStatuses)]
			if !status.CanTransitionTo(StreamMerged) {
				return true
			}
			return status == StreamApproved || status == StreamApprovedPendingMerge
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, MergeModeSwarm.Valid())
	assert.True(t, MergeModeReview.Valid())
	assert.True(t, MergeModeGated.Valid())
	assert.False(t, MergeMode("anarchy").Valid())

	assert.True(t, BackendCascade.Valid())
	assert.True(t, BackendRemoteAPI.Valid())
	assert.False(t, GitBackend("svn").Valid())

	assert.True(t, ProposalMergeStream.Valid())
	assert.True(t, ProposalRevertStream.Valid())
	assert.True(t, ProposalPromote.Valid())
	assert.False(t, ProposalType("freeze").Valid())

	for _, s := range allStatuses {
		assert.True(t, s.Valid(), "status %s", s)
	}
	assert.False(t, StreamStatus("limbo").Valid())

	for _, et := range []EventType{EventReview, EventSubmitReview, EventCommit, EventActivity, EventMergeRequest} {
		assert.True(t, et.Valid(), "event type %s", et)
	}
	assert.False(t, EventType("gossip").Valid())
}
