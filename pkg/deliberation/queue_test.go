package deliberation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acgs-project/agentbus/pkg/messaging"
)

func newQueueAt(t *testing.T, at *time.Time) *Queue {
	t.Helper()
	return NewQueue(DefaultQueueConfig()).WithClock(func() time.Time { return *at })
}

func TestEnqueueDiverts(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)

	msg := messaging.New("a", "b", messaging.TypeCommand, messaging.WithTenant("t1"))
	task, err := q.Enqueue(context.Background(), msg, 0.95, "impact threshold exceeded", false)
	require.NoError(t, err)

	assert.Equal(t, messaging.StatusPendingDeliberation, msg.Status)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 0, task.RequiredVotes, "single-reviewer task takes no votes")
	assert.Equal(t, "CRITICAL", task.Metadata["impact_level"])
	assert.Equal(t, 1, q.PendingCount())
	assert.Equal(t, now.Add(300*time.Second), task.ExpiresAt)
}

func TestHumanDecisionRequiresReview(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)
	msg := messaging.New("a", "b", messaging.TypeCommand)
	task, err := q.Enqueue(context.Background(), msg, 0.85, "divert", false)
	require.NoError(t, err)

	_, err = q.Decide(task.TaskID, "reviewer-1", true)
	assert.Error(t, err, "decision before review must fail")

	require.NoError(t, q.BeginReview(task.TaskID))
	resolved, err := q.Decide(task.TaskID, "reviewer-1", true)
	require.NoError(t, err)
	assert.Equal(t, TaskApproved, resolved.Status)
	assert.Equal(t, "reviewer-1", resolved.ResolvedBy)
	assert.Equal(t, messaging.StatusPending, msg.Status, "approval releases the message")
	assert.Equal(t, 0, q.PendingCount())
}

func TestRejectionFailsMessage(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)
	msg := messaging.New("a", "b", messaging.TypeCommand)
	task, err := q.Enqueue(context.Background(), msg, 0.85, "divert", false)
	require.NoError(t, err)
	require.NoError(t, q.BeginReview(task.TaskID))

	_, err = q.Decide(task.TaskID, "reviewer-1", false)
	require.NoError(t, err)
	assert.Equal(t, messaging.StatusFailed, msg.Status)
}

func TestCommitteeConsensus(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)
	msg := messaging.New("a", "b", messaging.TypeGovernanceRequest)
	task, err := q.Enqueue(context.Background(), msg, 0.9, "divert", true)
	require.NoError(t, err)
	require.Equal(t, 5, task.RequiredVotes)

	for i, agent := range []string{"m1", "m2", "m3", "m4"} {
		got, err := q.CastVote(task.TaskID, agent, VoteApprove)
		require.NoError(t, err)
		assert.NotEqual(t, TaskApproved, got.Status, "no resolution before quorum (vote %d)", i+1)
	}
	got, err := q.CastVote(task.TaskID, "m5", VoteReject)
	require.NoError(t, err)
	assert.Equal(t, TaskApproved, got.Status, "4/5 approvals clears the 0.66 ratio")
	assert.Equal(t, messaging.StatusPending, msg.Status)
}

func TestCommitteeConsensusRejects(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)
	msg := messaging.New("a", "b", messaging.TypeGovernanceRequest)
	task, err := q.Enqueue(context.Background(), msg, 0.9, "divert", true)
	require.NoError(t, err)

	votes := []Vote{VoteApprove, VoteApprove, VoteReject, VoteReject, VoteAbstain}
	var got *Task
	for i, v := range votes {
		var err error
		got, err = q.CastVote(task.TaskID, string(rune('a'+i)), v)
		require.NoError(t, err)
	}
	assert.Equal(t, TaskRejected, got.Status, "2/5 approvals misses the ratio")
	assert.Equal(t, messaging.StatusFailed, msg.Status)
}

func TestRepeatVoteReplaces(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)
	msg := messaging.New("a", "b", messaging.TypeGovernanceRequest)
	task, err := q.Enqueue(context.Background(), msg, 0.9, "divert", true)
	require.NoError(t, err)

	_, err = q.CastVote(task.TaskID, "m1", VoteReject)
	require.NoError(t, err)
	got, err := q.CastVote(task.TaskID, "m1", VoteApprove)
	require.NoError(t, err)
	assert.Len(t, got.Votes, 1, "same agent's vote replaces, not accumulates")
	assert.Equal(t, VoteApprove, got.Votes["m1"])
}

func TestCheckTimeouts(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	q := newQueueAt(t, &now)
	msg := messaging.New("a", "b", messaging.TypeCommand)
	_, err := q.Enqueue(context.Background(), msg, 0.85, "divert", false)
	require.NoError(t, err)

	assert.Empty(t, q.CheckTimeouts(), "not expired yet")

	now = now.Add(301 * time.Second)
	expired := q.CheckTimeouts()
	require.Len(t, expired, 1)
	assert.Equal(t, TaskTimedOut, expired[0].Status)
	assert.Equal(t, messaging.StatusFailed, msg.Status, "unjudged messages fail closed")
	assert.Equal(t, 0, q.PendingCount())

	stats := q.Stats()
	assert.Equal(t, int64(1), stats["timed_out"])
}

func TestGaugeTracksPending(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var depth int
	q := newQueueAt(t, &now).WithGauge(func(n int) { depth = n })

	msg := messaging.New("a", "b", messaging.TypeCommand)
	task, err := q.Enqueue(context.Background(), msg, 0.85, "divert", false)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, q.BeginReview(task.TaskID))
	_, err = q.Decide(task.TaskID, "reviewer", true)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}
