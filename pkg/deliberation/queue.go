package deliberation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acgs-project/agentbus/pkg/messaging"
)

// TaskStatus is the lifecycle state of a deliberation task.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskUnderReview      TaskStatus = "under_review"
	TaskApproved         TaskStatus = "approved"
	TaskRejected         TaskStatus = "rejected"
	TaskTimedOut         TaskStatus = "timed_out"
	TaskConsensusReached TaskStatus = "consensus_reached"
)

// Vote is a committee member's position on a task.
type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
	VoteAbstain Vote = "abstain"
)

// Task is one diverted message awaiting judgment. RequiredVotes is zero for
// single-reviewer tasks; multi-agent voting tasks need a quorum before
// consensus is evaluated.
type Task struct {
	TaskID         string                  `json:"task_id"`
	Message        *messaging.AgentMessage `json:"message"`
	ImpactScore    float64                 `json:"impact_score"`
	Reason         string                  `json:"reason"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
	Status         TaskStatus              `json:"status"`
	Votes          map[string]Vote         `json:"votes,omitempty"`
	RequiredVotes  int                     `json:"required_votes"`
	ConsensusRatio float64                 `json:"consensus_ratio"`
	CreatedAt      time.Time               `json:"created_at"`
	ExpiresAt      time.Time               `json:"expires_at"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"`
	ResolvedBy     string                  `json:"resolved_by,omitempty"`
}

func (t *Task) resolved() bool {
	switch t.Status {
	case TaskApproved, TaskRejected, TaskTimedOut:
		return true
	}
	return false
}

// QueueConfig tunes the review queue.
type QueueConfig struct {
	Timeout        time.Duration // per-task review deadline
	ConsensusRatio float64       // approvals/votes needed once quorum met
	RequiredVotes  int           // quorum for multi-agent voting tasks
}

// DefaultQueueConfig mirrors the production defaults: 5-minute review
// window, 2/3 consensus, quorum of five for committee votes.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Timeout:        300 * time.Second,
		ConsensusRatio: 0.66,
		RequiredVotes:  5,
	}
}

// Queue is the in-memory deliberation queue. A separate approval-chain
// service drives tasks through review; the bus only enqueues and observes.
type Queue struct {
	cfg   QueueConfig
	clock func() time.Time
	gauge func(int)

	mu    sync.Mutex
	tasks map[string]*Task

	enqueued  int64
	approvals int64
	rejects   int64
	timeouts  int64
}

// NewQueue builds a deliberation queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.ConsensusRatio <= 0 {
		cfg.ConsensusRatio = 0.66
	}
	return &Queue{
		cfg:   cfg,
		clock: time.Now,
		tasks: make(map[string]*Task),
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// WithGauge installs a pending-count observer, e.g. the Prometheus gauge.
func (q *Queue) WithGauge(gauge func(int)) *Queue {
	q.gauge = gauge
	return q
}

// Enqueue parks a message for review and marks it PENDING_DELIBERATION.
// multiAgent selects committee voting with the configured quorum.
func (q *Queue) Enqueue(_ context.Context, msg *messaging.AgentMessage, score float64, reason string, multiAgent bool) (*Task, error) {
	if msg == nil {
		return nil, fmt.Errorf("deliberation: nil message")
	}
	if err := msg.SetStatus(messaging.StatusPendingDeliberation); err != nil {
		return nil, fmt.Errorf("deliberation: divert %s: %w", msg.MessageID, err)
	}

	now := q.clock()
	required := 0
	if multiAgent {
		required = q.cfg.RequiredVotes
	}
	task := &Task{
		TaskID:      uuid.NewString(),
		Message:     msg,
		ImpactScore: score,
		Reason:      reason,
		Metadata: map[string]any{
			"impact_level": string(LevelFor(score)),
			"from_agent":   msg.FromAgent,
			"tenant_id":    msg.TenantID,
		},
		Status:         TaskPending,
		Votes:          make(map[string]Vote),
		RequiredVotes:  required,
		ConsensusRatio: q.cfg.ConsensusRatio,
		CreatedAt:      now,
		ExpiresAt:      now.Add(q.cfg.Timeout),
	}

	q.mu.Lock()
	q.tasks[task.TaskID] = task
	q.enqueued++
	q.notifyLocked()
	q.mu.Unlock()
	return task, nil
}

// BeginReview moves a pending task under review.
func (q *Queue) BeginReview(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("deliberation: task %q not found", taskID)
	}
	if task.Status != TaskPending {
		return fmt.Errorf("deliberation: task %q is %s, not pending", taskID, task.Status)
	}
	task.Status = TaskUnderReview
	return nil
}

// CastVote records one committee member's vote. A repeat vote by the same
// agent replaces the earlier one. Once quorum is reached, consensus is
// evaluated and the task resolves.
func (q *Queue) CastVote(taskID, agentID string, vote Vote) (*Task, error) {
	switch vote {
	case VoteApprove, VoteReject, VoteAbstain:
	default:
		return nil, fmt.Errorf("deliberation: unknown vote %q", vote)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("deliberation: task %q not found", taskID)
	}
	if task.resolved() || task.Status == TaskConsensusReached {
		return nil, fmt.Errorf("deliberation: task %q already resolved (%s)", taskID, task.Status)
	}
	if task.RequiredVotes == 0 {
		return nil, fmt.Errorf("deliberation: task %q takes a human decision, not votes", taskID)
	}

	task.Votes[agentID] = vote
	if len(task.Votes) >= task.RequiredVotes {
		approvals := 0
		for _, v := range task.Votes {
			if v == VoteApprove {
				approvals++
			}
		}
		task.Status = TaskConsensusReached
		if float64(approvals)/float64(len(task.Votes)) >= task.ConsensusRatio {
			q.resolveLocked(task, TaskApproved, "consensus")
		} else {
			q.resolveLocked(task, TaskRejected, "consensus")
		}
	}
	return task, nil
}

// Decide records a human decision on a task under review.
func (q *Queue) Decide(taskID, reviewerID string, approve bool) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("deliberation: task %q not found", taskID)
	}
	if task.Status != TaskUnderReview {
		return nil, fmt.Errorf("deliberation: task %q is %s; human decisions require under_review", taskID, task.Status)
	}
	if approve {
		q.resolveLocked(task, TaskApproved, reviewerID)
	} else {
		q.resolveLocked(task, TaskRejected, reviewerID)
	}
	return task, nil
}

// CheckTimeouts expires overdue unresolved tasks and returns them. Expired
// tasks reject their message: a message nobody judged must not proceed.
func (q *Queue) CheckTimeouts() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	var expired []*Task
	for _, task := range q.tasks {
		if task.resolved() {
			continue
		}
		if now.After(task.ExpiresAt) {
			task.Status = TaskTimedOut
			resolvedAt := now
			task.ResolvedAt = &resolvedAt
			_ = task.Message.SetStatus(messaging.StatusFailed)
			q.timeouts++
			expired = append(expired, task)
		}
	}
	if len(expired) > 0 {
		q.notifyLocked()
	}
	return expired
}

// resolveLocked finalises a task: approval releases the message back to
// pending for redelivery; rejection fails it. Caller holds q.mu.
func (q *Queue) resolveLocked(task *Task, status TaskStatus, by string) {
	now := q.clock()
	task.Status = status
	task.ResolvedAt = &now
	task.ResolvedBy = by
	switch status {
	case TaskApproved:
		_ = task.Message.SetStatus(messaging.StatusPending)
		q.approvals++
	case TaskRejected:
		_ = task.Message.SetStatus(messaging.StatusFailed)
		q.rejects++
	}
	q.notifyLocked()
}

// Get returns a task by id.
func (q *Queue) Get(taskID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	return task, ok
}

// PendingCount counts unresolved tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, task := range q.tasks {
		if !task.resolved() {
			n++
		}
	}
	return n
}

func (q *Queue) notifyLocked() {
	if q.gauge != nil {
		q.gauge(q.pendingLocked())
	}
}

// Stats reports queue counters.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]any{
		"enqueued":  q.enqueued,
		"pending":   q.pendingLocked(),
		"approved":  q.approvals,
		"rejected":  q.rejects,
		"timed_out": q.timeouts,
	}
}
