// Package queue is the durable work queue of outbound federation deliveries.
// It owns the retry schedule; the worker owns the actual transport attempts.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/model"
	"mychat_node/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	TaskStore interface {
		Create(ctx context.Context, t *model.DeliveryTask) error
		GetOutstanding(ctx context.Context, messageID, targetNode string) (*model.DeliveryTask, error)
		ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*model.DeliveryTask, error)
		MarkSent(ctx context.Context, id string, at time.Time) error
		MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
		Reschedule(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error
		CountLivePeers(ctx context.Context, messageID, excludeTaskID string) (int64, error)
	}

	Queue struct {
		cfg   *config.Config
		tasks TaskStore
		now   func() time.Time
	}
)

func NewQueue(cfg *config.Config, tasks TaskStore) *Queue {
	return &Queue{
		cfg:   cfg,
		tasks: tasks,
		now:   time.Now,
	}
}

// Enqueue creates the delivery task for a (message, target node) pair,
// immediately eligible for its first attempt. At most one task exists per
// pair while delivery is outstanding.
func (q *Queue) Enqueue(ctx context.Context, messageID, targetNode string) (*model.DeliveryTask, error) {
	existing, err := q.tasks.GetOutstanding(ctx, messageID, targetNode)
	if err != nil {
		return nil, fmt.Errorf("check outstanding task: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := q.now().UTC()
	t := &model.DeliveryTask{
		ID:            uuid.NewString(),
		MessageID:     messageID,
		TargetNode:    targetNode,
		Status:        model.TaskPending,
		Attempts:      0,
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.tasks.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create delivery task: %w", err)
	}

	log.Info("delivery task enqueued",
		zap.String("task_id", t.ID),
		zap.String("message_id", messageID),
		zap.String("target_node", targetNode))
	return t, nil
}

// Claim atomically takes the next due pending task, leasing it for the
// configured claim window. Returns nil when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*model.DeliveryTask, error) {
	return q.tasks.ClaimNext(ctx, q.now().UTC(), q.cfg.ClaimLease)
}

// MarkSent finalizes a successful delivery.
func (q *Queue) MarkSent(ctx context.Context, t *model.DeliveryTask) error {
	return q.tasks.MarkSent(ctx, t.ID, q.now().UTC())
}

// RecordFailure accounts one failed attempt. When the ceiling is reached the
// task goes terminally failed and the call reports terminal=true; otherwise
// the task is rescheduled with exponential backoff and stays pending.
func (q *Queue) RecordFailure(ctx context.Context, t *model.DeliveryTask, attemptErr error) (terminal bool, err error) {
	attempts := t.Attempts + 1
	reason := attemptErr.Error()

	if attempts >= t.MaxAttempts {
		if err := q.tasks.MarkFailed(ctx, t.ID, attempts, reason); err != nil {
			return false, fmt.Errorf("mark task failed: %w", err)
		}
		log.Warn("delivery task exhausted",
			zap.String("task_id", t.ID),
			zap.String("message_id", t.MessageID),
			zap.Int("attempts", attempts))
		return true, nil
	}

	next := q.now().UTC().Add(q.Backoff(attempts))
	if err := q.tasks.Reschedule(ctx, t.ID, attempts, next, reason); err != nil {
		return false, fmt.Errorf("reschedule task: %w", err)
	}
	return false, nil
}

// Defer pushes a task's next attempt out without consuming an attempt, used
// when its target node is administratively blocked.
func (q *Queue) Defer(ctx context.Context, t *model.DeliveryTask, reason string) error {
	next := q.now().UTC().Add(q.cfg.BackoffCap)
	return q.tasks.Reschedule(ctx, t.ID, t.Attempts, next, reason)
}

// HasLivePeers reports whether any other task for the message could still
// succeed, which gates the terminal failure of the message itself.
func (q *Queue) HasLivePeers(ctx context.Context, messageID, excludeTaskID string) (bool, error) {
	n, err := q.tasks.CountLivePeers(ctx, messageID, excludeTaskID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Backoff computes the retry delay after the given number of failed attempts:
// base * 2^(n-1) capped at the configured maximum, plus a jitter term below
// half the base so delays stay strictly increasing until the cap.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}

	jitter := time.Duration(rand.Int63n(int64(q.cfg.BackoffBase)/2 + 1))
	if d+jitter > q.cfg.BackoffCap {
		return q.cfg.BackoffCap
	}
	return d + jitter
}
