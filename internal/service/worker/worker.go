// Package worker drains the federation delivery queue in the background,
// attempting outbound transport and feeding results back into message state
// and node reachability.
package worker

import (
	"context"
	"sync"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/model"
	"mychat_node/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Queue interface {
		Claim(ctx context.Context) (*model.DeliveryTask, error)
		MarkSent(ctx context.Context, t *model.DeliveryTask) error
		RecordFailure(ctx context.Context, t *model.DeliveryTask, attemptErr error) (terminal bool, err error)
		Defer(ctx context.Context, t *model.DeliveryTask, reason string) error
		HasLivePeers(ctx context.Context, messageID, excludeTaskID string) (bool, error)
	}

	Lifecycle interface {
		MarkDelivered(ctx context.Context, messageID string) error
		MarkFailed(ctx context.Context, messageID string) error
	}

	NodeRegistry interface {
		GetOrDiscover(ctx context.Context, domain string) (*model.Node, error)
		RecordDeliveryOutcome(ctx context.Context, domain string, success bool, latency time.Duration) error
	}

	MessageStore interface {
		GetByID(ctx context.Context, id string) (*model.Message, error)
	}

	Transport interface {
		Deliver(ctx context.Context, node *model.Node, env *federation.Envelope) error
	}

	Worker struct {
		cfg       *config.Config
		queue     Queue
		lifecycle Lifecycle
		registry  NodeRegistry
		messages  MessageStore
		transport Transport
		now       func() time.Time
	}
)

func NewWorker(cfg *config.Config, queue Queue, lc Lifecycle, registry NodeRegistry, messages MessageStore, transport Transport) *Worker {
	return &Worker{
		cfg:       cfg,
		queue:     queue,
		lifecycle: lc,
		registry:  registry,
		messages:  messages,
		transport: transport,
		now:       time.Now,
	}
}

// Start launches the configured number of worker loops and returns a stop
// function that blocks until they drain out.
func (w *Worker) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	count := w.cfg.WorkerCount
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

// Run polls the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WorkerPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain claims and processes due tasks until the queue has nothing ready.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Claim(ctx)
		if err != nil {
			log.Error("claim failed", zap.Error(err))
			return
		}
		if task == nil {
			return
		}
		w.process(ctx, task)
	}
}

// process runs one delivery attempt. Infrastructure faults (store reads
// failing) abort without consuming an attempt: the claim lease expires and
// the task comes back. Only a confirmed transport-level failure counts
// against the ceiling.
func (w *Worker) process(ctx context.Context, task *model.DeliveryTask) {
	msg, err := w.messages.GetByID(ctx, task.MessageID)
	if err != nil {
		log.Error("load message for delivery failed",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if msg == nil {
		// The message is gone; nothing left to deliver.
		if _, err := w.queue.RecordFailure(ctx, task, errMissingMessage(task.MessageID)); err != nil {
			log.Error("fail orphaned task", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	node, err := w.registry.GetOrDiscover(ctx, task.TargetNode)
	if err != nil {
		log.Error("load target node failed",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if node.Status == model.NodeBlocked {
		if err := w.queue.Defer(ctx, task, "target node is blocked"); err != nil {
			log.Error("defer blocked task", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	env := &federation.Envelope{
		MessageID:       msg.ID,
		SenderHandle:    msg.SenderHandle,
		RecipientHandle: msg.RecipientHandle,
		Payload:         msg.Payload,
		ContentType:     msg.ContentType,
		OriginNode:      msg.OriginNode,
		SentAt:          msg.CreatedAt,
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	start := w.now()
	deliverErr := w.transport.Deliver(attemptCtx, node, env)
	latency := w.now().Sub(start)
	cancel()

	if deliverErr == nil {
		w.completeDelivery(ctx, task, msg, latency)
		return
	}
	w.recordAttemptFailure(ctx, task, msg, deliverErr)
}

func (w *Worker) completeDelivery(ctx context.Context, task *model.DeliveryTask, msg *model.Message, latency time.Duration) {
	if err := w.queue.MarkSent(ctx, task); err != nil {
		log.Error("mark task sent failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if err := w.lifecycle.MarkDelivered(ctx, msg.ID); err != nil {
		log.Error("mark message delivered failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if err := w.registry.RecordDeliveryOutcome(ctx, task.TargetNode, true, latency); err != nil {
		log.Error("record node success failed", zap.String("domain", task.TargetNode), zap.Error(err))
	}
	log.Info("federated message delivered",
		zap.String("message_id", msg.ID),
		zap.String("target_node", task.TargetNode),
		zap.Duration("latency", latency))
}

func (w *Worker) recordAttemptFailure(ctx context.Context, task *model.DeliveryTask, msg *model.Message, deliverErr error) {
	if err := w.registry.RecordDeliveryOutcome(ctx, task.TargetNode, false, 0); err != nil {
		log.Error("record node failure failed", zap.String("domain", task.TargetNode), zap.Error(err))
	}

	terminal, err := w.queue.RecordFailure(ctx, task, deliverErr)
	if err != nil {
		log.Error("record task failure failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !terminal {
		log.Warn("delivery attempt failed, will retry",
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts+1),
			zap.Error(deliverErr))
		return
	}

	// The message fails terminally only when no other task can still land it.
	live, err := w.queue.HasLivePeers(ctx, msg.ID, task.ID)
	if err != nil {
		log.Error("check peer tasks failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if !live {
		if err := w.lifecycle.MarkFailed(ctx, msg.ID); err != nil {
			log.Error("mark message failed failed", zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
	}
	log.Warn("delivery exhausted",
		zap.String("message_id", msg.ID),
		zap.String("target_node", task.TargetNode),
		zap.Error(deliverErr))
}

type errMissingMessage string

func (e errMissingMessage) Error() string {
	return "message " + string(e) + " no longer exists"
}
