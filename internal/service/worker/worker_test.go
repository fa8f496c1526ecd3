package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/model"
)

// fakeQueue keeps one task and mirrors the real queue's attempt accounting.
type fakeQueue struct {
	task      *model.DeliveryTask
	deferred  int
	livePeers bool
}

func (q *fakeQueue) Claim(ctx context.Context) (*model.DeliveryTask, error) {
	if q.task == nil || q.task.Status != model.TaskPending || q.task.NextAttemptAt.After(time.Now()) {
		return nil, nil
	}
	copied := *q.task
	// Claiming leases the task; stop handing it out until rescheduled.
	q.task.NextAttemptAt = time.Now().Add(time.Hour)
	return &copied, nil
}

func (q *fakeQueue) MarkSent(ctx context.Context, t *model.DeliveryTask) error {
	q.task.Status = model.TaskSent
	return nil
}

func (q *fakeQueue) RecordFailure(ctx context.Context, t *model.DeliveryTask, attemptErr error) (bool, error) {
	q.task.Attempts = t.Attempts + 1
	q.task.LastError = attemptErr.Error()
	if q.task.Attempts >= q.task.MaxAttempts {
		q.task.Status = model.TaskFailed
		return true, nil
	}
	q.task.NextAttemptAt = time.Now()
	return false, nil
}

func (q *fakeQueue) Defer(ctx context.Context, t *model.DeliveryTask, reason string) error {
	q.deferred++
	return nil
}

func (q *fakeQueue) HasLivePeers(ctx context.Context, messageID, excludeTaskID string) (bool, error) {
	return q.livePeers, nil
}

type fakeLifecycle struct {
	delivered []string
	failed    []string
}

func (l *fakeLifecycle) MarkDelivered(ctx context.Context, messageID string) error {
	l.delivered = append(l.delivered, messageID)
	return nil
}

func (l *fakeLifecycle) MarkFailed(ctx context.Context, messageID string) error {
	l.failed = append(l.failed, messageID)
	return nil
}

type outcome struct {
	success bool
	latency time.Duration
}

type fakeRegistry struct {
	node     *model.Node
	outcomes []outcome
}

func (r *fakeRegistry) GetOrDiscover(ctx context.Context, domain string) (*model.Node, error) {
	return r.node, nil
}

func (r *fakeRegistry) RecordDeliveryOutcome(ctx context.Context, domain string, success bool, latency time.Duration) error {
	r.outcomes = append(r.outcomes, outcome{success: success, latency: latency})
	return nil
}

type fakeMessageStore struct {
	msg *model.Message
	err error
}

func (s *fakeMessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.msg, nil
}

type fakeTransport struct {
	err   error
	calls int
}

func (t *fakeTransport) Deliver(ctx context.Context, node *model.Node, env *federation.Envelope) error {
	t.calls++
	return t.err
}

type workerFixture struct {
	worker    *Worker
	queue     *fakeQueue
	lifecycle *fakeLifecycle
	registry  *fakeRegistry
	messages  *fakeMessageStore
	transport *fakeTransport
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	cfg := &config.Config{
		Domain:         "node-a.example",
		MaxAttempts:    3,
		WorkerPoll:     time.Millisecond,
		RequestTimeout: time.Second,
		WorkerCount:    1,
	}
	f := &workerFixture{
		queue: &fakeQueue{task: &model.DeliveryTask{
			ID:          "t1",
			MessageID:   "m1",
			TargetNode:  "node-b.example",
			Status:      model.TaskPending,
			MaxAttempts: 3,
		}},
		lifecycle: &fakeLifecycle{},
		registry: &fakeRegistry{node: &model.Node{
			Domain:        "node-b.example",
			FederationURL: "https://node-b.example/api/federation",
			Status:        model.NodeActive,
		}},
		messages: &fakeMessageStore{msg: &model.Message{
			ID:              "m1",
			SenderHandle:    "alice@node-a.example",
			RecipientHandle: "carol@node-b.example",
			Payload:         []byte("ciphertext"),
			Status:          model.MessagePending,
			OriginNode:      "node-a.example",
		}},
		transport: &fakeTransport{},
	}
	f.worker = NewWorker(cfg, f.queue, f.lifecycle, f.registry, f.messages, f.transport)
	return f
}

func TestDrainDeliversTask(t *testing.T) {
	f := newWorkerFixture(t)

	f.worker.Drain(context.Background())

	if f.transport.calls != 1 {
		t.Fatalf("expected one transport attempt, got %d", f.transport.calls)
	}
	if f.queue.task.Status != model.TaskSent {
		t.Fatalf("task not marked sent: %s", f.queue.task.Status)
	}
	if len(f.lifecycle.delivered) != 1 || f.lifecycle.delivered[0] != "m1" {
		t.Fatalf("message not marked delivered: %v", f.lifecycle.delivered)
	}
	if len(f.registry.outcomes) != 1 || !f.registry.outcomes[0].success {
		t.Fatalf("success outcome not recorded: %v", f.registry.outcomes)
	}
}

func TestDrainExhaustsFailingTask(t *testing.T) {
	f := newWorkerFixture(t)
	f.transport.err = errors.New("connection refused")

	// Each drain claims and fails once; the fake reschedules immediately.
	for i := 0; i < 5; i++ {
		f.worker.Drain(context.Background())
	}

	if f.transport.calls != 3 {
		t.Fatalf("attempts must stop at the ceiling, got %d transport calls", f.transport.calls)
	}
	if f.queue.task.Status != model.TaskFailed {
		t.Fatalf("task not terminally failed: %s", f.queue.task.Status)
	}
	if f.queue.task.Attempts != f.queue.task.MaxAttempts {
		t.Fatalf("attempts %d != ceiling %d", f.queue.task.Attempts, f.queue.task.MaxAttempts)
	}
	if len(f.lifecycle.failed) != 1 || f.lifecycle.failed[0] != "m1" {
		t.Fatalf("message not marked failed: %v", f.lifecycle.failed)
	}
	for _, o := range f.registry.outcomes {
		if o.success {
			t.Fatal("success outcome recorded for failing node")
		}
	}
}

func TestExhaustionSparesMessageWithLivePeerTask(t *testing.T) {
	f := newWorkerFixture(t)
	f.transport.err = errors.New("connection refused")
	f.queue.livePeers = true

	for i := 0; i < 5; i++ {
		f.worker.Drain(context.Background())
	}

	if f.queue.task.Status != model.TaskFailed {
		t.Fatalf("task should be failed: %s", f.queue.task.Status)
	}
	if len(f.lifecycle.failed) != 0 {
		t.Fatal("message failed while another task could still succeed")
	}
}

func TestInfrastructureFaultConsumesNoAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	f.messages.err = errors.New("store unavailable")

	f.worker.Drain(context.Background())

	if f.transport.calls != 0 {
		t.Fatal("transport attempted despite store fault")
	}
	if f.queue.task.Attempts != 0 || f.queue.task.Status != model.TaskPending {
		t.Fatalf("infrastructure fault consumed an attempt: %+v", f.queue.task)
	}
	if len(f.registry.outcomes) != 0 {
		t.Fatal("node outcome recorded for our own infrastructure fault")
	}
}

func TestBlockedNodeDefersWithoutAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	f.registry.node.Status = model.NodeBlocked

	f.worker.Drain(context.Background())

	if f.transport.calls != 0 {
		t.Fatal("transport attempted against a blocked node")
	}
	if f.queue.deferred != 1 {
		t.Fatalf("expected one deferral, got %d", f.queue.deferred)
	}
	if f.queue.task.Attempts != 0 {
		t.Fatal("deferral consumed an attempt")
	}
}

func TestOrphanedTaskIsFailed(t *testing.T) {
	f := newWorkerFixture(t)
	f.messages.msg = nil
	f.queue.task.Attempts = 2 // one failure away from the ceiling

	f.worker.Drain(context.Background())

	if f.transport.calls != 0 {
		t.Fatal("transport attempted for a missing message")
	}
	if f.queue.task.Status != model.TaskFailed {
		t.Fatalf("orphaned task not failed: %s", f.queue.task.Status)
	}
}
