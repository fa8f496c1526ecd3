// Package lifecycle owns the per-message state machine: creation, local
// delivery, federated hand-off, read acknowledgement and terminal failure.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/handle"
	"mychat_node/internal/model"
	"mychat_node/internal/service/resolver"
	"mychat_node/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidTarget     = errors.New("exactly one of recipient or group is required")
	ErrPayloadTooLarge   = errors.New("payload exceeds the configured maximum")
	ErrNotFound          = errors.New("message not found")
	ErrForbidden         = errors.New("caller is not the message recipient")
	ErrInvalidTransition = errors.New("message state does not allow this transition")
)

type (
	MessageStore interface {
		Create(ctx context.Context, msg *model.Message) error
		GetByID(ctx context.Context, id string) (*model.Message, error)
		MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
		MarkRead(ctx context.Context, id string, at time.Time) (bool, error)
		MarkFailed(ctx context.Context, id string) (bool, error)
		Delete(ctx context.Context, id string) error
		Conversation(ctx context.Context, aID, bID string, limit int, before time.Time) ([]*model.Message, error)
	}

	IdentityStore interface {
		GetByHandle(ctx context.Context, localPart, domain string) (*model.Identity, error)
		TouchLastSeen(ctx context.Context, id string, at time.Time) error
	}

	Resolver interface {
		ResolveByHandle(ctx context.Context, rawHandle string) (*model.Identity, error)
		ResolveByID(ctx context.Context, id string) (*model.Identity, error)
	}

	DeliveryQueue interface {
		Enqueue(ctx context.Context, messageID, targetNode string) (*model.DeliveryTask, error)
	}

	NodeDirectory interface {
		GetOrDiscover(ctx context.Context, domain string) (*model.Node, error)
	}

	// Notifier is the best-effort push hook invoked after local delivery. It
	// must not block and its failures are invisible to senders.
	Notifier interface {
		MessageDelivered(recipientID string, msg *model.Message)
	}

	ConversationPage struct {
		Messages   []*model.Message `json:"messages"`
		HasMore    bool             `json:"has_more"`
		NextCursor time.Time        `json:"next_cursor,omitempty"`
	}

	Manager struct {
		cfg        *config.Config
		messages   MessageStore
		identities IdentityStore
		resolver   Resolver
		queue      DeliveryQueue
		nodes      NodeDirectory
		notifier   Notifier
		now        func() time.Time
	}
)

func NewManager(cfg *config.Config, messages MessageStore, identities IdentityStore, res Resolver, queue DeliveryQueue, nodes NodeDirectory) *Manager {
	return &Manager{
		cfg:        cfg,
		messages:   messages,
		identities: identities,
		resolver:   res,
		queue:      queue,
		nodes:      nodes,
		now:        time.Now,
	}
}

// SetNotifier wires the push hook; the manager works without one.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Send validates and creates a message, completing local delivery
// synchronously or queueing a federation delivery task before returning. The
// returned record's state is authoritative: "delivered" for local recipients,
// "pending" for federated ones.
func (m *Manager) Send(ctx context.Context, senderID string, target model.Target, payload []byte, contentType string) (*model.Message, error) {
	if target.IsZero() {
		return nil, ErrInvalidTarget
	}
	if len(payload) > m.cfg.MaxMessageSize {
		return nil, ErrPayloadTooLarge
	}
	if contentType == "" {
		contentType = "text"
	}

	sender, err := m.resolver.ResolveByID(ctx, senderID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	// Sending is activity; last-seen bookkeeping never blocks the send.
	if err := m.identities.TouchLastSeen(ctx, sender.ID, now); err != nil {
		log.Warn("touch sender last seen", zap.String("sender_id", sender.ID), zap.Error(err))
	}
	msg := &model.Message{
		ID:           uuid.NewString(),
		SenderID:     sender.ID,
		Payload:      payload,
		PayloadSize:  len(payload),
		ContentType:  contentType,
		SenderHandle: sender.Handle(),
		OriginNode:   m.cfg.Domain,
		Status:       model.MessagePending,
		CreatedAt:    now,
	}

	if groupID, ok := target.Group(); ok {
		// Group fan-out belongs to the group subsystem; the record is created
		// here and picked up there.
		msg.GroupID = groupID
		if err := m.messages.Create(ctx, msg); err != nil {
			return nil, fmt.Errorf("create group message: %w", err)
		}
		return msg, nil
	}

	recipientHandle, _ := target.Direct()
	localPart, domain, err := handle.Parse(recipientHandle)
	if err != nil {
		return nil, err
	}
	msg.RecipientHandle = recipientHandle

	if domain == m.cfg.Domain {
		return m.sendLocal(ctx, msg, recipientHandle)
	}
	return m.sendFederated(ctx, msg, localPart, domain)
}

func (m *Manager) sendLocal(ctx context.Context, msg *model.Message, recipientHandle string) (*model.Message, error) {
	recipient, err := m.resolver.ResolveByHandle(ctx, recipientHandle)
	if err != nil {
		return nil, err
	}
	msg.RecipientID = recipient.ID

	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	deliveredAt := m.now().UTC()
	if _, err := m.messages.MarkDelivered(ctx, msg.ID, deliveredAt); err != nil {
		return nil, fmt.Errorf("deliver local message: %w", err)
	}
	msg.Status = model.MessageDelivered
	msg.DeliveredAt = deliveredAt

	m.notify(recipient.ID, msg)
	log.Info("message delivered locally",
		zap.String("message_id", msg.ID),
		zap.String("recipient", recipientHandle))
	return msg, nil
}

func (m *Manager) sendFederated(ctx context.Context, msg *model.Message, localPart, domain string) (*model.Message, error) {
	if !m.cfg.FederationEnabled {
		return nil, resolver.ErrFederationUnavailable
	}

	node, err := m.nodes.GetOrDiscover(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", resolver.ErrFederationUnavailable, err)
	}
	if node.Status == model.NodeBlocked {
		return nil, fmt.Errorf("%w: node %s is blocked", resolver.ErrFederationUnavailable, domain)
	}

	recipient, err := m.resolver.ResolveByHandle(ctx, msg.RecipientHandle)
	switch {
	case err == nil:
		msg.RecipientID = recipient.ID
	case errors.Is(err, resolver.ErrIdentityNotFound):
		// The remote node answered: this handle will never exist.
		return nil, err
	case errors.Is(err, resolver.ErrFederationUnavailable):
		// The node might come back; queue the delivery and let the worker
		// retry. The recipient reference stays empty until resolution works.
		log.Warn("recipient unresolved, queueing anyway",
			zap.String("handle", msg.RecipientHandle), zap.Error(err))
	default:
		return nil, err
	}

	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := m.queue.Enqueue(ctx, msg.ID, domain); err != nil {
		// Roll back so the send is both-or-neither.
		if delErr := m.messages.Delete(ctx, msg.ID); delErr != nil {
			log.Error("rollback of unqueued message failed",
				zap.String("message_id", msg.ID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("enqueue delivery: %w", err)
	}

	log.Info("message queued for federation",
		zap.String("message_id", msg.ID),
		zap.String("target_node", domain))
	return msg, nil
}

// MarkRead acknowledges receipt. Only the recipient may acknowledge, read is
// forward-only, and re-reading an already-read message changes nothing.
func (m *Manager) MarkRead(ctx context.Context, messageID, callerID string) (*model.Message, error) {
	msg, err := m.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	if msg.RecipientID == "" || msg.RecipientID != callerID {
		return nil, ErrForbidden
	}

	switch msg.Status {
	case model.MessageRead:
		return msg, nil
	case model.MessageDelivered:
		readAt := m.now().UTC()
		ok, err := m.messages.MarkRead(ctx, messageID, readAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race with another acknowledgement; the stored record wins.
			return m.messages.GetByID(ctx, messageID)
		}
		msg.Status = model.MessageRead
		msg.ReadAt = readAt
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransition, msg.Status)
	}
}

// MarkDelivered is the worker's success report for a federated message.
// Idempotent: reports after a terminal state are ignored.
func (m *Manager) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := m.messages.MarkDelivered(ctx, messageID, m.now().UTC())
	return err
}

// MarkFailed is the worker's exhaustion report.
func (m *Manager) MarkFailed(ctx context.Context, messageID string) error {
	_, err := m.messages.MarkFailed(ctx, messageID)
	return err
}

// Accept stores a message handed over by a remote node for a local recipient.
// Replays of the same envelope (origin retries after a lost response) return
// the already-stored record.
func (m *Manager) Accept(ctx context.Context, env *federation.Envelope) (*model.Message, error) {
	if len(env.Payload) > m.cfg.MaxMessageSize {
		return nil, ErrPayloadTooLarge
	}

	localPart, domain, err := handle.Parse(env.RecipientHandle)
	if err != nil {
		return nil, err
	}
	if domain != m.cfg.Domain {
		return nil, fmt.Errorf("%w: recipient %s is not hosted here", ErrInvalidTarget, env.RecipientHandle)
	}

	recipient, err := m.identities.GetByHandle(ctx, localPart, domain)
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, resolver.ErrIdentityNotFound
	}

	existing, err := m.messages.GetByID(ctx, env.MessageID)
	if err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	// Resolving the sender is best-effort: it backfills the federated
	// identity record for conversation queries, but an unreachable origin
	// must not make us drop its message.
	var senderID string
	if sender, err := m.resolver.ResolveByHandle(ctx, env.SenderHandle); err == nil {
		senderID = sender.ID
	} else {
		log.Warn("inbound sender unresolved", zap.String("handle", env.SenderHandle), zap.Error(err))
	}

	now := m.now().UTC()
	msg := &model.Message{
		ID:              env.MessageID,
		SenderID:        senderID,
		RecipientID:     recipient.ID,
		Payload:         env.Payload,
		PayloadSize:     len(env.Payload),
		ContentType:     env.ContentType,
		SenderHandle:    env.SenderHandle,
		RecipientHandle: env.RecipientHandle,
		OriginNode:      env.OriginNode,
		Status:          model.MessageDelivered,
		CreatedAt:       now,
		DeliveredAt:     now,
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("store inbound message: %w", err)
	}

	m.notify(recipient.ID, msg)
	log.Info("federated message accepted",
		zap.String("message_id", msg.ID),
		zap.String("origin_node", msg.OriginNode))
	return msg, nil
}

// Conversation pages through messages between the caller and another handle,
// newest first. The cursor contract is a strict upper bound on created_at, so
// concurrent newer inserts never disturb already-returned pages.
func (m *Manager) Conversation(ctx context.Context, callerID, otherHandle string, limit int, before time.Time) (*ConversationPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	caller, err := m.resolver.ResolveByID(ctx, callerID)
	if err != nil {
		return nil, err
	}

	localPart, domain, err := handle.Parse(otherHandle)
	if err != nil {
		return nil, err
	}
	other, err := m.identities.GetByHandle(ctx, localPart, domain)
	if err != nil {
		return nil, err
	}
	if other == nil {
		return nil, resolver.ErrIdentityNotFound
	}

	messages, err := m.messages.Conversation(ctx, caller.ID, other.ID, limit+1, before)
	if err != nil {
		return nil, err
	}

	page := &ConversationPage{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.HasMore = true
	}
	if n := len(page.Messages); n > 0 {
		page.NextCursor = page.Messages[n-1].CreatedAt
	}
	return page, nil
}

func (m *Manager) notify(recipientID string, msg *model.Message) {
	if m.notifier != nil {
		m.notifier.MessageDelivered(recipientID, msg)
	}
}
