// Package registry tracks known remote federation peers and their
// reachability.
package registry

import (
	"context"
	"fmt"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/model"
	"mychat_node/internal/utils/log"

	"go.uber.org/zap"
)

type (
	NodeStore interface {
		Get(ctx context.Context, domain string) (*model.Node, error)
		Create(ctx context.Context, n *model.Node) error
		RecordSuccess(ctx context.Context, domain string, at time.Time, latencyMS int64) error
		IncrementFailure(ctx context.Context, domain string, at time.Time) (int, error)
		MarkOffline(ctx context.Context, domain string, at time.Time) error
		SetStatus(ctx context.Context, domain string, status model.NodeStatus, at time.Time) error
		UpdateDiscovery(ctx context.Context, domain, federationURL, version, publicKey string, at time.Time) error
		CountActive(ctx context.Context) (int64, error)
	}

	DiscoveryClient interface {
		Discover(ctx context.Context, domain string) (*federation.WellKnown, error)
	}

	Registry struct {
		cfg       *config.Config
		nodes     NodeStore
		discovery DiscoveryClient
		now       func() time.Time
	}
)

func NewRegistry(cfg *config.Config, nodes NodeStore, discovery DiscoveryClient) *Registry {
	return &Registry{
		cfg:       cfg,
		nodes:     nodes,
		discovery: discovery,
		now:       time.Now,
	}
}

// GetOrDiscover returns the known record for a domain, probing its well-known
// endpoint the first time the domain shows up. A failed probe produces an
// offline record rather than an error: unreachability is expected and
// recoverable, and delivery tasks toward the domain can still be queued.
func (r *Registry) GetOrDiscover(ctx context.Context, domain string) (*model.Node, error) {
	n, err := r.nodes.Get(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("load node %s: %w", domain, err)
	}
	if n != nil {
		return n, nil
	}

	now := r.now().UTC()
	n = &model.Node{
		Domain:         domain,
		FederationURL:  fmt.Sprintf("https://%s/api/federation", domain),
		Status:         model.NodeOffline,
		AutoDiscovered: true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	wk, err := r.discovery.Discover(ctx, domain)
	if err != nil {
		log.Warn("node discovery probe failed", zap.String("domain", domain), zap.Error(err))
	} else {
		n.FederationURL = wk.FederationAPI
		n.ProtocolVersion = wk.Version
		n.PublicKey = wk.PublicKey
		n.Status = model.NodeActive
		n.LastSeen = now
	}

	if err := r.nodes.Create(ctx, n); err != nil {
		// Lost a race with a concurrent discovery of the same domain.
		if existing, getErr := r.nodes.Get(ctx, domain); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create node %s: %w", domain, err)
	}

	log.Info("federation node registered",
		zap.String("domain", domain),
		zap.String("status", string(n.Status)))
	return n, nil
}

// RecordDeliveryOutcome feeds a delivery result back into the node's
// reachability state. Success reactivates the node and resets its failure
// streak; a streak of consecutive failures reaching the configured threshold
// downgrades it to offline. Blocked is never assigned here, only by Block.
func (r *Registry) RecordDeliveryOutcome(ctx context.Context, domain string, success bool, latency time.Duration) error {
	now := r.now().UTC()

	if success {
		return r.nodes.RecordSuccess(ctx, domain, now, latency.Milliseconds())
	}

	streak, err := r.nodes.IncrementFailure(ctx, domain, now)
	if err != nil {
		return err
	}
	if streak >= r.cfg.OfflineStreakThreshold {
		if err := r.nodes.MarkOffline(ctx, domain, now); err != nil {
			return err
		}
		log.Warn("federation node marked offline",
			zap.String("domain", domain),
			zap.Int("failure_streak", streak))
	}
	return nil
}

// Block is the administrative kill switch for a domain. Resolution and
// queueing toward a blocked node fail fast until Unblock.
func (r *Registry) Block(ctx context.Context, domain string) error {
	return r.nodes.SetStatus(ctx, domain, model.NodeBlocked, r.now().UTC())
}

func (r *Registry) Unblock(ctx context.Context, domain string) error {
	return r.nodes.SetStatus(ctx, domain, model.NodeOffline, r.now().UTC())
}

// Refresh re-probes a known node and updates its discovery metadata.
func (r *Registry) Refresh(ctx context.Context, domain string) error {
	wk, err := r.discovery.Discover(ctx, domain)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", domain, err)
	}
	return r.nodes.UpdateDiscovery(ctx, domain, wk.FederationAPI, wk.Version, wk.PublicKey, r.now().UTC())
}

func (r *Registry) CountActive(ctx context.Context) (int64, error) {
	return r.nodes.CountActive(ctx)
}
