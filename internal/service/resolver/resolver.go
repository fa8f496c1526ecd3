// Package resolver turns user@domain handles into routable identity records,
// deciding between local lookup and federated discovery.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/handle"
	"mychat_node/internal/model"
	"mychat_node/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrIdentityNotFound means the handle definitively does not exist: the
	// local store has no such identity, or its home node answered and reported
	// none. Callers should reject immediately.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrFederationUnavailable means the handle might exist but its node
	// cannot currently be consulted (blocked, or discovery failed). Sends may
	// still be queued for later delivery unless the node is blocked.
	ErrFederationUnavailable = errors.New("federation unavailable")
)

type (
	IdentityStore interface {
		GetByHandle(ctx context.Context, localPart, domain string) (*model.Identity, error)
		GetByID(ctx context.Context, id string) (*model.Identity, error)
		Upsert(ctx context.Context, identity *model.Identity) error
	}

	Nodes interface {
		GetOrDiscover(ctx context.Context, domain string) (*model.Node, error)
	}

	RemoteLookup interface {
		LookupIdentity(ctx context.Context, node *model.Node, localPart string) (*federation.RemoteIdentity, error)
	}

	Cache interface {
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
		Del(ctx context.Context, key string) error
	}

	Resolver struct {
		cfg        *config.Config
		identities IdentityStore
		nodes      Nodes
		remote     RemoteLookup
		cache      Cache
		now        func() time.Time
	}

	// cacheEntry is one federated identity in redis, stamped with when it was
	// fetched so freshness holds even if the key outlives its TTL.
	cacheEntry struct {
		Identity  model.Identity `json:"identity"`
		FetchedAt time.Time      `json:"fetched_at"`
	}
)

func NewResolver(cfg *config.Config, identities IdentityStore, nodes Nodes, remote RemoteLookup, cache Cache) *Resolver {
	return &Resolver{
		cfg:        cfg,
		identities: identities,
		nodes:      nodes,
		remote:     remote,
		cache:      cache,
		now:        time.Now,
	}
}

// ResolveByHandle resolves a handle to an identity record. Local handles go
// straight to the identity store. Foreign handles consult the federated
// identity cache first and fall back to a discovery round-trip against the
// handle's home node.
func (r *Resolver) ResolveByHandle(ctx context.Context, rawHandle string) (*model.Identity, error) {
	localPart, domain, err := handle.Parse(rawHandle)
	if err != nil {
		return nil, err
	}

	if domain == r.cfg.Domain {
		identity, err := r.identities.GetByHandle(ctx, localPart, domain)
		if err != nil {
			return nil, fmt.Errorf("local lookup %s: %w", rawHandle, err)
		}
		if identity == nil {
			return nil, ErrIdentityNotFound
		}
		return identity, nil
	}

	return r.resolveFederated(ctx, rawHandle, localPart, domain)
}

// ResolveByID looks an identity up by its stable identifier.
func (r *Resolver) ResolveByID(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := r.identities.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup id %s: %w", id, err)
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}
	return identity, nil
}

func (r *Resolver) resolveFederated(ctx context.Context, rawHandle, localPart, domain string) (*model.Identity, error) {
	if !r.cfg.FederationEnabled {
		return nil, ErrFederationUnavailable
	}

	if cached := r.fromCache(ctx, rawHandle); cached != nil {
		return cached, nil
	}

	node, err := r.nodes.GetOrDiscover(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederationUnavailable, err)
	}
	if node.Status == model.NodeBlocked {
		return nil, fmt.Errorf("%w: node %s is blocked", ErrFederationUnavailable, domain)
	}

	remote, err := r.remote.LookupIdentity(ctx, node, localPart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFederationUnavailable, err)
	}
	if remote == nil {
		return nil, ErrIdentityNotFound
	}

	now := r.now().UTC()
	identity := &model.Identity{
		ID:        uuid.NewString(),
		LocalPart: localPart,
		Domain:    domain,
		PublicKey: remote.PublicKey,
		// Recomputed locally; the remote's claimed fingerprint is advisory.
		Fingerprint: model.KeyFingerprint(remote.PublicKey),
		IsLocal:     false,
		LastSeen:    now,
		CreatedAt:   now,
	}
	if err := r.identities.Upsert(ctx, identity); err != nil {
		return nil, fmt.Errorf("cache federated identity %s: %w", rawHandle, err)
	}

	// The upsert may have kept an earlier record's id; read it back so the
	// returned reference matches the durable one.
	stored, err := r.identities.GetByHandle(ctx, localPart, domain)
	if err == nil && stored != nil {
		identity = stored
	}

	r.toCache(ctx, rawHandle, identity)
	log.Info("federated identity resolved",
		zap.String("handle", rawHandle),
		zap.String("fingerprint", identity.Fingerprint))
	return identity, nil
}

func (r *Resolver) fromCache(ctx context.Context, rawHandle string) *model.Identity {
	raw, err := r.cache.Get(ctx, cacheKey(rawHandle))
	if err != nil || raw == "" {
		return nil
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		r.evict(ctx, rawHandle)
		return nil
	}
	if r.now().UTC().Sub(entry.FetchedAt) > r.cfg.IdentityCacheTTL {
		// The key can outlive its redis TTL relative to the configured
		// freshness window; drop it so later misses are cheap.
		r.evict(ctx, rawHandle)
		return nil
	}
	return &entry.Identity
}

func (r *Resolver) evict(ctx context.Context, rawHandle string) {
	if err := r.cache.Del(ctx, cacheKey(rawHandle)); err != nil {
		log.Warn("federated identity cache eviction failed", zap.Error(err))
	}
}

func (r *Resolver) toCache(ctx context.Context, rawHandle string, identity *model.Identity) {
	entry := cacheEntry{Identity: *identity, FetchedAt: r.now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(rawHandle), string(data), r.cfg.IdentityCacheTTL); err != nil {
		log.Warn("federated identity cache write failed", zap.Error(err))
	}
}

func cacheKey(rawHandle string) string {
	return "fedid:" + rawHandle
}
