package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mychat_node/internal/config"
	"mychat_node/internal/federation"
	"mychat_node/internal/model"
)

type fakeNodeStore struct {
	mu    sync.Mutex
	nodes map[string]*model.Node
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{nodes: make(map[string]*model.Node)}
}

func (s *fakeNodeStore) Get(ctx context.Context, domain string) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[domain]
	if !ok {
		return nil, nil
	}
	copied := *n
	return &copied, nil
}

func (s *fakeNodeStore) Create(ctx context.Context, n *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.Domain]; ok {
		return errors.New("duplicate key")
	}
	copied := *n
	s.nodes[n.Domain] = &copied
	return nil
}

func (s *fakeNodeStore) RecordSuccess(ctx context.Context, domain string, at time.Time, latencyMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[domain]
	if !ok || n.Status == model.NodeBlocked {
		return nil
	}
	n.Status = model.NodeActive
	n.FailureStreak = 0
	n.LastSeen = at
	n.AvgLatencyMS = latencyMS
	return nil
}

func (s *fakeNodeStore) IncrementFailure(ctx context.Context, domain string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[domain]
	if !ok {
		return 0, nil
	}
	n.FailureStreak++
	return n.FailureStreak, nil
}

func (s *fakeNodeStore) MarkOffline(ctx context.Context, domain string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[domain]; ok && n.Status == model.NodeActive {
		n.Status = model.NodeOffline
	}
	return nil
}

func (s *fakeNodeStore) SetStatus(ctx context.Context, domain string, status model.NodeStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[domain]; ok {
		n.Status = status
	}
	return nil
}

func (s *fakeNodeStore) UpdateDiscovery(ctx context.Context, domain, federationURL, version, publicKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[domain]; ok {
		n.FederationURL = federationURL
		n.ProtocolVersion = version
		n.PublicKey = publicKey
	}
	return nil
}

func (s *fakeNodeStore) CountActive(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.nodes {
		if n.Status == model.NodeActive {
			count++
		}
	}
	return count, nil
}

type fakeDiscovery struct {
	wk  *federation.WellKnown
	err error
}

func (d *fakeDiscovery) Discover(ctx context.Context, domain string) (*federation.WellKnown, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.wk, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Domain:                 "node-a.example",
		OfflineStreakThreshold: 3,
	}
}

func TestGetOrDiscoverCreatesActiveNode(t *testing.T) {
	store := newFakeNodeStore()
	discovery := &fakeDiscovery{wk: &federation.WellKnown{
		Version:       "1.0",
		Domain:        "node-b.example",
		FederationAPI: "https://node-b.example/api/federation",
	}}
	r := NewRegistry(testConfig(), store, discovery)

	n, err := r.GetOrDiscover(context.Background(), "node-b.example")
	if err != nil {
		t.Fatalf("GetOrDiscover failed: %v", err)
	}
	if n.Status != model.NodeActive {
		t.Fatalf("expected active, got %s", n.Status)
	}
	if n.FederationURL != "https://node-b.example/api/federation" {
		t.Fatalf("unexpected federation url: %s", n.FederationURL)
	}
	if !n.AutoDiscovered {
		t.Fatal("node should be auto-discovered")
	}
}

func TestGetOrDiscoverProbeFailureYieldsOfflineRecord(t *testing.T) {
	store := newFakeNodeStore()
	discovery := &fakeDiscovery{err: errors.New("connection refused")}
	r := NewRegistry(testConfig(), store, discovery)

	n, err := r.GetOrDiscover(context.Background(), "node-b.example")
	if err != nil {
		t.Fatalf("probe failure must not raise: %v", err)
	}
	if n.Status != model.NodeOffline {
		t.Fatalf("expected offline, got %s", n.Status)
	}
	if n.FederationURL != "https://node-b.example/api/federation" {
		t.Fatalf("expected conventional federation url, got %s", n.FederationURL)
	}
}

func TestGetOrDiscoverReturnsCachedRecord(t *testing.T) {
	store := newFakeNodeStore()
	store.Create(context.Background(), &model.Node{Domain: "node-b.example", Status: model.NodeActive})

	discovery := &fakeDiscovery{err: errors.New("should not be called")}
	r := NewRegistry(testConfig(), store, discovery)

	n, err := r.GetOrDiscover(context.Background(), "node-b.example")
	if err != nil {
		t.Fatalf("GetOrDiscover failed: %v", err)
	}
	if n.Status != model.NodeActive {
		t.Fatalf("expected cached active record, got %s", n.Status)
	}
}

func TestRecordDeliveryOutcomeStreakFlipsOffline(t *testing.T) {
	store := newFakeNodeStore()
	store.Create(context.Background(), &model.Node{Domain: "node-b.example", Status: model.NodeActive})
	r := NewRegistry(testConfig(), store, &fakeDiscovery{})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := r.RecordDeliveryOutcome(ctx, "node-b.example", false, 0); err != nil {
			t.Fatalf("outcome failed: %v", err)
		}
	}
	n, _ := store.Get(ctx, "node-b.example")
	if n.Status != model.NodeActive {
		t.Fatalf("node flipped offline before threshold: %s", n.Status)
	}

	if err := r.RecordDeliveryOutcome(ctx, "node-b.example", false, 0); err != nil {
		t.Fatalf("outcome failed: %v", err)
	}
	n, _ = store.Get(ctx, "node-b.example")
	if n.Status != model.NodeOffline {
		t.Fatalf("expected offline after threshold, got %s", n.Status)
	}
}

func TestRecordDeliveryOutcomeSuccessResetsStreak(t *testing.T) {
	store := newFakeNodeStore()
	store.Create(context.Background(), &model.Node{
		Domain:        "node-b.example",
		Status:        model.NodeOffline,
		FailureStreak: 5,
	})
	r := NewRegistry(testConfig(), store, &fakeDiscovery{})

	ctx := context.Background()
	if err := r.RecordDeliveryOutcome(ctx, "node-b.example", true, 40*time.Millisecond); err != nil {
		t.Fatalf("outcome failed: %v", err)
	}

	n, _ := store.Get(ctx, "node-b.example")
	if n.Status != model.NodeActive {
		t.Fatalf("expected active after success, got %s", n.Status)
	}
	if n.FailureStreak != 0 {
		t.Fatalf("streak not reset: %d", n.FailureStreak)
	}
	if n.AvgLatencyMS != 40 {
		t.Fatalf("latency not recorded: %d", n.AvgLatencyMS)
	}
}

func TestBlockedIsNeverAutoAssignedAndSticks(t *testing.T) {
	store := newFakeNodeStore()
	store.Create(context.Background(), &model.Node{Domain: "node-b.example", Status: model.NodeActive})
	r := NewRegistry(testConfig(), store, &fakeDiscovery{})

	ctx := context.Background()
	if err := r.Block(ctx, "node-b.example"); err != nil {
		t.Fatalf("block failed: %v", err)
	}

	// Neither failures nor successes may move a blocked node.
	for i := 0; i < 5; i++ {
		r.RecordDeliveryOutcome(ctx, "node-b.example", false, 0)
	}
	r.RecordDeliveryOutcome(ctx, "node-b.example", true, time.Millisecond)

	n, _ := store.Get(ctx, "node-b.example")
	if n.Status != model.NodeBlocked {
		t.Fatalf("blocked status lost: %s", n.Status)
	}
}
