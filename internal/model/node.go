package model

import "time"

type NodeStatus string

const (
	NodeActive  NodeStatus = "active"
	NodeBlocked NodeStatus = "blocked"
	NodeOffline NodeStatus = "offline"
)

type (
	// Node is a remote federation peer, keyed by its domain. Status "offline"
	// is advisory and set automatically after a streak of delivery failures;
	// "blocked" is only ever set by an administrator and short-circuits all
	// resolution and delivery to the domain.
	Node struct {
		Domain          string     `bson:"_id" json:"domain"`
		FederationURL   string     `bson:"federation_url" json:"federation_url"`
		ProtocolVersion string     `bson:"protocol_version,omitempty" json:"protocol_version,omitempty"`
		PublicKey       string     `bson:"public_key,omitempty" json:"public_key,omitempty"`
		Status          NodeStatus `bson:"status" json:"status"`
		LastSeen        time.Time  `bson:"last_seen,omitempty" json:"last_seen,omitempty"`
		AvgLatencyMS    int64      `bson:"avg_latency_ms,omitempty" json:"avg_latency_ms,omitempty"`
		FailureStreak   int        `bson:"failure_streak" json:"failure_streak"`
		AutoDiscovered  bool       `bson:"auto_discovered" json:"auto_discovered"`
		CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
		UpdatedAt       time.Time  `bson:"updated_at" json:"updated_at"`
	}
)
