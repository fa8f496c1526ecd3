package node

import (
	"context"
	"time"

	"mychat_node/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type (
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("nodes"),
	}
}

func (r *Repo) Get(ctx context.Context, domain string) (*model.Node, error) {
	var n model.Node
	err := r.collection.FindOne(ctx, bson.M{"_id": domain}).Decode(&n)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &n, nil
}

func (r *Repo) Create(ctx context.Context, n *model.Node) error {
	_, err := r.collection.InsertOne(ctx, n)
	return err
}

// RecordSuccess marks a delivery success: status back to active, streak reset,
// last-seen and latency refreshed. Administratively blocked nodes are left
// untouched.
func (r *Repo) RecordSuccess(ctx context.Context, domain string, at time.Time, latencyMS int64) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": domain, "status": bson.M{"$ne": model.NodeBlocked}},
		bson.M{"$set": bson.M{
			"status":         model.NodeActive,
			"failure_streak": 0,
			"last_seen":      at,
			"avg_latency_ms": latencyMS,
			"updated_at":     at,
		}},
	)
	return err
}

// IncrementFailure bumps the consecutive-failure streak with a commutative
// $inc and returns the new streak value.
func (r *Repo) IncrementFailure(ctx context.Context, domain string, at time.Time) (int, error) {
	var n model.Node
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": domain},
		bson.M{
			"$inc": bson.M{"failure_streak": 1},
			"$set": bson.M{"updated_at": at},
		},
	).Decode(&n)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	// FindOneAndUpdate returns the pre-update document.
	return n.FailureStreak + 1, nil
}

// MarkOffline flips an active node to offline. Blocked stays blocked.
func (r *Repo) MarkOffline(ctx context.Context, domain string, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": domain, "status": model.NodeActive},
		bson.M{"$set": bson.M{"status": model.NodeOffline, "updated_at": at}},
	)
	return err
}

// SetStatus is the administrative override, used to block and unblock peers.
func (r *Repo) SetStatus(ctx context.Context, domain string, status model.NodeStatus, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": domain},
		bson.M{"$set": bson.M{"status": status, "updated_at": at}},
	)
	return err
}

func (r *Repo) UpdateDiscovery(ctx context.Context, domain, federationURL, version, publicKey string, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": domain},
		bson.M{"$set": bson.M{
			"federation_url":   federationURL,
			"protocol_version": version,
			"public_key":       publicKey,
			"updated_at":       at,
		}},
	)
	return err
}

func (r *Repo) CountActive(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"status": model.NodeActive})
}
