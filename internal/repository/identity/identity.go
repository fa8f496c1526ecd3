package identity

import (
	"context"
	"time"

	"mychat_node/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo is the identity store backed by mongo. Lookups return (nil, nil)
	// when no record matches.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("identities"),
	}
}

func (r *Repo) GetByHandle(ctx context.Context, localPart, domain string) (*model.Identity, error) {
	filter := bson.M{
		"local_part": localPart,
		"domain":     domain,
	}

	var identity model.Identity
	err := r.collection.FindOne(ctx, filter).Decode(&identity)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &identity, nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*model.Identity, error) {
	var identity model.Identity
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&identity)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &identity, nil
}

func (r *Repo) Create(ctx context.Context, identity *model.Identity) error {
	_, err := r.collection.InsertOne(ctx, identity)
	return err
}

// Upsert refreshes a federated identity record keyed by (local_part, domain),
// creating it on first resolution. Local identities never go through here.
func (r *Repo) Upsert(ctx context.Context, identity *model.Identity) error {
	filter := bson.M{
		"local_part": identity.LocalPart,
		"domain":     identity.Domain,
	}
	update := bson.M{
		"$set": bson.M{
			"public_key":  identity.PublicKey,
			"fingerprint": identity.Fingerprint,
			"is_local":    identity.IsLocal,
			"last_seen":   identity.LastSeen,
		},
		"$setOnInsert": bson.M{
			"_id":        identity.ID,
			"local_part": identity.LocalPart,
			"domain":     identity.Domain,
			"created_at": identity.CreatedAt,
		},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *Repo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_seen": at}})
	return err
}

func (r *Repo) CountLocal(ctx context.Context) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{"is_local": true})
}
