package task

import (
	"context"
	"time"

	"mychat_node/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("delivery_tasks"),
	}
}

func (r *Repo) Create(ctx context.Context, t *model.DeliveryTask) error {
	_, err := r.collection.InsertOne(ctx, t)
	return err
}

func (r *Repo) GetByID(ctx context.Context, id string) (*model.DeliveryTask, error) {
	var t model.DeliveryTask
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// GetOutstanding returns the pending task for a (message, node) pair, so the
// queue keeps at most one task per pair while delivery is outstanding.
func (r *Repo) GetOutstanding(ctx context.Context, messageID, targetNode string) (*model.DeliveryTask, error) {
	var t model.DeliveryTask
	filter := bson.M{
		"message_id":  messageID,
		"target_node": targetNode,
		"status":      model.TaskPending,
	}
	err := r.collection.FindOne(ctx, filter).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// ClaimNext atomically claims the due pending task with the smallest
// next_attempt_at. The claim pushes next_attempt_at forward by the lease
// interval inside the same FindOneAndUpdate, so two workers can never hold
// the same task: whichever update lands second no longer matches the filter
// or sees a later schedule. The returned document is the pre-claim state.
func (r *Repo) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*model.DeliveryTask, error) {
	filter := bson.M{
		"status":          model.TaskPending,
		"next_attempt_at": bson.M{"$lte": now},
	}
	update := bson.M{
		"$set": bson.M{"next_attempt_at": now.Add(lease)},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
		SetReturnDocument(options.Before)

	var t model.DeliveryTask
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func (r *Repo) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.TaskPending},
		bson.M{"$set": bson.M{"status": model.TaskSent, "next_attempt_at": at}},
	)
	return err
}

func (r *Repo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.TaskPending},
		bson.M{"$set": bson.M{
			"status":     model.TaskFailed,
			"attempts":   attempts,
			"last_error": lastError,
		}},
	)
	return err
}

// Reschedule records a failed attempt and its computed retry time; the task
// stays pending.
func (r *Repo) Reschedule(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.TaskPending},
		bson.M{"$set": bson.M{
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		}},
	)
	return err
}

// CountLivePeers counts tasks for a message, other than the given one, that
// could still succeed. Used before failing a message terminally.
func (r *Repo) CountLivePeers(ctx context.Context, messageID, excludeTaskID string) (int64, error) {
	return r.collection.CountDocuments(ctx, bson.M{
		"message_id": messageID,
		"_id":        bson.M{"$ne": excludeTaskID},
		"status":     bson.M{"$in": bson.A{model.TaskPending, model.TaskSent}},
	})
}
