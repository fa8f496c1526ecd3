package message

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
		collection: db.Collection("messages"),
	}
}

func (r *Repo) Create(ctx context.Context, msg *model.Message) error {
	_, err := r.collection.InsertOne(ctx, msg)
	return err
}

func (r *Repo) GetByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &msg, nil
}

// MarkDelivered transitions pending -> delivered. The status filter makes the
// update a no-op once the message has moved on, so late worker reports after
// a terminal state never rewind it.
func (r *Repo) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, id, model.MessagePending, bson.M{
		"status":       model.MessageDelivered,
		"delivered_at": at,
	})
}

// MarkRead transitions delivered -> read.
func (r *Repo) MarkRead(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.transition(ctx, id, model.MessageDelivered, bson.M{
		"status":  model.MessageRead,
		"read_at": at,
	})
}

// MarkFailed transitions pending -> failed.
func (r *Repo) MarkFailed(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx, id, model.MessagePending, bson.M{
		"status": model.MessageFailed,
	})
}

func (r *Repo) transition(ctx context.Context, id string, from model.MessageStatus, set bson.M) (bool, error) {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

// Delete removes a message record. Only used to roll back a half-committed
// send when its delivery task cannot be created; retention is otherwise an
// external concern and messages are never deleted here.
func (r *Repo) Delete(ctx context.Context, id string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// Conversation returns messages exchanged between two identities in either
// direction, newest first. A non-zero before bounds the page to strictly
// older messages, which keeps pagination stable while new messages arrive.
func (r *Repo) Conversation(ctx context.Context, aID, bID string, limit int, before time.Time) ([]*model.Message, error) {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"sender_id": aID, "recipient_id": bID},
			bson.M{"sender_id": bID, "recipient_id": aID},
		},
	}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*model.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}
