package model

import "time"

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

type (
	// Message is one encrypted message record. The payload is opaque to this
	// node; it is encrypted by the sending client before it ever arrives here.
	// Handle snapshots are captured at send time and never updated afterwards;
	// routing always goes through live identity resolution instead.
	Message struct {
		ID          string `bson:"_id" json:"id"`
		SenderID    string `bson:"sender_id" json:"sender_id"`
		RecipientID string `bson:"recipient_id,omitempty" json:"recipient_id,omitempty"`
		GroupID     string `bson:"group_id,omitempty" json:"group_id,omitempty"`

		Payload     []byte `bson:"payload" json:"payload"`
		PayloadSize int    `bson:"payload_size" json:"payload_size"`
		ContentType string `bson:"content_type" json:"content_type"`

		SenderHandle    string `bson:"sender_handle" json:"sender_handle"`
		RecipientHandle string `bson:"recipient_handle,omitempty" json:"recipient_handle,omitempty"`
		OriginNode      string `bson:"origin_node" json:"origin_node"`

		Status      MessageStatus `bson:"status" json:"status"`
		CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
		DeliveredAt time.Time     `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
		ReadAt      time.Time     `bson:"read_at,omitempty" json:"read_at,omitempty"`
	}
)

type targetKind int

const (
	targetNone targetKind = iota
	targetDirect
	targetGroup
)

// Target names where a message goes: exactly one of a direct recipient handle
// or a group. The zero Target is invalid; construction goes through
// DirectTarget or GroupTarget so the exclusive-or holds at the type level.
type Target struct {
	kind  targetKind
	value string
}

func DirectTarget(handle string) Target {
	return Target{kind: targetDirect, value: handle}
}

func GroupTarget(groupID string) Target {
	return Target{kind: targetGroup, value: groupID}
}

// Direct returns the recipient handle if this is a direct target.
func (t Target) Direct() (string, bool) {
	return t.value, t.kind == targetDirect
}

// Group returns the group identifier if this is a group target.
func (t Target) Group() (string, bool) {
	return t.value, t.kind == targetGroup
}

func (t Target) IsZero() bool {
	return t.kind == targetNone || t.value == ""
}
