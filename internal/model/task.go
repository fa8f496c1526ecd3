package model

import "time"

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskSent    TaskStatus = "sent"
	TaskFailed  TaskStatus = "failed"
)

type (
	// DeliveryTask is one outstanding obligation to deliver one message to one
	// remote node. Attempts never exceed MaxAttempts; at the ceiling the task
	// is terminally failed. NextAttemptAt doubles as the claim lease: claiming
	// a task pushes it forward so no other worker picks the task up while an
	// attempt is in flight.
	DeliveryTask struct {
		ID            string     `bson:"_id" json:"id"`
		MessageID     string     `bson:"message_id" json:"message_id"`
		TargetNode    string     `bson:"target_node" json:"target_node"`
		Status        TaskStatus `bson:"status" json:"status"`
		Attempts      int        `bson:"attempts" json:"attempts"`
		MaxAttempts   int        `bson:"max_attempts" json:"max_attempts"`
		NextAttemptAt time.Time  `bson:"next_attempt_at" json:"next_attempt_at"`
		LastError     string     `bson:"last_error,omitempty" json:"last_error,omitempty"`
		CreatedAt     time.Time  `bson:"created_at" json:"created_at"`
	}
)
