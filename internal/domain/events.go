package domain

import "time"

// EventKind names a market notification.
type EventKind string

const (
	EventTaskCreated       EventKind = "TaskCreated"
	EventTaskStatusChanged EventKind = "TaskStatusChanged"
)

// Event is an observable market notification. Core logic never depends on
// its delivery.
type Event struct {
	Seq     int64      `json:"seq,omitempty"` // Assigned by the state store
	OpID    string     `json:"op_id"`
	Kind    EventKind  `json:"kind"`
	TaskID  uint64     `json:"task_id"`
	Status  TaskStatus `json:"status,omitempty"`  // TaskStatusChanged only
	Payload []byte     `json:"payload,omitempty"` // TaskCreated only: raw submission
	At      time.Time  `json:"at"`
}
