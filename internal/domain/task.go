// Package domain holds the marketplace types, sentinel errors and collaborator interfaces.
// A Task is a unit of proof computation that flows through the market:
// submit → take → verify → (settle | slash) → claim.
package domain

import "time"

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskSubmitted       TaskStatus = "SUBMITTED"
	TaskAssigned        TaskStatus = "ASSIGNED"
	TaskVerifiedSuccess TaskStatus = "VERIFIED_SUCCESS"
	TaskVerifiedFailed  TaskStatus = "VERIFIED_FAILED"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskSubmitted, TaskAssigned, TaskVerifiedSuccess, TaskVerifiedFailed:
		return true
	}
	return false
}

// Submission is the logical payload a client posts to create a task.
type Submission struct {
	Price     Amount    `json:"price"`
	Deadline  time.Time `json:"deadline"`
	URL       string    `json:"url"`
	VK        string    `json:"vk"`
	Protocol  string    `json:"protocol"`
	InputData []byte    `json:"input_data"`
}

// Task is a posted proof-computation job.
type Task struct {
	ID        uint64     `json:"id"`
	URL       string     `json:"url"`
	VK        string     `json:"vk"`
	Protocol  string     `json:"protocol"`
	Asset     AssetID    `json:"asset"` // Frozen at submission
	Client    Address    `json:"client"`
	Miner     Address    `json:"miner,omitempty"` // Empty until ASSIGNED
	Price     Amount     `json:"price"`
	Deadline  time.Time  `json:"deadline"`
	Status    TaskStatus `json:"status"`
	InputData []byte     `json:"input_data"`
	Proof     []byte     `json:"proof,omitempty"` // Empty until VERIFIED_SUCCESS
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskVerifiedSuccess || t.Status == TaskVerifiedFailed
}

// Collateral is the amount a miner locks to take the task: half the price,
// rounded down.
func (t *Task) Collateral() Amount {
	return t.Price / 2
}

// Compensation is what the winning party receives on settlement:
// the escrowed price plus the miner's collateral.
func (t *Task) Compensation() Amount {
	return t.Price + t.Collateral()
}

// Clone returns a deep copy safe to hand out of a store.
func (t Task) Clone() Task {
	t.InputData = append([]byte(nil), t.InputData...)
	if t.Proof != nil {
		t.Proof = append([]byte(nil), t.Proof...)
	}
	return t
}

// TaskFilter narrows task listings. Zero fields match everything.
type TaskFilter struct {
	Status TaskStatus
	Client Address
	Miner  Address
	Limit  int
}

// Match reports whether t satisfies the filter.
func (f TaskFilter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Client != "" && t.Client != f.Client {
		return false
	}
	if f.Miner != "" && t.Miner != f.Miner {
		return false
	}
	return true
}
