package model

import "time"

// OperationStatus represents the lifecycle state of a tracked operation.
type OperationStatus string

const (
	OperationRunning OperationStatus = "running"
	OperationDone    OperationStatus = "done"
	OperationFailed  OperationStatus = "failed"
)

// Progress counts completed sub-items of a multi-item operation.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Operation is a user-triggered long-running action, distinct from a
// pipeline run. ChatMessageID references the linked timeline message by id
// only; the operation does not own it.
type Operation struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Label         string          `json:"label"`
	StartedAt     time.Time       `json:"started_at"`
	Status        OperationStatus `json:"status"`
	Progress      *Progress       `json:"progress,omitempty"`
	ChatMessageID string          `json:"chat_message_id,omitempty"`
}
