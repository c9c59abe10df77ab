// Package models defines the persisted records of the script execution service.
package models

import "time"

// ExecutionStatus represents the current state of a queued execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusQueued, ExecutionStatusRunning, ExecutionStatusSucceeded, ExecutionStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSucceeded || s == ExecutionStatusFailed
}

// Execution is a script submitted for asynchronous execution.
type Execution struct {
	ID          string          `json:"id"`
	Filename    string          `json:"filename"`
	Code        string          `json:"code,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ExecutionJob is the queue payload referencing an execution.
type ExecutionJob struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	CreatedAt   time.Time `json:"created_at"`
	// Retries is the number of earlier deliveries that were nacked.
	// It is filled in by the queue on dequeue and never serialized.
	Retries int `json:"-"`
}
