package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is used when the caller does not pick a queue name.
const DefaultQueue = "default"

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is one unit of background work.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Queue       string     `json:"queue"`
	Name        string     `json:"name"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      Status     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    *uuid.UUID `json:"locked_by,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeadTask is a task that exhausted its retries, kept for inspection and
// manual requeueing.
type DeadTask struct {
	ID         uuid.UUID `json:"id"`
	TaskID     uuid.UUID `json:"task_id"`
	Queue      string    `json:"queue"`
	Name       string    `json:"name"`
	Payload    []byte    `json:"payload,omitempty"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

// taskName derives the handler lookup key from a payload value, e.g.
// "publisher.UnreadChanged".
func taskName(payload any) string {
	name := fmt.Sprintf("%T", payload)
	return strings.TrimLeft(name, "*")
}
