package queue

import (
	"fmt"
	"time"
)

// Status is the command lifecycle state stored in the queue. Transitions are
// monotonic: pending → processing → {completed, error}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether a status ends the command lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Command is one queued user instruction.
type Command struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CommandText string    `json:"command_text"`
	Status      Status    `json:"status"`
	ResponseLog *string   `json:"response_log,omitempty"`
	ImageURL    *string   `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AdapterError wraps a queue or storage I/O failure after retries were
// exhausted. The dispatcher converts it into an error-status finalize so the
// command never sticks in processing.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("queue adapter: %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
