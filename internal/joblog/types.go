package joblog

import (
	"time"

	"github.com/duzhobots/facequeue/internal/queue"
)

// Entry is the audit record of one finished job.
type Entry struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	Submitter    string       `json:"submitter"`
	Status       queue.Status `json:"status"`
	WorkerID     string       `json:"worker_id"`
	PID          int          `json:"pid,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	PayloadBytes int          `json:"payload_bytes"`
	OutputBytes  int          `json:"output_bytes"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at"`
	LastError    *string      `json:"last_error,omitempty"`
	Stderr       *string      `json:"stderr,omitempty"`
}

// Duration is the wall time the job spent running.
func (e Entry) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Filter narrows Recent results. Zero values mean no filter.
type Filter struct {
	Kind      string
	Submitter string
	WorkerID  string
	Status    queue.Status
	Limit     int
}
