package api

import (
	"github.com/duzhobots/facequeue/internal/engine"
	"github.com/duzhobots/facequeue/internal/joblog"
	"github.com/duzhobots/facequeue/internal/protocol"
)

// SubmitResponse is returned by POST /jobs/{kind} when the job produced an
// answer. Image is base64 in JSON.
type SubmitResponse struct {
	JobID   string           `json:"job_id"`
	Kind    string           `json:"kind"`
	Outcome engine.Outcome   `json:"outcome"`
	Found   bool             `json:"found"`
	Image   []byte           `json:"image,omitempty"`
	Matches []protocol.Match `json:"matches,omitempty"`
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs []joblog.Entry `json:"jobs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error   string         `json:"error"`
	Outcome engine.Outcome `json:"outcome,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                       `json:"status"`
	UptimeSeconds int64                        `json:"uptime_seconds"`
	Kinds         map[string]engine.LaneStatus `json:"kinds"`
}
