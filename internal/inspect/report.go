// Package inspect renders a single job's audit record together with the
// worker session it ran in.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/duzhobots/facequeue/internal/joblog"
)

// maxSessionJobs bounds how much of a worker session is pulled in.
const maxSessionJobs = 200

// Source is the read side of the job log.
type Source interface {
	Get(ctx context.Context, id string) (*joblog.Entry, error)
	Recent(ctx context.Context, f joblog.Filter) ([]joblog.Entry, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	Job joblog.Entry `json:"job"`
	// Position is the job's 1-based index among the jobs its worker ran.
	Position int    `json:"position"`
	Session  []Step `json:"session"`
}

// Step is one job in the worker session, oldest first.
type Step struct {
	JobID      string `json:"job_id"`
	Submitter  string `json:"submitter"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Current    bool   `json:"current,omitempty"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := gatherReportData(ctx, src, jobID)
	if err != nil {
		return "", err
	}
	job := report.Job

	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", job.ID)
	fmt.Fprintf(&out, "Kind        : %s\n", job.Kind)
	fmt.Fprintf(&out, "Submitter   : %s\n", job.Submitter)
	fmt.Fprintf(&out, "Status      : %s\n", job.Status)
	fmt.Fprintf(&out, "Worker      : %s (pid %s)\n", renderUnset(job.WorkerID, "<none>"), renderPID(job.PID))
	fmt.Fprintf(&out, "Exit code   : %s\n", renderExit(job.ExitCode))
	fmt.Fprintf(&out, "Payload     : %d bytes\n", job.PayloadBytes)
	fmt.Fprintf(&out, "Output      : %d bytes\n", job.OutputBytes)
	fmt.Fprintf(&out, "Enqueued    : %s\n", job.EnqueuedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Waited      : %s\n", job.StartedAt.Sub(job.EnqueuedAt).Round(time.Millisecond))
	fmt.Fprintf(&out, "Ran         : %s\n", job.Duration().Round(time.Millisecond))
	if job.LastError != nil {
		fmt.Fprintf(&out, "Error       : %s\n", *job.LastError)
	}
	if job.Stderr != nil && strings.TrimSpace(*job.Stderr) != "" {
		fmt.Fprintf(&out, "Stderr      :\n")
		for _, line := range strings.Split(strings.TrimRight(*job.Stderr, "\n"), "\n") {
			fmt.Fprintf(&out, "  | %s\n", line)
		}
	}

	if len(report.Session) > 0 {
		fmt.Fprintf(&out, "\nWorker session (%d jobs, this is #%d)\n", len(report.Session), report.Position)
		for i, step := range report.Session {
			marker := " "
			if step.Current {
				marker = ">"
			}
			fmt.Fprintf(&out, "%s [%d] %s  %-9s %6dms  by %s\n",
				marker, i+1, step.JobID, step.Status, step.DurationMS, step.Submitter)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := gatherReportData(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	job, err := src.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	report := &Report{Job: *job, Session: make([]Step, 0)}
	// Jobs that never reached a worker have no session.
	if job.WorkerID == "" {
		return report, nil
	}

	siblings, err := src.Recent(ctx, joblog.Filter{Kind: job.Kind, WorkerID: job.WorkerID, Limit: maxSessionJobs})
	if err != nil {
		return nil, fmt.Errorf("load worker session: %w", err)
	}
	slices.SortFunc(siblings, func(a, b joblog.Entry) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	for i, e := range siblings {
		step := Step{
			JobID:      e.ID,
			Submitter:  e.Submitter,
			Status:     string(e.Status),
			DurationMS: e.Duration().Milliseconds(),
			Current:    e.ID == job.ID,
		}
		if step.Current {
			report.Position = i + 1
		}
		report.Session = append(report.Session, step)
	}
	return report, nil
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func renderPID(pid int) string {
	if pid == 0 {
		return "?"
	}
	return fmt.Sprintf("%d", pid)
}

func renderExit(code *int) string {
	if code == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d", *code)
}
