package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Job kinds.
const (
	KindOverlay    = "overlay"
	KindSimilarity = "similarity"
)

// OverlayNoFaces is the exact stdout the overlay program writes when it finds
// no face to draw on.
var OverlayNoFaces = []byte("SUBPROCESS_MAGA_HAT: NO_FACES\n")

// Output is everything captured from one finished process.
type Output struct {
	Stdout []byte
	Stderr []byte
	// ExitCode is -1 when the process was killed by a signal.
	ExitCode int
	PID      int
	Duration time.Duration
	// StdoutTruncated is set when stdout exceeded the configured cap.
	StdoutTruncated bool
}

// OverlayResult is the decoded outcome of an overlay job.
type OverlayResult struct {
	Image   []byte `json:"image,omitempty"`
	NoFaces bool   `json:"no_faces"`
}

// Found reports whether the program produced an image.
func (r OverlayResult) Found() bool { return !r.NoFaces }

// Match is one entry of a similarity result.
type Match struct {
	Path       string `json:"path"`
	Similarity string `json:"similarity"`
}

// SimilarityResult is the decoded outcome of a similarity job.
type SimilarityResult struct {
	Matches []Match `json:"matches"`
}

// Found reports whether at least one match was returned.
func (r SimilarityResult) Found() bool { return len(r.Matches) > 0 }

// ErrUnexpectedOutput marks output that does not fit the kind's contract.
var ErrUnexpectedOutput = errors.New("unexpected output format")

// DecodeError wraps ErrUnexpectedOutput (or a parse error) and keeps the raw
// output for diagnosis.
type DecodeError struct {
	Kind   string
	Reason string
	Raw    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExecutionError is a failure reported by the process itself through its
// error stream or exit status.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("process exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("subprocess error (exit %d): %s", e.ExitCode, e.Stderr)
}

// ReportedError is an explicit {"error": "..."} answer from the similarity program.
type ReportedError struct {
	Message string
}

func (e *ReportedError) Error() string { return e.Message }
