package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/duzhobots/facequeue/internal/engine"
	"github.com/duzhobots/facequeue/internal/joblog"
	"github.com/duzhobots/facequeue/internal/protocol"
	"github.com/duzhobots/facequeue/internal/queue"
)

// SubmitterHeader identifies the end user a job is submitted for.
const SubmitterHeader = "X-Submitter-ID"

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	kinds := s.jobs.Status()
	status := "ok"
	for _, st := range kinds {
		if st.Closed {
			status = "shutting_down"
		}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Kinds:         kinds,
	})
}

// handleSubmit handles POST /jobs/{kind}. The raw request body is the image.
// The call blocks until the job finishes or the client goes away.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	submitter := strings.TrimSpace(r.Header.Get(SubmitterHeader))
	if submitter == "" {
		s.writeError(w, http.StatusBadRequest, SubmitterHeader+" header is required")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	res, err := s.jobs.Submit(r.Context(), kind, payload, submitter)
	outcome := engine.ClassifyResult(res, err)

	var reported *protocol.ReportedError
	switch {
	case err == nil:
		resp := SubmitResponse{JobID: res.JobID, Kind: kind, Outcome: outcome, Found: res.Found()}
		if res.Overlay != nil {
			resp.Image = res.Overlay.Image
		}
		if res.Similarity != nil {
			resp.Matches = res.Similarity.Matches
		}
		respondJSON(w, http.StatusOK, resp)
	case errors.As(err, &reported):
		s.logger.Warn("job failed", "kind", kind, "submitter", submitter, "error", err)
		s.writeOutcome(w, http.StatusBadGateway, reported.Message, outcome)
	case errors.Is(err, engine.ErrUnknownKind):
		s.writeOutcome(w, http.StatusNotFound, "unknown kind", outcome)
	case outcome == engine.OutcomeBusy:
		s.writeOutcome(w, http.StatusConflict, "a job of this kind is already pending for this submitter", outcome)
	case outcome == engine.OutcomeUnavailable:
		s.writeOutcome(w, http.StatusServiceUnavailable, "shutting down", outcome)
	case r.Context().Err() != nil:
		s.logger.Debug("client went away before job finished", "kind", kind, "submitter", submitter)
	default:
		s.logger.Warn("job failed", "kind", kind, "submitter", submitter, "error", err)
		s.writeOutcome(w, http.StatusBadGateway, err.Error(), outcome)
	}
}

// handleListJobs handles GET /jobs?kind=&submitter=&status=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.log.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []joblog.Entry{}
	}
	respondJSON(w, http.StatusOK, JobListResponse{Jobs: jobs})
}

// handleExportJobs handles GET /jobs/export.xlsx with the same filters as /jobs.
func (s *Server) handleExportJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var buf bytes.Buffer
	if _, err := s.log.ExportXLSX(r.Context(), &buf, f); err != nil {
		s.logger.Error("failed to export jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to export jobs")
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="jobs.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleGetJob handles GET /job/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.log.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, joblog.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.jobs.Kinds()))
}

func parseFilter(r *http.Request) (joblog.Filter, error) {
	q := r.URL.Query()
	f := joblog.Filter{
		Kind:      q.Get("kind"),
		Submitter: q.Get("submitter"),
		Status:    queue.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Terminal() {
		return f, errors.New("status must be succeeded, failed or timed_out")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (s *Server) writeOutcome(w http.ResponseWriter, statusCode int, message string, outcome engine.Outcome) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Outcome: outcome})
}
