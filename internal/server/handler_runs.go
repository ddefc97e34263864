package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/forgeci/pkg/model"
)

// handleCreateRun ingests a run: one request carries the complete job
// graph, persisted all-or-nothing.
// POST /api/v1/runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var spec model.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	var fields []model.FieldError
	if spec.RepoID == "" {
		fields = append(fields, model.FieldError{Field: "repo_id", Message: "repo_id is required"})
	}
	if spec.WorkflowID == "" {
		fields = append(fields, model.FieldError{Field: "workflow_id", Message: "workflow_id is required"})
	}
	if len(spec.Jobs) == 0 {
		fields = append(fields, model.FieldError{Field: "jobs", Message: "at least one job is required"})
	}
	if len(fields) > 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", fields...))
		return
	}

	run, err := s.scheduler.CreateRun(r.Context(), &spec)
	if err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	respondCreated(w, reqID, run)
}

// handleListRuns returns runs, newest first, with optional status
// filtering and pagination.
// GET /api/v1/runs?status=RUNNING&limit=20&offset=0
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := listOptionsFromQuery(r)
	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(runs) < total,
	})
}

// handleGetRun returns a run with its jobs and job summary.
// GET /api/v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	jobs, err := s.store.ListJobsByRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	for _, j := range jobs {
		run.Jobs = append(run.Jobs, *j)
	}

	respondOK(w, reqID, map[string]any{
		"run":     run,
		"summary": model.ComputeJobSummary(run.Jobs),
	})
}

// handleCancelRun cancels a run and everything under it.
// PUT /api/v1/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.scheduler.CancelRun(r.Context(), id); err != nil {
		respondDomainError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"run_id": id, "status": model.StatusCancelled})
}

// handleApproveRun releases a run held for approval.
// PUT /api/v1/runs/{id}/approve
func (s *Server) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.scheduler.ApproveRun(r.Context(), id); err != nil {
		respondDomainError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"run_id": id, "approved": true})
}

// handleListJobs returns the jobs of a run.
// GET /api/v1/runs/{id}/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	jobs, err := s.store.ListJobsByRun(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, jobs)
}

// handleGetJob returns one job with its latest task attempt and steps.
// GET /api/v1/runs/{id}/jobs/{jid}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	runID := chi.URLParam(r, "id")
	jid := chi.URLParam(r, "jid")

	job, err := s.store.GetJob(r.Context(), jid)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if job == nil || job.RunID != runID {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", jid))
		return
	}

	out := map[string]any{"job": job}
	if task, err := s.store.GetLatestTask(r.Context(), jid); err == nil && task != nil {
		if steps, err := s.store.ListStepsByTask(r.Context(), task.ID); err == nil {
			for _, st := range steps {
				task.Steps = append(task.Steps, *st)
			}
		}
		out["task"] = task
	}
	respondOK(w, reqID, out)
}

// handleRerunJob creates a fresh attempt for a finished job.
// PUT /api/v1/runs/{id}/jobs/{jid}/rerun
func (s *Server) handleRerunJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	runID := chi.URLParam(r, "id")
	jid := chi.URLParam(r, "jid")

	if err := s.scheduler.RerunJob(r.Context(), runID, jid); err != nil {
		respondDomainError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"job_id": jid, "rerun": true})
}

func listOptionsFromQuery(r *http.Request) model.ListOptions {
	q := r.URL.Query()
	opts := model.ListOptions{
		Status: q.Get("status"),
	}
	opts.Limit = atoiDefault(q.Get("limit"), 20)
	opts.Offset = atoiDefault(q.Get("offset"), 0)
	opts.Clamp()
	return opts
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
