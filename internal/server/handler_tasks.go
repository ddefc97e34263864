package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/forgeci/pkg/model"
)

// handleGetTask returns a task with its steps.
// GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}

	steps, err := s.store.ListStepsByTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	for _, st := range steps {
		task.Steps = append(task.Steps, *st)
	}
	respondOK(w, reqID, task)
}

// handleGetTaskLogs returns the per-step log excerpts of a task.
// GET /api/v1/tasks/{id}/logs
func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if task == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("task", id))
		return
	}

	steps, err := s.store.ListStepsByTask(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	type stepLog struct {
		Index   int          `json:"index"`
		Name    string       `json:"name"`
		Status  model.Status `json:"status"`
		Offset  int64        `json:"log_offset"`
		Length  int64        `json:"log_length"`
		Excerpt string       `json:"log_excerpt"`
	}
	logs := make([]stepLog, 0, len(steps))
	for _, st := range steps {
		logs = append(logs, stepLog{
			Index:   st.Index,
			Name:    st.Name,
			Status:  st.Status,
			Offset:  st.LogOffset,
			Length:  st.LogLength,
			Excerpt: st.LogExcerpt,
		})
	}
	respondOK(w, reqID, map[string]any{"task_id": id, "steps": logs})
}

// handleReportStep records a runner's step progress. A 409 here tells
// the runner its lease no longer backs a running task and it should
// abandon the work.
// PUT /api/v1/tasks/{id}/steps/{index}
func (s *Server) handleReportStep(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("step index must be an integer"))
		return
	}

	var req struct {
		Status model.Status `json:"status"`
		Log    string       `json:"log"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	raw := bearerToken(r)
	if err := s.scheduler.ReportStep(r.Context(), id, raw, index, req.Status, req.Log); err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{"task_id": id, "index": index, "status": req.Status})
}

// handleCompleteTask records a runner's final verdict.
// PUT /api/v1/tasks/{id}/complete
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Status model.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	raw := bearerToken(r)
	if err := s.scheduler.CompleteTask(r.Context(), id, raw, req.Status); err != nil {
		respondDomainError(w, reqID, err)
		return
	}

	respondOK(w, reqID, map[string]any{"task_id": id, "status": req.Status})
}
