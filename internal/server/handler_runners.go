package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/forgeci/internal/token"
	"github.com/me/forgeci/pkg/model"
)

// handleRegisterRunner creates a runner record and issues its bearer
// token. The raw token appears only in this response; the server keeps
// the digest.
// POST /api/v1/runners
func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Name      string   `json:"name"`
		RepoID    string   `json:"repo_id"`
		OwnerID   string   `json:"owner_id"`
		Labels    []string `json:"labels"`
		Capacity  int      `json:"capacity"`
		Ephemeral bool     `json:"ephemeral"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "name", Message: "name is required"}))
		return
	}
	if req.RepoID != "" && req.OwnerID != "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("a runner is repo-scoped, owner-scoped, or global; not both"))
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}

	raw, err := token.New()
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	now := time.Now().UTC()
	runner := &model.Runner{
		ID:            "rnr_" + uuid.New().String(),
		Name:          req.Name,
		RepoID:        req.RepoID,
		OwnerID:       req.OwnerID,
		Labels:        req.Labels,
		Ephemeral:     req.Ephemeral,
		Capacity:      req.Capacity,
		State:         model.RunnerStateOnline,
		TokenDigest:   token.Digest(raw),
		LastHeartbeat: &now,
		RegisteredAt:  now,
	}
	if runner.Labels == nil {
		runner.Labels = []string{}
	}

	if err := s.store.CreateRunner(r.Context(), runner); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	s.logger.Info("runner registered",
		"id", runner.ID, "name", runner.Name, "scope", runner.Scope(),
		"labels", runner.Labels, "ephemeral", runner.Ephemeral)

	respondCreated(w, reqID, map[string]any{
		"runner": runner,
		"token":  raw,
	})
}

// handleListRunners returns all registered runners.
// GET /api/v1/runners
func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	runners, err := s.store.ListRunners(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	out := runners[:0]
	for _, rn := range runners {
		if rn.State != model.RunnerStateDeleted {
			out = append(out, rn)
		}
	}
	respondOK(w, reqID, out)
}

// handleGetRunner returns one runner.
// GET /api/v1/runners/{id}
func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	runner, err := s.store.GetRunner(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if runner == nil || runner.State == model.RunnerStateDeleted {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("runner", id))
		return
	}
	respondOK(w, reqID, runner)
}

// handleDeleteRunner soft-deletes a runner. Its in-flight tasks are
// recovered by lease expiry.
// DELETE /api/v1/runners/{id}
func (s *Server) handleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	runner, err := s.store.GetRunner(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}
	if runner == nil || runner.State == model.RunnerStateDeleted {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("runner", id))
		return
	}

	runner.State = model.RunnerStateDeleted
	if err := s.store.UpdateRunner(r.Context(), runner); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	s.logger.Info("runner deleted", "id", id)
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

// handleRunnerHeartbeat refreshes the runner's liveness timestamp.
// PUT /api/v1/runners/{id}/heartbeat
func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	runner := RunnerFromContext(r.Context())

	if err := s.scheduler.Heartbeat(r.Context(), runner); err != nil {
		respondError(w, reqID, http.StatusInternalServerError,
			model.NewInternalError(err.Error()))
		return
	}

	respondOK(w, reqID, map[string]any{
		"runner_id": runner.ID,
		"state":     runner.State,
	})
}

// handleLease claims a task for the runner. The request long-polls:
// when nothing matches it waits for a work signal up to the lease-wait
// window before answering 204 No Content.
// POST /api/v1/runners/{id}/lease
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	runner := RunnerFromContext(r.Context())

	deadline := time.NewTimer(s.leaseWait)
	defer deadline.Stop()

	for {
		wake := s.notifier.WorkSignal()

		task, raw, err := s.scheduler.Lease(r.Context(), runner)
		if err != nil {
			respondError(w, reqID, http.StatusInternalServerError,
				model.NewInternalError(err.Error()))
			return
		}
		if task != nil {
			respondOK(w, reqID, map[string]any{
				"task":        task,
				"lease_token": raw,
			})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-wake:
			// New work was enqueued; try again.
		}
	}
}
