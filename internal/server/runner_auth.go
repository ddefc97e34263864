package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/me/forgeci/internal/token"
	"github.com/me/forgeci/pkg/model"
)

const ctxKeyRunner ctxKey = "runner"

// RunnerFromContext extracts the authenticated runner from request
// context.
func RunnerFromContext(ctx context.Context) *model.Runner {
	if r, ok := ctx.Value(ctxKeyRunner).(*model.Runner); ok {
		return r
	}
	return nil
}

// runnerAuth authenticates runner-scoped endpoints with the bearer
// token issued at registration. Only the token's digest is stored; the
// raw value is compared in constant time.
func (s *Server) runnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := RequestIDFromContext(r.Context())
		id := chi.URLParam(r, "id")

		raw := bearerToken(r)
		if raw == "" {
			respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
				Code:    model.ErrUnauthorized,
				Message: "runner authentication required (Authorization: Bearer)",
			})
			return
		}

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

		if !token.Verify(raw, runner.TokenDigest) {
			s.logger.Warn("invalid runner token", "runner_id", id)
			respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
				Code:    model.ErrUnauthorized,
				Message: "invalid runner token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyRunner, runner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
