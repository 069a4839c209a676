package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devscorehq/devscore/internal/api/response"
	"github.com/devscorehq/devscore/internal/orchestrator"
	"github.com/devscorehq/devscore/internal/store"
)

// NewLatestRunHandler returns the handler for GET /api/v1/runs/{subjectKey}:
// the most recent archived run for a subject, surviving the progress TTL.
func NewLatestRunHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectKey, err := orchestrator.NormalizeSubjectKey(chi.URLParam(r, "subjectKey"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		run, err := s.GetLatestRun(r.Context(), subjectKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND",
					"No archived runs for this subject", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load run", nil)
			return
		}

		response.JSON(w, run)
	}
}
