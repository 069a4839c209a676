package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devscorehq/devscore/internal/api/response"
	"github.com/devscorehq/devscore/internal/orchestrator"
	"github.com/devscorehq/devscore/pkg/models"
)

// AnalysisService is the orchestrator surface the handlers depend on.
type AnalysisService interface {
	Submit(ctx context.Context, username string, addresses []string) (*models.AnalysisJob, bool, error)
	Status(ctx context.Context, username string) (*models.AnalysisJob, bool, error)
	MarkCredentialIssued(ctx context.Context, username string) (bool, error)
}

// NewAnalyzeHandler returns the handler for POST /api/v1/analyze-user.
// Submission is idempotent: repeat calls for a live job return 202 with the
// existing job and enqueue nothing.
func NewAnalyzeHandler(svc AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubjectKey string   `json:"subjectKey"`
			Username   string   `json:"username"`
			Addresses  []string `json:"addresses"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		username := req.SubjectKey
		if username == "" {
			username = req.Username
		}
		if username == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectKey is required", nil)
			return
		}

		job, _, err := svc.Submit(r.Context(), username, req.Addresses)
		if err != nil {
			if errors.Is(err, orchestrator.ErrBadSubmission) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to start analysis", nil)
			return
		}

		response.Accepted(w, statusPayload(job))
	}
}

// NewStatusHandler returns the handler for GET /api/v1/status/{subjectKey}.
// Pure read; polling never triggers side effects.
func NewStatusHandler(svc AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subjectKey := chi.URLParam(r, "subjectKey")

		job, found, err := svc.Status(r.Context(), subjectKey)
		if err != nil {
			if errors.Is(err, orchestrator.ErrBadSubmission) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load status", nil)
			return
		}
		if !found {
			response.Error(w, http.StatusNotFound, "NOT_FOUND",
				"No analysis found for this subject", nil)
			return
		}

		response.JSON(w, statusPayload(job))
	}
}

// NewCredentialStatusHandler returns the handler for
// POST /api/v1/update-credential-status: the idempotent marker used by a
// client that performed issuance itself.
func NewCredentialStatusHandler(svc AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubjectKey string `json:"subjectKey"`
			Status     string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.SubjectKey == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "subjectKey is required", nil)
			return
		}
		if req.Status != "ISSUED" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be ISSUED", nil)
			return
		}

		updated, err := svc.MarkCredentialIssued(r.Context(), req.SubjectKey)
		if err != nil {
			if errors.Is(err, orchestrator.ErrBadSubmission) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to update credential status", nil)
			return
		}
		if !updated {
			response.Error(w, http.StatusConflict, "NOT_READY",
				"Credential issuance is not ready for this subject", nil)
			return
		}

		response.JSON(w, map[string]any{"subjectKey": req.SubjectKey, "status": "ISSUED"})
	}
}

type statusResponse struct {
	SubjectKey          string             `json:"subjectKey"`
	Status              string             `json:"status"`
	Progress            map[string]string  `json:"progress"`
	UserData            *models.MergedData `json:"userData,omitempty"`
	Score               *models.Score      `json:"score,omitempty"`
	DeveloperWorth      *float64           `json:"developerWorth,omitempty"`
	Credential          *credentialPayload `json:"credential,omitempty"`
	ReadyForCredentials bool               `json:"readyForCredentials"`
}

type credentialPayload struct {
	CredentialHash string `json:"credentialHash"`
	CredentialID   string `json:"credentialId"`
	IssuerDID      string `json:"issuerDid"`
}

func statusPayload(job *models.AnalysisJob) statusResponse {
	resp := statusResponse{
		SubjectKey:          job.SubjectKey,
		Status:              job.OverallStatus(),
		Progress:            job.Stages,
		DeveloperWorth:      job.DeveloperWorth,
		Score:               job.Score,
		ReadyForCredentials: job.Stages[models.StageCredentialIssuing] == models.StageReady,
	}
	if job.MergedData.Github != nil || job.MergedData.Contracts != nil || job.MergedData.Onchain != nil {
		data := job.MergedData
		resp.UserData = &data
	}
	if job.Credential != nil {
		resp.Credential = &credentialPayload{
			CredentialHash: job.Credential.CredentialHash,
			CredentialID:   job.Credential.CredentialID,
			IssuerDID:      job.Credential.IssuerDID,
		}
	}
	return resp
}
