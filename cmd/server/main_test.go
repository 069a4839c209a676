package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscorehq/devscore/internal/progress"
	"github.com/devscorehq/devscore/internal/store"
	"github.com/devscorehq/devscore/pkg/models"
)

type testStore struct {
	pingErr error
}

func (s *testStore) Ping(_ context.Context) error { return s.pingErr }
func (s *testStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (s *testStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (s *testStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error    { return nil }
func (s *testStore) ListAPIKeys(_ context.Context) ([]*models.APIKey, error)   { return nil, nil }
func (s *testStore) RevokeAPIKey(_ context.Context, _ uuid.UUID) error         { return nil }
func (s *testStore) ArchiveRun(_ context.Context, _ *models.AnalysisRun) error { return nil }
func (s *testStore) GetLatestRun(_ context.Context, _ string) (*models.AnalysisRun, error) {
	return nil, store.ErrNotFound
}
func (s *testStore) ListRuns(_ context.Context, _ string, _ int) ([]*models.AnalysisRun, error) {
	return nil, nil
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	h := healthHandler(&testStore{}, progress.NewMemoryStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "ok", env.Data["status"])
	services, ok := env.Data["services"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", services["database"])
	assert.Equal(t, "ok", services["redis"])
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	h := healthHandler(&testStore{pingErr: errors.New("connection refused")}, progress.NewMemoryStore())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
