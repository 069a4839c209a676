package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/devscorehq/devscore/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface for durable records: partner API keys
// and archived analysis runs. Live analysis state lives in the progress
// store, not here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	ArchiveRun(ctx context.Context, run *models.AnalysisRun) error
	GetLatestRun(ctx context.Context, subjectKey string) (*models.AnalysisRun, error)
	ListRuns(ctx context.Context, subjectKey string, limit int) ([]*models.AnalysisRun, error)
}
