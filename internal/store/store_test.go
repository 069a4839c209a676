package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/devscorehq/devscore/internal/store"
	"github.com/devscorehq/devscore/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a
// connected store.
func setupTestDB(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("devscore_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return store.NewPostgresStore(pool)
}

func newAPIKey(name, prefix string) *models.APIKey {
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   "$2a$10$abcdefghijklmnopqrstuvwxyz012345678901234567890123456",
		KeyPrefix: prefix,
		Scopes:    []string{"analyze", "status"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newRun(subjectKey string, startedAt time.Time) *models.AnalysisRun {
	total, web2, web3 := 312.5, 88.0, 52.5
	hash := "0xhash"
	merged, _ := json.Marshal(map[string]any{"github": map[string]any{"username": subjectKey}})
	return &models.AnalysisRun{
		ID:             uuid.New(),
		SubjectKey:     subjectKey,
		Status:         models.StatusCompleted,
		TotalScore:     &total,
		Web2Total:      &web2,
		Web3Total:      &web3,
		CredentialHash: &hash,
		MergedData:     merged,
		StartedAt:      startedAt,
		FinishedAt:     startedAt.Add(time.Minute),
	}
}

// --- API keys ---

func TestAPIKeyLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()

	key := newAPIKey("partner-a", "dsk_abcd")
	require.NoError(t, s.CreateAPIKey(ctx, key))

	found, err := s.GetAPIKeyByPrefix(ctx, "dsk_abcd")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, key.ID, found[0].ID)
	assert.Equal(t, []string{"analyze", "status"}, found[0].Scopes)
	assert.Nil(t, found[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	found, err = s.GetAPIKeyByPrefix(ctx, "dsk_abcd")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.NotNil(t, found[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	found, err = s.GetAPIKeyByPrefix(ctx, "dsk_abcd")
	require.NoError(t, err)
	assert.Empty(t, found, "revoked keys must not resolve")

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)
}

func TestGetAPIKeyByPrefix_SharedPrefix(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAPIKey(ctx, newAPIKey("partner-a", "dsk_same")))
	require.NoError(t, s.CreateAPIKey(ctx, newAPIKey("partner-b", "dsk_same")))

	found, err := s.GetAPIKeyByPrefix(ctx, "dsk_same")
	require.NoError(t, err)
	assert.Len(t, found, 2, "prefix lookup returns all candidates for hash comparison")
}

func TestListAPIKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAPIKey(ctx, newAPIKey("partner-a", "dsk_aaaa")))
	require.NoError(t, s.CreateAPIKey(ctx, newAPIKey("partner-b", "dsk_bbbb")))

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

// --- Analysis runs ---

func TestArchiveRun_AndGetLatest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()

	older := newRun("alnew", time.Now().UTC().Add(-2*time.Hour))
	newer := newRun("alnew", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, s.ArchiveRun(ctx, older))
	require.NoError(t, s.ArchiveRun(ctx, newer))

	latest, err := s.GetLatestRun(ctx, "alnew")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
	require.NotNil(t, latest.TotalScore)
	assert.Equal(t, 312.5, *latest.TotalScore)
	assert.JSONEq(t, string(newer.MergedData), string(latest.MergedData))
}

func TestArchiveRun_DuplicateStartIsRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()

	startedAt := time.Now().UTC().Truncate(time.Microsecond)
	first := newRun("alnew", startedAt)
	duplicate := newRun("alnew", startedAt)

	require.NoError(t, s.ArchiveRun(ctx, first))
	assert.ErrorIs(t, s.ArchiveRun(ctx, duplicate), store.ErrDuplicateKey,
		"two terminal callbacks for the same run must archive once")
}

func TestGetLatestRun_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)

	_, err := s.GetLatestRun(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.ArchiveRun(ctx, newRun("alnew", base.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, s.ArchiveRun(ctx, newRun("someone-else", base)))

	runs, err := s.ListRuns(ctx, "alnew", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].FinishedAt.After(runs[1].FinishedAt), "runs are newest first")
}
