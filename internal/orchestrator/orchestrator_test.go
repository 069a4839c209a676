package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscorehq/devscore/internal/config"
	"github.com/devscorehq/devscore/internal/credential"
	"github.com/devscorehq/devscore/internal/orchestrator"
	"github.com/devscorehq/devscore/internal/progress"
	"github.com/devscorehq/devscore/internal/queue"
	"github.com/devscorehq/devscore/internal/score"
	"github.com/devscorehq/devscore/pkg/models"
)

// fakeQueue records enqueues and coalesces duplicate job IDs, matching the
// durable queue's dedup behavior.
type fakeQueue struct {
	mu       sync.Mutex
	enqueues []orchestrator.TaskPayload
	seen     map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, payload orchestrator.TaskPayload, opts queue.Options) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[jobID] {
		return false, nil
	}
	q.seen[jobID] = true
	q.enqueues = append(q.enqueues, payload)
	return true, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueues)
}

type fakeGithub struct {
	data *models.GithubData
	err  error
}

func (f *fakeGithub) Collect(ctx context.Context, username string) (*models.GithubData, error) {
	return f.data, f.err
}

type fakeContracts struct {
	data *models.ContractsData
	err  error
}

func (f *fakeContracts) Collect(ctx context.Context, addresses []string) (*models.ContractsData, error) {
	return f.data, f.err
}

type fakeOnchain struct {
	data *models.OnchainData
	err  error
}

func (f *fakeOnchain) Collect(ctx context.Context, username string, addresses []string) (*models.OnchainData, error) {
	return f.data, f.err
}

type fakeIssuer struct {
	mu     sync.Mutex
	calls  int
	result *models.CredentialResult
	err    error
}

func (f *fakeIssuer) Issue(ctx context.Context, job *models.AnalysisJob) (*models.CredentialResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result, f.err
}

type fixture struct {
	orch      *orchestrator.Orchestrator
	store     *progress.MemoryStore
	collector *fakeQueue // shared by all three data stages
	issuance  *fakeQueue
	issuer    *fakeIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := progress.NewMemoryStore()
	githubQ, contractsQ, onchainQ := newFakeQueue(), newFakeQueue(), newFakeQueue()
	issuanceQ := newFakeQueue()
	issuer := &fakeIssuer{result: &models.CredentialResult{
		CredentialHash: "0xhash", CredentialID: "cred-1", IssuerDID: "did:example:issuer",
	}}

	scores, err := score.NewProvider("")
	require.NoError(t, err)

	orch := orchestrator.New(
		store,
		orchestrator.Queues{Github: githubQ, Contracts: contractsQ, Onchain: onchainQ, Credential: issuanceQ},
		&fakeGithub{data: &models.GithubData{Username: "alnew", Contributions: 300, PullRequests: 40}},
		&fakeContracts{data: &models.ContractsData{MainnetContracts: 3, TVL: 20000}},
		&fakeOnchain{data: &models.OnchainData{TransactionCount: 500, HackathonWins: 1}},
		issuer,
		scores,
		nil,
		config.PipelineConfig{CollectorAttempts: 3, IssuanceAttempts: 3},
	)
	return &fixture{orch: orch, store: store, collector: githubQ, issuance: issuanceQ, issuer: issuer}
}

func submit(t *testing.T, f *fixture, username string) *models.AnalysisJob {
	t.Helper()
	job, created, err := f.orch.Submit(context.Background(), username, []string{"0xdeadbeef"})
	require.NoError(t, err)
	require.True(t, created)
	return job
}

// stageJob fabricates the queue job a worker would receive.
func stageJob(key string, attempt int) queue.Job[orchestrator.TaskPayload] {
	return queue.Job[orchestrator.TaskPayload]{
		ID:      key,
		Payload: orchestrator.TaskPayload{SubjectKey: key, Addresses: []string{"0xdeadbeef"}},
		Attempt: attempt,
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []string{"", "   ", "-leading", "trailing-", "dou--ble", "bad!char", "waytoolongusername-waytoolongusername-etc"}
	for _, username := range tests {
		_, _, err := f.orch.Submit(ctx, username, nil)
		assert.ErrorIsf(t, err, orchestrator.ErrBadSubmission, "username %q", username)
	}
}

func TestSubmit_NormalizesUsername(t *testing.T) {
	f := newFixture(t)

	job, created, err := f.orch.Submit(context.Background(), "  AlNew  ", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alnew", job.SubjectKey)
}

func TestSubmit_CreatesPendingJobAndEnqueuesCollectors(t *testing.T) {
	f := newFixture(t)

	job := submit(t, f, "alnew")

	assert.Equal(t, models.StatusPending, job.OverallStatus())
	for _, stage := range models.AllStages {
		assert.Equal(t, models.StagePending, job.Stages[stage])
	}
	// One job on each data-stage queue; the fixture shares one fake for
	// verification via the github queue.
	assert.Equal(t, 1, f.collector.count())
	assert.Equal(t, 0, f.issuance.count())
}

func TestSubmit_IdempotentWhileInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := submit(t, f, "alnew")

	again, created, err := f.orch.Submit(ctx, "alnew", []string{"0xother"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SubjectKey, again.SubjectKey)
	assert.Equal(t, 1, f.collector.count(), "resubmission must not enqueue")
}

func TestSubmit_RetryAfterTerminalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submit(t, f, "alnew")
	// Every data stage fails terminally.
	for _, stage := range models.DataStages {
		f.orch.StageFailed(stage)("alnew", "upstream down")
	}
	job, found, err := f.store.Get(ctx, "alnew")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.StatusFailed, job.OverallStatus())

	// The durable queue releases a job ID once the job finishes; model that
	// with a fresh dedup set.
	f.collector.seen = map[string]bool{}

	fresh, created, err := f.orch.Submit(ctx, "alnew", []string{"0xdeadbeef"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusPending, fresh.OverallStatus())
	assert.Nil(t, fresh.Score)
}

func runDataStage(t *testing.T, f *fixture, key, stage string) {
	t.Helper()
	ctx := context.Background()
	var err error
	switch stage {
	case models.StageGithubData:
		err = f.orch.HandleGithubJob(ctx, stageJob(key, 1))
	case models.StageContractsData:
		err = f.orch.HandleContractsJob(ctx, stageJob(key, 1))
	case models.StageOnchainData:
		err = f.orch.HandleOnchainJob(ctx, stageJob(key, 1))
	}
	require.NoError(t, err)
	f.orch.StageCompleted(stage)(key)
}

func TestPipeline_CompletionOrderIndependent(t *testing.T) {
	orders := [][]string{
		{models.StageGithubData, models.StageContractsData, models.StageOnchainData},
		{models.StageGithubData, models.StageOnchainData, models.StageContractsData},
		{models.StageContractsData, models.StageGithubData, models.StageOnchainData},
		{models.StageContractsData, models.StageOnchainData, models.StageGithubData},
		{models.StageOnchainData, models.StageGithubData, models.StageContractsData},
		{models.StageOnchainData, models.StageContractsData, models.StageGithubData},
	}

	var reference *models.AnalysisJob
	for i, order := range orders {
		f := newFixture(t)
		submit(t, f, "alnew")
		for _, stage := range order {
			runDataStage(t, f, "alnew", stage)
		}

		job, found, err := f.store.Get(context.Background(), "alnew")
		require.NoError(t, err)
		require.True(t, found)

		assert.Equalf(t, 1, f.issuance.count(), "order %d must enqueue issuance exactly once", i)
		assert.Equal(t, models.StageReady, job.Stages[models.StageCredentialIssuing])
		require.NotNil(t, job.Score)
		assert.NotNil(t, job.MergedData.Github)
		assert.NotNil(t, job.MergedData.Contracts)
		assert.NotNil(t, job.MergedData.Onchain)

		if reference == nil {
			reference = job
			continue
		}
		assert.Equal(t, reference.MergedData, job.MergedData, "merged data must not depend on completion order")
		assert.Equal(t, *reference.Score, *job.Score)
	}
}

func TestGate_SingleWinnerUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	require.NoError(t, f.orch.HandleGithubJob(ctx, stageJob("alnew", 1)))
	require.NoError(t, f.orch.HandleContractsJob(ctx, stageJob("alnew", 1)))
	require.NoError(t, f.orch.HandleOnchainJob(ctx, stageJob("alnew", 1)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, stage := range models.DataStages {
			wg.Add(1)
			go func(stage string) {
				defer wg.Done()
				f.orch.StageCompleted(stage)("alnew")
			}(stage)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, f.issuance.count(), "concurrent gate evaluations must elect one winner")
}

func TestPipeline_PartialFailureKeepsCollectedData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	runDataStage(t, f, "alnew", models.StageGithubData)
	runDataStage(t, f, "alnew", models.StageOnchainData)
	f.orch.StageFailed(models.StageContractsData)("alnew", "provider 500s exhausted retries")

	job, found, err := f.store.Get(ctx, "alnew")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, models.StatusFailed, job.OverallStatus())
	assert.Equal(t, models.StageFailed, job.Stages[models.StageContractsData])
	assert.Equal(t, models.StagePending, job.Stages[models.StageCredentialIssuing], "issuance must never start on partial data")
	assert.NotNil(t, job.MergedData.Github, "completed stage data is retained")
	assert.NotNil(t, job.MergedData.Onchain)
	assert.Nil(t, job.MergedData.Contracts)
	assert.Equal(t, 0, f.issuance.count())
	assert.Nil(t, job.Score)
}

func TestPipeline_FailureAfterGateDoesNotRevokeReadiness(t *testing.T) {
	// A late duplicate failure event for an already-completed job must not
	// disturb the issuance path.
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	for _, stage := range models.DataStages {
		runDataStage(t, f, "alnew", stage)
	}
	require.NoError(t, f.orch.HandleIssuanceJob(ctx, stageJob("alnew", 1)))

	job, _, err := f.store.Get(ctx, "alnew")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.OverallStatus())
	require.NotNil(t, job.Credential)
	assert.Equal(t, "0xhash", job.Credential.CredentialHash)
}

func TestHandleIssuanceJob_SkipsWhenAlreadyIssued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	for _, stage := range models.DataStages {
		runDataStage(t, f, "alnew", stage)
	}
	// Client-driven callback lands before the worker picks the job up.
	ok, err := f.orch.MarkCredentialIssued(ctx, "alnew")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.orch.HandleIssuanceJob(ctx, stageJob("alnew", 1)))
	assert.Equal(t, 0, f.issuer.calls, "issuer must not run after client-driven completion")
}

func TestHandleIssuanceJob_NotConfiguredIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issuer.err = credential.ErrNotConfigured
	f.issuer.result = nil
	submit(t, f, "alnew")

	for _, stage := range models.DataStages {
		runDataStage(t, f, "alnew", stage)
	}

	err := f.orch.HandleIssuanceJob(ctx, stageJob("alnew", 1))
	assert.ErrorIs(t, err, credential.ErrNotConfigured)
}

func TestHandleIssuanceJob_RetryableErrorPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.issuer.err = credential.ErrIssuerUnavailable
	f.issuer.result = nil
	submit(t, f, "alnew")

	for _, stage := range models.DataStages {
		runDataStage(t, f, "alnew", stage)
	}

	err := f.orch.HandleIssuanceJob(ctx, stageJob("alnew", 1))
	assert.ErrorIs(t, err, credential.ErrIssuerUnavailable)

	// The failed-event callback marks the stage after retries exhaust; the
	// data stages keep their results.
	f.orch.IssuanceFailed("alnew", err.Error())
	job, _, gerr := f.store.Get(ctx, "alnew")
	require.NoError(t, gerr)
	assert.Equal(t, models.StageFailed, job.Stages[models.StageCredentialIssuing])
	assert.Equal(t, models.StatusFailed, job.OverallStatus())
	assert.NotNil(t, job.MergedData.Github)
}

func TestMarkCredentialIssued_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	for _, stage := range models.DataStages {
		runDataStage(t, f, "alnew", stage)
	}

	for i := 0; i < 3; i++ {
		ok, err := f.orch.MarkCredentialIssued(ctx, "alnew")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	job, _, err := f.store.Get(ctx, "alnew")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, job.Stages[models.StageCredentialIssuing])
}

func TestMarkCredentialIssued_NotReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	ok, err := f.orch.MarkCredentialIssued(ctx, "alnew")
	require.NoError(t, err)
	assert.False(t, ok, "issuance callback before readiness must be rejected")

	_, err = f.orch.MarkCredentialIssued(ctx, "no-such-user")
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestCollectorFailure_NotFoundIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	// A vanished progress document fails the job without retries.
	err := f.orch.HandleGithubJob(ctx, stageJob("ghost", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, progress.ErrNotFound))
}

func TestHandleGithubJob_RetryAttemptSkipsProcessingTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	submit(t, f, "alnew")

	require.NoError(t, f.orch.HandleGithubJob(ctx, stageJob("alnew", 2)))

	job, _, err := f.store.Get(ctx, "alnew")
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, job.Stages[models.StageGithubData])
}
