// Package orchestrator coordinates the analysis pipeline: it accepts
// submissions, fans collector stages out onto the job queues, records stage
// transitions in the progress store, computes the score once all data is in,
// and fires credential issuance exactly once behind the readiness gate.
//
// All shared state lives in the progress store; the orchestrator's own
// methods are stateless and safe to invoke concurrently from any number of
// queue callbacks.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devscorehq/devscore/internal/collector/contracts"
	"github.com/devscorehq/devscore/internal/collector/github"
	"github.com/devscorehq/devscore/internal/collector/onchain"
	"github.com/devscorehq/devscore/internal/config"
	"github.com/devscorehq/devscore/internal/credential"
	"github.com/devscorehq/devscore/internal/progress"
	"github.com/devscorehq/devscore/internal/queue"
	"github.com/devscorehq/devscore/internal/score"
	"github.com/devscorehq/devscore/internal/store"
	"github.com/devscorehq/devscore/pkg/models"
)

// ErrBadSubmission marks a submission rejected synchronously at validation
// time; nothing is enqueued.
var ErrBadSubmission = errors.New("invalid submission")

// GitHub usernames: alphanumerics and single hyphens, at most 39 characters.
var subjectKeyRe = regexp.MustCompile(`^[a-z0-9](?:-?[a-z0-9]){0,38}$`)

// TaskPayload is the job payload for every pipeline stage. The subject key
// doubles as the job ID, which is what makes enqueues idempotent per
// (subject, stage).
type TaskPayload struct {
	SubjectKey string   `json:"subject_key"`
	Addresses  []string `json:"addresses"`
}

// StageQueue is the slice of the durable queue the orchestrator needs.
type StageQueue interface {
	Enqueue(ctx context.Context, jobID string, payload TaskPayload, opts queue.Options) (bool, error)
}

// Queues groups the four stage queues.
type Queues struct {
	Github     StageQueue
	Contracts  StageQueue
	Onchain    StageQueue
	Credential StageQueue
}

// Orchestrator is the pipeline state machine.
type Orchestrator struct {
	progress  progress.Store
	queues    Queues
	github    github.Collector
	contracts contracts.Collector
	onchain   onchain.Collector
	issuer    credential.Issuer
	scores    *score.Provider
	archive   store.Store // nil disables run archiving
	pipeline  config.PipelineConfig
}

// New wires an orchestrator. archive may be nil.
func New(
	prog progress.Store,
	queues Queues,
	githubC github.Collector,
	contractsC contracts.Collector,
	onchainC onchain.Collector,
	issuer credential.Issuer,
	scores *score.Provider,
	archive store.Store,
	pipeline config.PipelineConfig,
) *Orchestrator {
	return &Orchestrator{
		progress:  prog,
		queues:    queues,
		github:    githubC,
		contracts: contractsC,
		onchain:   onchainC,
		issuer:    issuer,
		scores:    scores,
		archive:   archive,
		pipeline:  pipeline,
	}
}

// NormalizeSubjectKey lowercases and validates a source-hosting username.
func NormalizeSubjectKey(username string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	if key == "" {
		return "", fmt.Errorf("%w: username is required", ErrBadSubmission)
	}
	if !subjectKeyRe.MatchString(key) {
		return "", fmt.Errorf("%w: malformed username %q", ErrBadSubmission, username)
	}
	return key, nil
}

func normalizeAddresses(addresses []string) ([]string, error) {
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if len(addr) > 128 {
			return nil, fmt.Errorf("%w: address too long", ErrBadSubmission)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Submit starts an analysis for the given identity. It is idempotent: while
// a job for the subject key is non-terminal, resubmission returns the
// existing job without enqueueing anything new. A terminally failed job may
// be resubmitted from scratch. The boolean reports whether a fresh job was
// created.
func (o *Orchestrator) Submit(ctx context.Context, username string, addresses []string) (*models.AnalysisJob, bool, error) {
	key, err := NormalizeSubjectKey(username)
	if err != nil {
		return nil, false, err
	}
	addrs, err := normalizeAddresses(addresses)
	if err != nil {
		return nil, false, err
	}

	existing, found, err := o.progress.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found && existing.OverallStatus() != models.StatusFailed {
		return existing, false, nil
	}

	job := newJob(key, addrs)
	if found {
		// Terminal failure: retry from scratch replaces the document.
		if err := o.progress.Reset(ctx, job, o.pipeline.ProgressTTL); err != nil {
			return nil, false, err
		}
	} else {
		created, err := o.progress.Create(ctx, job, o.pipeline.ProgressTTL)
		if err != nil {
			return nil, false, err
		}
		if !created {
			// Lost a submission race; the winner's job is authoritative.
			current, _, err := o.progress.Get(ctx, key)
			if err != nil {
				return nil, false, err
			}
			return current, false, nil
		}
	}

	payload := TaskPayload{SubjectKey: key, Addresses: addrs}
	opts := o.collectorOpts()
	for stage, q := range map[string]StageQueue{
		models.StageGithubData:    o.queues.Github,
		models.StageContractsData: o.queues.Contracts,
		models.StageOnchainData:   o.queues.Onchain,
	} {
		if _, err := q.Enqueue(ctx, key, payload, opts); err != nil {
			return nil, false, fmt.Errorf("enqueue %s: %w", stage, err)
		}
	}

	slog.Info("analysis submitted", "subject_key", key, "addresses", len(addrs))
	return job, true, nil
}

func newJob(key string, addrs []string) *models.AnalysisJob {
	now := time.Now().UTC()
	stages := make(map[string]string, len(models.AllStages))
	for _, stage := range models.AllStages {
		stages[stage] = models.StagePending
	}
	return &models.AnalysisJob{
		SubjectKey: key,
		Addresses:  addrs,
		Stages:     stages,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (o *Orchestrator) collectorOpts() queue.Options {
	return queue.Options{
		Attempts: o.pipeline.CollectorAttempts,
		Backoff:  queue.BackoffKind(o.pipeline.CollectorBackoff.Kind),
		Delay:    o.pipeline.CollectorBackoff.Delay,
	}
}

func (o *Orchestrator) issuanceOpts() queue.Options {
	return queue.Options{
		Attempts: o.pipeline.IssuanceAttempts,
		Backoff:  queue.BackoffKind(o.pipeline.IssuanceBackoff.Kind),
		Delay:    o.pipeline.IssuanceBackoff.Delay,
	}
}

// Status returns the current job document for a subject key.
func (o *Orchestrator) Status(ctx context.Context, username string) (*models.AnalysisJob, bool, error) {
	key, err := NormalizeSubjectKey(username)
	if err != nil {
		return nil, false, err
	}
	return o.progress.Get(ctx, key)
}

// --- Stage job handlers (run on queue workers) ---

// HandleGithubJob collects GitHub data for one attempt.
func (o *Orchestrator) HandleGithubJob(ctx context.Context, job queue.Job[TaskPayload]) error {
	return o.runCollector(ctx, job, models.StageGithubData, func(ctx context.Context, p TaskPayload) (any, error) {
		return o.github.Collect(ctx, p.SubjectKey)
	})
}

// HandleContractsJob collects contract deployment data for one attempt.
func (o *Orchestrator) HandleContractsJob(ctx context.Context, job queue.Job[TaskPayload]) error {
	return o.runCollector(ctx, job, models.StageContractsData, func(ctx context.Context, p TaskPayload) (any, error) {
		return o.contracts.Collect(ctx, p.Addresses)
	})
}

// HandleOnchainJob collects wallet activity and hackathon history.
func (o *Orchestrator) HandleOnchainJob(ctx context.Context, job queue.Job[TaskPayload]) error {
	return o.runCollector(ctx, job, models.StageOnchainData, func(ctx context.Context, p TaskPayload) (any, error) {
		return o.onchain.Collect(ctx, p.SubjectKey, p.Addresses)
	})
}

func (o *Orchestrator) runCollector(
	ctx context.Context,
	job queue.Job[TaskPayload],
	stage string,
	collect func(ctx context.Context, p TaskPayload) (any, error),
) error {
	key := job.Payload.SubjectKey

	if job.Attempt == 1 {
		if err := o.progress.SetStage(ctx, key, stage, models.StageProcessing); err != nil {
			if errors.Is(err, progress.ErrNotFound) {
				// Document expired under the queue; nothing left to do.
				return queue.Fail(err)
			}
			return err
		}
	}

	data, err := collect(ctx, job.Payload)
	if err != nil {
		return err
	}

	if err := o.progress.SetStageData(ctx, key, stage, models.StageCompleted, data); err != nil {
		return err
	}
	slog.Info("stage completed", "subject_key", key, "stage", stage, "attempt", job.Attempt)
	return nil
}

// HandleIssuanceJob runs one credential-issuance attempt.
func (o *Orchestrator) HandleIssuanceJob(ctx context.Context, qjob queue.Job[TaskPayload]) error {
	key := qjob.Payload.SubjectKey

	job, found, err := o.progress.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return queue.Fail(progress.ErrNotFound)
	}
	// The client-driven path may have marked the credential issued while this
	// job waited; do not issue twice.
	if job.Stages[models.StageCredentialIssuing] == models.StageCompleted {
		return nil
	}

	if qjob.Attempt == 1 {
		if err := o.progress.SetStage(ctx, key, models.StageCredentialIssuing, models.StageProcessing); err != nil {
			return err
		}
		job.Stages[models.StageCredentialIssuing] = models.StageProcessing
	}

	result, err := o.issuer.Issue(ctx, job)
	if err != nil {
		if errors.Is(err, credential.ErrNotConfigured) {
			return queue.Fail(err)
		}
		return err
	}

	if err := o.progress.SetCredential(ctx, key, *result); err != nil {
		return err
	}
	slog.Info("credential issued", "subject_key", key, "credential_hash", result.CredentialHash)
	return nil
}

// --- Queue event callbacks ---

// StageCompleted returns the completed-event callback for a data stage.
// Every data-stage completion re-evaluates the readiness gate.
func (o *Orchestrator) StageCompleted(stage string) func(jobID string) {
	return func(jobID string) {
		ctx := context.Background()
		o.evaluateGate(ctx, jobID)
		// A sibling stage may already have failed terminally; this
		// completion can be the one that makes the job quiescent.
		o.archiveIfTerminal(ctx, jobID)
	}
}

// StageFailed returns the failed-event callback for a data stage: the stage
// goes terminal-FAILED and already-collected partial data is kept.
func (o *Orchestrator) StageFailed(stage string) func(jobID, errMsg string) {
	return func(jobID, errMsg string) {
		ctx := context.Background()
		if err := o.progress.SetStage(ctx, jobID, stage, models.StageFailed); err != nil {
			slog.Error("record stage failure", "subject_key", jobID, "stage", stage, "error", err)
			return
		}
		slog.Warn("stage failed terminally", "subject_key", jobID, "stage", stage, "error", errMsg)
		o.archiveIfTerminal(ctx, jobID)
	}
}

// IssuanceCompleted is the completed-event callback for the issuance queue.
func (o *Orchestrator) IssuanceCompleted(jobID string) {
	o.archiveIfTerminal(context.Background(), jobID)
}

// IssuanceFailed is the failed-event callback for the issuance queue. The
// data stages keep their COMPLETED status; only issuance is marked failed,
// so a later resubmission can retry issuance alone.
func (o *Orchestrator) IssuanceFailed(jobID, errMsg string) {
	ctx := context.Background()
	if err := o.progress.SetStage(ctx, jobID, models.StageCredentialIssuing, models.StageFailed); err != nil {
		slog.Error("record issuance failure", "subject_key", jobID, "error", err)
		return
	}
	slog.Warn("credential issuance failed terminally", "subject_key", jobID, "error", errMsg)
	o.archiveIfTerminal(ctx, jobID)
}

// evaluateGate runs after every data-stage completion. The progress store's
// compare-and-set decides a single winner among concurrent evaluations; only
// the winner computes the score and enqueues issuance.
func (o *Orchestrator) evaluateGate(ctx context.Context, key string) {
	ready, err := o.progress.MarkReady(ctx, key)
	if err != nil {
		if !errors.Is(err, progress.ErrNotFound) {
			slog.Error("readiness gate", "subject_key", key, "error", err)
		}
		return
	}
	if !ready {
		return
	}

	job, found, err := o.progress.Get(ctx, key)
	if err != nil || !found {
		slog.Error("load job after gate", "subject_key", key, "error", err)
		return
	}

	result := score.Compute(job.MergedData, o.scores.Current())
	sc := models.Score{
		TotalScore: result.TotalScore,
		Web2Total:  result.Web2Total,
		Web3Total:  result.Web3Total,
	}
	if err := o.progress.SetScore(ctx, key, sc, result.DeveloperWorth); err != nil {
		slog.Error("write score", "subject_key", key, "error", err)
		return
	}
	slog.Info("score computed", "subject_key", key,
		"total_score", result.TotalScore, "level", result.VerificationLevel)

	// The deterministic job ID makes a concurrent duplicate enqueue coalesce
	// inside the queue rather than issuing twice.
	if _, err := o.queues.Credential.Enqueue(ctx, key,
		TaskPayload{SubjectKey: key, Addresses: job.Addresses}, o.issuanceOpts()); err != nil {
		slog.Error("enqueue issuance", "subject_key", key, "error", err)
	}
}

// MarkCredentialIssued is the idempotent client-driven issuance callback.
// The server-driven path never needs it.
func (o *Orchestrator) MarkCredentialIssued(ctx context.Context, username string) (bool, error) {
	key, err := NormalizeSubjectKey(username)
	if err != nil {
		return false, err
	}
	ok, err := o.progress.MarkIssued(ctx, key)
	if err != nil {
		return false, err
	}
	if ok {
		o.archiveIfTerminal(ctx, key)
	}
	return ok, nil
}

// archiveIfTerminal copies a finished job into the durable run archive. The
// archive's uniqueness constraint dedupes concurrent terminal callbacks.
func (o *Orchestrator) archiveIfTerminal(ctx context.Context, key string) {
	if o.archive == nil {
		return
	}
	job, found, err := o.progress.Get(ctx, key)
	if err != nil || !found || !job.Terminal() {
		return
	}

	run := &models.AnalysisRun{
		ID:         uuid.New(),
		SubjectKey: key,
		Status:     job.OverallStatus(),
		StartedAt:  job.CreatedAt,
		FinishedAt: time.Now().UTC(),
	}
	if job.Score != nil {
		run.TotalScore = &job.Score.TotalScore
		run.Web2Total = &job.Score.Web2Total
		run.Web3Total = &job.Score.Web3Total
	}
	run.DeveloperWorth = job.DeveloperWorth
	if job.Credential != nil {
		run.CredentialHash = &job.Credential.CredentialHash
	}
	if raw, err := json.Marshal(job.MergedData); err == nil {
		run.MergedData = raw
	}

	if err := o.archive.ArchiveRun(ctx, run); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		slog.Error("archive run", "subject_key", key, "error", err)
	}
}
