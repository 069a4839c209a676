// Package progress holds the live AnalysisJob document for each subject key.
// The document is a Redis hash with field-level upserts, an atomic
// readiness-gate transition, and TTL expiry. Nothing else in the system
// writes analysis state.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devscorehq/devscore/pkg/models"
)

var ErrNotFound = errors.New("analysis job not found")

// Store is the progress-document interface. Implementations must be safe for
// concurrent use; MarkReady and MarkIssued must be atomic check-and-set
// transitions, not read-then-write.
type Store interface {
	// Create writes a fresh document iff none exists. Returns false when a
	// document for the subject key is already present.
	Create(ctx context.Context, job *models.AnalysisJob, ttl time.Duration) (bool, error)
	// Reset unconditionally replaces the document (retry-from-scratch after a
	// terminal failure).
	Reset(ctx context.Context, job *models.AnalysisJob, ttl time.Duration) error
	Get(ctx context.Context, subjectKey string) (*models.AnalysisJob, bool, error)
	SetStage(ctx context.Context, subjectKey, stage, status string) error
	// SetStageData sets a stage status and its collected result in one write.
	SetStageData(ctx context.Context, subjectKey, stage, status string, data any) error
	SetScore(ctx context.Context, subjectKey string, score models.Score, worth float64) error
	// SetCredential records the issuance result and completes the
	// credentialIssuing stage.
	SetCredential(ctx context.Context, subjectKey string, cred models.CredentialResult) error
	// MarkReady performs the readiness-gate transition: iff the three data
	// stages are COMPLETED and credentialIssuing is PENDING, flip it to READY.
	// Exactly one concurrent caller observes true.
	MarkReady(ctx context.Context, subjectKey string) (bool, error)
	// MarkIssued idempotently completes the credentialIssuing stage from
	// READY or PROCESSING. Returns false when the stage never became ready.
	MarkIssued(ctx context.Context, subjectKey string) (bool, error)
	Ping(ctx context.Context) error
}

// RedisStore implements Store on a Redis hash per subject key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from a Redis URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreWithClient wraps an existing client (shared with the queue).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Hash field names. Stage statuses and stage data are stored per stage so
// concurrent writers never touch the same field.
const (
	fieldSubjectKey = "subject_key"
	fieldAddresses  = "addresses"
	fieldScore      = "score"
	fieldWorth      = "developer_worth"
	fieldCredential = "credential"
	fieldCreatedAt  = "created_at"
	fieldUpdatedAt  = "updated_at"
	fieldTTLMs      = "ttl_ms"
)

func stageField(stage string) string { return "stage:" + stage }
func dataField(stage string) string  { return "data:" + stage }

// createScript writes all fields iff the key does not exist, then applies the
// TTL. ARGV is field/value pairs with the TTL in milliseconds last.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
for i = 1, #ARGV - 1, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call("PEXPIRE", KEYS[1], ARGV[#ARGV])
return 1
`)

// writeScript updates fields on an existing document and refreshes its TTL.
var writeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV - 1, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
local ttl = redis.call("HGET", KEYS[1], "ttl_ms")
if ttl then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// gateScript is the readiness gate: an atomic compare-and-set of
// credentialIssuing from PENDING to READY, conditional on the three data
// stages being COMPLETED. Only one concurrent caller can see 1.
var gateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local g = redis.call("HGET", KEYS[1], "stage:githubData")
local c = redis.call("HGET", KEYS[1], "stage:contractsData")
local o = redis.call("HGET", KEYS[1], "stage:onchainData")
local cred = redis.call("HGET", KEYS[1], "stage:credentialIssuing")
if g == "COMPLETED" and c == "COMPLETED" and o == "COMPLETED" and cred == "PENDING" then
  redis.call("HSET", KEYS[1], "stage:credentialIssuing", "READY", "updated_at", ARGV[1])
  return 1
end
return 0
`)

// issuedScript idempotently completes credentialIssuing from READY or
// PROCESSING, for the client-driven issuance callback.
var issuedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local cred = redis.call("HGET", KEYS[1], "stage:credentialIssuing")
if cred == "COMPLETED" then
  return 1
end
if cred == "READY" or cred == "PROCESSING" then
  redis.call("HSET", KEYS[1], "stage:credentialIssuing", "COMPLETED", "updated_at", ARGV[1])
  return 1
end
return 0
`)

func jobKey(subjectKey string) string {
	return "analysis:" + subjectKey
}

func (s *RedisStore) Create(ctx context.Context, job *models.AnalysisJob, ttl time.Duration) (bool, error) {
	args, err := createArgs(job, ttl)
	if err != nil {
		return false, err
	}
	created, err := createScript.Run(ctx, s.client, []string{jobKey(job.SubjectKey)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("create analysis job: %w", err)
	}
	return created == 1, nil
}

func (s *RedisStore) Reset(ctx context.Context, job *models.AnalysisJob, ttl time.Duration) error {
	args, err := createArgs(job, ttl)
	if err != nil {
		return err
	}
	key := jobKey(job.SubjectKey)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	fields := make([]any, 0, len(args)-1)
	fields = append(fields, args[:len(args)-1]...)
	pipe.HSet(ctx, key, fields...)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset analysis job: %w", err)
	}
	return nil
}

// createArgs flattens a fresh job into script arguments, TTL last.
func createArgs(job *models.AnalysisJob, ttl time.Duration) ([]any, error) {
	addrs, err := json.Marshal(job.Addresses)
	if err != nil {
		return nil, fmt.Errorf("marshal addresses: %w", err)
	}
	now := job.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	args := []any{
		fieldSubjectKey, job.SubjectKey,
		fieldAddresses, string(addrs),
		fieldCreatedAt, now.Format(time.RFC3339Nano),
		fieldUpdatedAt, now.Format(time.RFC3339Nano),
		fieldTTLMs, strconv.FormatInt(ttl.Milliseconds(), 10),
	}
	for _, stage := range models.AllStages {
		status := job.Stages[stage]
		if status == "" {
			status = models.StagePending
		}
		args = append(args, stageField(stage), status)
	}
	return append(args, strconv.FormatInt(ttl.Milliseconds(), 10)), nil
}

func (s *RedisStore) write(ctx context.Context, subjectKey string, pairs ...any) error {
	pairs = append(pairs, fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano))
	ok, err := writeScript.Run(ctx, s.client, []string{jobKey(subjectKey)}, pairs...).Int()
	if err != nil {
		return fmt.Errorf("write analysis job %s: %w", subjectKey, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) SetStage(ctx context.Context, subjectKey, stage, status string) error {
	return s.write(ctx, subjectKey, stageField(stage), status)
}

func (s *RedisStore) SetStageData(ctx context.Context, subjectKey, stage, status string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal stage data: %w", err)
	}
	return s.write(ctx, subjectKey, stageField(stage), status, dataField(stage), string(raw))
}

func (s *RedisStore) SetScore(ctx context.Context, subjectKey string, score models.Score, worth float64) error {
	raw, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	return s.write(ctx, subjectKey,
		fieldScore, string(raw),
		fieldWorth, strconv.FormatFloat(worth, 'f', -1, 64))
}

func (s *RedisStore) SetCredential(ctx context.Context, subjectKey string, cred models.CredentialResult) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.write(ctx, subjectKey,
		fieldCredential, string(raw),
		stageField(models.StageCredentialIssuing), models.StageCompleted)
}

func (s *RedisStore) MarkReady(ctx context.Context, subjectKey string) (bool, error) {
	res, err := gateScript.Run(ctx, s.client, []string{jobKey(subjectKey)},
		time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("readiness gate for %s: %w", subjectKey, err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (s *RedisStore) MarkIssued(ctx context.Context, subjectKey string) (bool, error) {
	res, err := issuedScript.Run(ctx, s.client, []string{jobKey(subjectKey)},
		time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("mark issued for %s: %w", subjectKey, err)
	}
	if res == -1 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, subjectKey string) (*models.AnalysisJob, bool, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(subjectKey)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get analysis job %s: %w", subjectKey, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	job, err := parseJob(fields)
	if err != nil {
		return nil, false, fmt.Errorf("parse analysis job %s: %w", subjectKey, err)
	}
	return job, true, nil
}

func parseJob(fields map[string]string) (*models.AnalysisJob, error) {
	job := &models.AnalysisJob{
		SubjectKey: fields[fieldSubjectKey],
		Stages:     make(map[string]string, len(models.AllStages)),
	}

	if raw := fields[fieldAddresses]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Addresses); err != nil {
			return nil, fmt.Errorf("addresses: %w", err)
		}
	}
	for _, stage := range models.AllStages {
		status := fields[stageField(stage)]
		if status == "" {
			status = models.StagePending
		}
		job.Stages[stage] = status
	}

	if raw := fields[dataField(models.StageGithubData)]; raw != "" {
		var d models.GithubData
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("github data: %w", err)
		}
		job.MergedData.Github = &d
	}
	if raw := fields[dataField(models.StageContractsData)]; raw != "" {
		var d models.ContractsData
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("contracts data: %w", err)
		}
		job.MergedData.Contracts = &d
	}
	if raw := fields[dataField(models.StageOnchainData)]; raw != "" {
		var d models.OnchainData
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("onchain data: %w", err)
		}
		job.MergedData.Onchain = &d
	}

	if raw := fields[fieldScore]; raw != "" {
		var sc models.Score
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			return nil, fmt.Errorf("score: %w", err)
		}
		job.Score = &sc
	}
	if raw := fields[fieldWorth]; raw != "" {
		worth, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("developer worth: %w", err)
		}
		job.DeveloperWorth = &worth
	}
	if raw := fields[fieldCredential]; raw != "" {
		var cred models.CredentialResult
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
		job.Credential = &cred
	}

	if raw := fields[fieldCreatedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		job.CreatedAt = t
	}
	if raw := fields[fieldUpdatedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("updated_at: %w", err)
		}
		job.UpdatedAt = t
	}

	return job, nil
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
