package progress

import (
	"context"
	"sync"
	"time"

	"github.com/devscorehq/devscore/pkg/models"
)

// MemoryStore is an in-process Store for tests and local development. It
// honors the same atomic-transition semantics as RedisStore; TTLs are
// recorded but never enforced.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.AnalysisJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.AnalysisJob)}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Create(ctx context.Context, job *models.AnalysisJob, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.SubjectKey]; exists {
		return false, nil
	}
	s.jobs[job.SubjectKey] = cloneJob(job)
	return true, nil
}

func (s *MemoryStore) Reset(ctx context.Context, job *models.AnalysisJob, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.SubjectKey] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, subjectKey string) (*models.AnalysisJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return nil, false, nil
	}
	return cloneJob(job), true, nil
}

func (s *MemoryStore) SetStage(ctx context.Context, subjectKey, stage, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return ErrNotFound
	}
	job.Stages[stage] = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetStageData(ctx context.Context, subjectKey, stage, status string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return ErrNotFound
	}
	job.Stages[stage] = status
	switch d := data.(type) {
	case *models.GithubData:
		job.MergedData.Github = d
	case *models.ContractsData:
		job.MergedData.Contracts = d
	case *models.OnchainData:
		job.MergedData.Onchain = d
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetScore(ctx context.Context, subjectKey string, score models.Score, worth float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return ErrNotFound
	}
	sc := score
	w := worth
	job.Score = &sc
	job.DeveloperWorth = &w
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetCredential(ctx context.Context, subjectKey string, cred models.CredentialResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return ErrNotFound
	}
	c := cred
	job.Credential = &c
	job.Stages[models.StageCredentialIssuing] = models.StageCompleted
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkReady(ctx context.Context, subjectKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return false, ErrNotFound
	}
	for _, stage := range models.DataStages {
		if job.Stages[stage] != models.StageCompleted {
			return false, nil
		}
	}
	if job.Stages[models.StageCredentialIssuing] != models.StagePending {
		return false, nil
	}
	job.Stages[models.StageCredentialIssuing] = models.StageReady
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) MarkIssued(ctx context.Context, subjectKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[subjectKey]
	if !ok {
		return false, ErrNotFound
	}
	switch job.Stages[models.StageCredentialIssuing] {
	case models.StageCompleted:
		return true, nil
	case models.StageReady, models.StageProcessing:
		job.Stages[models.StageCredentialIssuing] = models.StageCompleted
		job.UpdatedAt = time.Now().UTC()
		return true, nil
	default:
		return false, nil
	}
}

func cloneJob(job *models.AnalysisJob) *models.AnalysisJob {
	out := *job
	out.Stages = make(map[string]string, len(job.Stages))
	for k, v := range job.Stages {
		out.Stages[k] = v
	}
	if len(job.Stages) == 0 {
		for _, stage := range models.AllStages {
			out.Stages[stage] = models.StagePending
		}
	}
	out.Addresses = append([]string(nil), job.Addresses...)
	return &out
}

var _ Store = (*MemoryStore)(nil)
