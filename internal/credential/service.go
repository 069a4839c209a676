// Package credential issues verifiable developer credentials through an
// external issuer. Issuance is a non-idempotent side effect; the orchestrator
// guarantees at most one attempt sequence per readiness-gate trigger.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/devscorehq/devscore/pkg/models"
)

// Sentinel errors for credential issuance failures.
var (
	// ErrNotConfigured means issuer identity, API key, or template id is
	// missing. This is fatal and must short-circuit before any network call.
	ErrNotConfigured = errors.New("credential issuer not configured")
	// ErrIssuerUnavailable covers transport failures and 5xx responses;
	// retryable per the job queue's policy.
	ErrIssuerUnavailable = errors.New("credential issuer unavailable")
	// ErrIssuerRejected means the issuer answered with a non-success code.
	ErrIssuerRejected = errors.New("credential issuer rejected request")
)

// issuerSuccessCode is the provider's fixed success status code. Anything
// else carries a human-readable failure message.
const issuerSuccessCode = 80000000

// Issuer is the credential-issuance interface the orchestrator depends on.
type Issuer interface {
	Issue(ctx context.Context, job *models.AnalysisJob) (*models.CredentialResult, error)
}

// Config holds issuer connection settings.
type Config struct {
	BaseURL      string
	DID          string
	APIKey       string
	CredentialID string
}

// Service implements Issuer against the issuer's HTTP API.
type Service struct {
	cfg    Config
	client *http.Client
}

// NewService creates a credential service. Configuration completeness is
// checked per call so a partially configured deployment fails loudly instead
// of at startup.
func NewService(cfg Config, timeout time.Duration) *Service {
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Issue logs in to the issuer, builds the fully-defaulted credential subject,
// and requests issuance. One attempt per call; no internal retries.
func (s *Service) Issue(ctx context.Context, job *models.AnalysisJob) (*models.CredentialResult, error) {
	if s.cfg.DID == "" || s.cfg.APIKey == "" || s.cfg.CredentialID == "" {
		return nil, ErrNotConfigured
	}

	token, err := s.login(ctx)
	if err != nil {
		return nil, err
	}

	subject := BuildSubject(job)

	hash, err := s.issue(ctx, token, subject)
	if err != nil {
		return nil, err
	}

	return &models.CredentialResult{
		CredentialHash: hash,
		CredentialID:   s.cfg.CredentialID,
		IssuerDID:      s.cfg.DID,
	}, nil
}

func (s *Service) login(ctx context.Context) (string, error) {
	var resp issuerResponse
	err := s.post(ctx, s.cfg.BaseURL+"/issuer/login", "", map[string]string{
		"issuerDid": s.cfg.DID,
		"authToken": s.cfg.APIKey,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code != issuerSuccessCode {
		return "", fmt.Errorf("%w: login: %s", ErrIssuerRejected, resp.Msg)
	}
	if resp.Data.Token == "" {
		return "", fmt.Errorf("%w: login returned empty token", ErrIssuerRejected)
	}
	return resp.Data.Token, nil
}

func (s *Service) issue(ctx context.Context, token string, subject map[string]any) (string, error) {
	var resp issuerResponse
	err := s.post(ctx, s.cfg.BaseURL+"/issuer/issue", token, map[string]any{
		"credentialId":      s.cfg.CredentialID,
		"credentialSubject": subject,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code != issuerSuccessCode {
		return "", fmt.Errorf("%w: issue: %s", ErrIssuerRejected, resp.Msg)
	}
	if resp.Data.CredentialHash == "" {
		return "", fmt.Errorf("%w: issue returned empty credential hash", ErrIssuerRejected)
	}
	return resp.Data.CredentialHash, nil
}

func (s *Service) post(ctx context.Context, url, bearer string, body any, out *issuerResponse) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIssuerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrIssuerUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrIssuerRejected, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrIssuerUnavailable, err)
	}
	return nil
}

// BuildSubject flattens the analysis into the issuer's credential-subject
// schema. Every field is defaulted: blank strings become the field's named
// sentinel and invalid numbers become 0, so the issuer never sees null.
func BuildSubject(job *models.AnalysisJob) map[string]any {
	var github models.GithubData
	if job.MergedData.Github != nil {
		github = *job.MergedData.Github
	}
	var contracts models.ContractsData
	if job.MergedData.Contracts != nil {
		contracts = *job.MergedData.Contracts
	}
	var onchain models.OnchainData
	if job.MergedData.Onchain != nil {
		onchain = *job.MergedData.Onchain
	}

	var score models.Score
	if job.Score != nil {
		score = *job.Score
	}
	worth := 0.0
	if job.DeveloperWorth != nil {
		worth = *job.DeveloperWorth
	}

	return map[string]any{
		"username":         defaultString(job.SubjectKey, "Unknown"),
		"name":             defaultString(github.Name, "Unknown"),
		"email":            defaultString(github.Email, "No Email"),
		"location":         defaultString(github.Location, "None"),
		"bio":              defaultString(github.Bio, "N/A"),
		"avatarUrl":        defaultString(github.AvatarURL, "N/A"),
		"followers":        wholeNumber(float64(github.Followers)),
		"contributions":    wholeNumber(float64(github.Contributions)),
		"pullRequests":     wholeNumber(float64(github.PullRequests)),
		"issues":           wholeNumber(float64(github.Issues)),
		"totalCommits":     wholeNumber(float64(github.TotalCommits)),
		"totalStars":       wholeNumber(float64(github.TotalStars)),
		"mainnetContracts": wholeNumber(float64(contracts.MainnetContracts)),
		"testnetContracts": wholeNumber(float64(contracts.TestnetContracts)),
		"tvl":              wholeNumber(contracts.TVL),
		"transactionCount": wholeNumber(float64(onchain.TransactionCount)),
		"hackathonWins":    wholeNumber(float64(onchain.HackathonWins)),
		"web2Score":        wholeNumber(score.Web2Total),
		"web3Score":        wholeNumber(score.Web3Total),
		"totalScore":       wholeNumber(score.TotalScore),
		"developerWorth":   wholeNumber(worth),
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// wholeNumber floors the value and clamps it to >= 0. NaN and infinities
// collapse to 0.
func wholeNumber(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return int64(math.Floor(v))
}

type issuerResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token          string `json:"token"`
		CredentialHash string `json:"credentialHash"`
	} `json:"data"`
}

// Compile-time check that Service implements Issuer.
var _ Issuer = (*Service)(nil)
