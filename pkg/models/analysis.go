package models

import "time"

// Stage statuses. READY applies only to the credentialIssuing stage: all
// prerequisite data stages finished but issuance has not started yet.
const (
	StagePending    = "PENDING"
	StageProcessing = "PROCESSING"
	StageCompleted  = "COMPLETED"
	StageFailed     = "FAILED"
	StageReady      = "READY"
)

// Overall job statuses, derived from the four stage statuses.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Stage names. Every AnalysisJob tracks exactly these four.
const (
	StageGithubData        = "githubData"
	StageContractsData     = "contractsData"
	StageOnchainData       = "onchainData"
	StageCredentialIssuing = "credentialIssuing"
)

// DataStages are the collector stages that gate credential issuance.
var DataStages = []string{StageGithubData, StageContractsData, StageOnchainData}

// AllStages lists every stage in a fixed order.
var AllStages = []string{StageGithubData, StageContractsData, StageOnchainData, StageCredentialIssuing}

// AnalysisJob is the live progress document for one subject key. It is owned
// by the orchestrator and persisted in the progress store; collectors and the
// credential service never write it directly.
type AnalysisJob struct {
	SubjectKey     string            `json:"subject_key"`
	Addresses      []string          `json:"addresses"`
	Stages         map[string]string `json:"stages"`
	MergedData     MergedData        `json:"merged_data"`
	Score          *Score            `json:"score,omitempty"`
	DeveloperWorth *float64          `json:"developer_worth,omitempty"`
	Credential     *CredentialResult `json:"credential,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// OverallStatus projects the four stage statuses onto a single job status.
// COMPLETED iff every stage completed; FAILED iff some stage failed terminally
// and nothing is still running; PENDING before any work starts; otherwise
// PROCESSING.
func (j *AnalysisJob) OverallStatus() string {
	return ProjectOverall(j.Stages)
}

// ProjectOverall computes the overall status from a stage-status map.
func ProjectOverall(stages map[string]string) string {
	completed, failed, pending := 0, 0, 0
	for _, name := range AllStages {
		switch stages[name] {
		case StageCompleted:
			completed++
		case StageFailed:
			failed++
		case StagePending, "":
			pending++
		}
	}
	switch {
	case completed == len(AllStages):
		return StatusCompleted
	case failed > 0 && failed+completed+pending == len(AllStages):
		// Nothing is in flight anymore; a pending stage behind a failed
		// prerequisite will never start.
		return StatusFailed
	case pending == len(AllStages):
		return StatusPending
	default:
		return StatusProcessing
	}
}

// Terminal reports whether the job can make no further progress.
func (j *AnalysisJob) Terminal() bool {
	s := j.OverallStatus()
	return s == StatusCompleted || s == StatusFailed
}

// GithubData is the normalized output of the GitHub collector.
type GithubData struct {
	Username      string `json:"username"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Location      string `json:"location"`
	Bio           string `json:"bio"`
	AvatarURL     string `json:"avatar_url"`
	Followers     int    `json:"followers"`
	Contributions int    `json:"contributions"`
	PullRequests  int    `json:"pull_requests"`
	Issues        int    `json:"issues"`
	TotalCommits  int    `json:"total_commits"`
	RepoCount     int    `json:"repo_count"`
	TotalStars    int    `json:"total_stars"`
}

// ContractsData is the normalized output of the contracts collector,
// aggregated across all submitted addresses.
type ContractsData struct {
	MainnetContracts int     `json:"mainnet_contracts"`
	TestnetContracts int     `json:"testnet_contracts"`
	DeploymentTxs    int     `json:"deployment_txs"`
	TVL              float64 `json:"tvl"`
	UniqueUsers      int     `json:"unique_users"`
}

// OnchainData is the normalized output of the on-chain activity collector.
// Hackathon history rides along here: both feed the same web3 sub-score and
// share one stage of the pipeline.
type OnchainData struct {
	TransactionCount int    `json:"transaction_count"`
	ActiveChains     int    `json:"active_chains"`
	FirstTxAt        string `json:"first_tx_at,omitempty"`
	HackathonWins    int    `json:"hackathon_wins"`
	HackathonEntries int    `json:"hackathon_entries"`
}

// MergedData is the union of collector outputs. Each field is written exactly
// once, by its own stage, so merging is order-independent.
type MergedData struct {
	Github    *GithubData    `json:"github,omitempty"`
	Contracts *ContractsData `json:"contracts,omitempty"`
	Onchain   *OnchainData   `json:"onchain,omitempty"`
}

// Score holds the composite reputation score and its sub-scores.
type Score struct {
	TotalScore float64 `json:"total_score"`
	Web2Total  float64 `json:"web2_total"`
	Web3Total  float64 `json:"web3_total"`
}

// CredentialResult records a successful credential issuance.
type CredentialResult struct {
	CredentialHash string `json:"credential_hash"`
	CredentialID   string `json:"credential_id"`
	IssuerDID      string `json:"issuer_did"`
}
