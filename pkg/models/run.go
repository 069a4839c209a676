package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalysisRun is the archived record of a terminal analysis. The progress
// store document expires with its TTL; runs persist for partner reporting.
type AnalysisRun struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	SubjectKey     string    `db:"subject_key"     json:"subject_key"`
	Status         string    `db:"status"          json:"status"`
	TotalScore     *float64  `db:"total_score"     json:"total_score,omitempty"`
	Web2Total      *float64  `db:"web2_total"      json:"web2_total,omitempty"`
	Web3Total      *float64  `db:"web3_total"      json:"web3_total,omitempty"`
	DeveloperWorth *float64  `db:"developer_worth" json:"developer_worth,omitempty"`
	CredentialHash *string   `db:"credential_hash" json:"credential_hash,omitempty"`
	MergedData     []byte    `db:"merged_data"     json:"merged_data,omitempty"`
	StartedAt      time.Time `db:"started_at"      json:"started_at"`
	FinishedAt     time.Time `db:"finished_at"     json:"finished_at"`
}
