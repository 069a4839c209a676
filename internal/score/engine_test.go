package score_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscorehq/devscore/internal/score"
	"github.com/devscorehq/devscore/pkg/models"
)

func minimalConfig() *score.Config {
	return &score.Config{
		Thresholds: map[string]float64{
			"contributions":    200,
			"mainnetContracts": 5,
		},
		Weights: map[string]float64{
			"contributions":    20,
			"mainnetContracts": 25,
		},
		DeveloperWorthMultipliers: map[string]float64{
			"pullRequests":  200,
			"hackathonWins": 5000,
		},
	}
}

func TestCompute_SaturatedContribution(t *testing.T) {
	data := models.MergedData{
		Github: &models.GithubData{Contributions: 300},
	}

	result := score.Compute(data, minimalConfig())

	// min(300/200, 1) * 20 = 20
	assert.InDelta(t, 20.0, result.Web2Total, 1e-9)
}

func TestCompute_BelowThreshold(t *testing.T) {
	data := models.MergedData{
		Github: &models.GithubData{Contributions: 100},
	}

	result := score.Compute(data, minimalConfig())

	// (100/200) * 20 = 10
	assert.InDelta(t, 10.0, result.Web2Total, 1e-9)
}

func TestCompute_Deterministic(t *testing.T) {
	data := models.MergedData{
		Github:    &models.GithubData{Contributions: 150, PullRequests: 12},
		Contracts: &models.ContractsData{MainnetContracts: 3, TVL: 50000},
		Onchain:   &models.OnchainData{TransactionCount: 700, HackathonWins: 1},
	}
	cfg := score.DefaultConfig()

	first := score.Compute(data, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, score.Compute(data, cfg))
	}
}

func TestCompute_MissingCollectorsYieldZero(t *testing.T) {
	result := score.Compute(models.MergedData{}, score.DefaultConfig())

	assert.Zero(t, result.Web2Total)
	assert.Zero(t, result.Web3Total)
	assert.Zero(t, result.TotalScore)
	assert.Zero(t, result.DeveloperWorth)
	assert.Equal(t, score.LevelBasic, result.VerificationLevel)
}

func TestCompute_SubScoresClippedTotalIsNot(t *testing.T) {
	// Weights sum far beyond 100; every metric saturated.
	cfg := &score.Config{
		Thresholds: map[string]float64{
			"contributions": 1,
			"pullRequests":  1,
			"issues":        1,
		},
		Weights: map[string]float64{
			"contributions": 300,
			"pullRequests":  200,
			"issues":        100,
		},
		DeveloperWorthMultipliers: map[string]float64{},
	}
	data := models.MergedData{
		Github: &models.GithubData{Contributions: 5, PullRequests: 5, Issues: 5},
	}

	result := score.Compute(data, cfg)

	assert.Equal(t, 100.0, result.Web2Total, "sub-score must clip at 100")
	assert.Equal(t, 600.0, result.TotalScore, "total must not clip")
	assert.Equal(t, score.LevelPremium, result.VerificationLevel)
}

func TestCompute_DeveloperWorthUnclipped(t *testing.T) {
	data := models.MergedData{
		Github:  &models.GithubData{PullRequests: 100},
		Onchain: &models.OnchainData{HackathonWins: 4},
	}

	result := score.Compute(data, minimalConfig())

	// 100*200 + 4*5000 = 40000
	assert.InDelta(t, 40000.0, result.DeveloperWorth, 1e-9)
}

func TestCompute_DoesNotMutateConfig(t *testing.T) {
	cfg := minimalConfig()
	data := models.MergedData{Github: &models.GithubData{Contributions: 300}}

	score.Compute(data, cfg)

	require.Equal(t, minimalConfig(), cfg)
}

func TestLevel_Boundaries(t *testing.T) {
	tests := []struct {
		total float64
		want  string
	}{
		{0, score.LevelBasic},
		{200, score.LevelBasic},
		{200.01, score.LevelVerified},
		{350, score.LevelVerified},
		{500, score.LevelVerified},
		{500.01, score.LevelPremium},
		{900, score.LevelPremium},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, score.Level(tt.total), "totalScore=%v", tt.total)
	}
}
