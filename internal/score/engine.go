// Package score computes the composite reputation score. Compute is a pure
// function of the merged collector data and the scoring configuration: no
// I/O, no clock, no randomness.
package score

import "github.com/devscorehq/devscore/pkg/models"

// Verification levels, keyed off totalScore. Partners gate access policies on
// these, so the strict-greater-than boundaries must not change.
const (
	LevelBasic    = "BASIC"
	LevelVerified = "VERIFIED"
	LevelPremium  = "PREMIUM"
)

// Result is the full output of one scoring run.
type Result struct {
	Web2Total         float64
	Web3Total         float64
	TotalScore        float64
	DeveloperWorth    float64
	VerificationLevel string
}

var web2Metrics = []string{
	"contributions", "pullRequests", "issues", "totalCommits", "followers", "totalStars",
}

var web3Metrics = []string{
	"mainnetContracts", "testnetContracts", "deploymentTxs", "tvl",
	"uniqueUsers", "transactionCount", "activeChains", "hackathonWins", "hackathonEntries",
}

// Compute scores the merged data under the given config.
//
// Each metric saturates at its threshold (value >= threshold contributes the
// full weight) and missing collectors contribute zero. The reported web2 and
// web3 sub-scores are clipped to [0,100]; totalScore is the unclipped sum of
// both weighted sums so the verification ladder above 200 and 500 stays
// reachable. developerWorth is a dollar estimate and is never clipped.
func Compute(data models.MergedData, cfg *Config) Result {
	metrics := extract(data)

	web2Raw := weightedSum(metrics, web2Metrics, cfg)
	web3Raw := weightedSum(metrics, web3Metrics, cfg)

	total := web2Raw + web3Raw

	worth := 0.0
	for name, mult := range cfg.DeveloperWorthMultipliers {
		worth += metrics[name] * mult
	}

	return Result{
		Web2Total:         clip(web2Raw, 0, 100),
		Web3Total:         clip(web3Raw, 0, 100),
		TotalScore:        total,
		DeveloperWorth:    worth,
		VerificationLevel: Level(total),
	}
}

// Level maps a total score onto the verification ladder. Boundaries are
// strict: exactly 500 is VERIFIED, exactly 200 is BASIC.
func Level(totalScore float64) string {
	switch {
	case totalScore > 500:
		return LevelPremium
	case totalScore > 200:
		return LevelVerified
	default:
		return LevelBasic
	}
}

func weightedSum(metrics map[string]float64, names []string, cfg *Config) float64 {
	sum := 0.0
	for _, name := range names {
		threshold := cfg.Thresholds[name]
		weight := cfg.Weights[name]
		if threshold <= 0 || weight == 0 {
			continue
		}
		normalized := metrics[name] / threshold
		if normalized > 1 {
			normalized = 1
		}
		sum += normalized * weight
	}
	return sum
}

// extract flattens the merged document into named metrics. Absent collectors
// yield zeroes, never NaN.
func extract(data models.MergedData) map[string]float64 {
	m := make(map[string]float64, len(web2Metrics)+len(web3Metrics))

	if g := data.Github; g != nil {
		m["contributions"] = float64(g.Contributions)
		m["pullRequests"] = float64(g.PullRequests)
		m["issues"] = float64(g.Issues)
		m["totalCommits"] = float64(g.TotalCommits)
		m["followers"] = float64(g.Followers)
		m["totalStars"] = float64(g.TotalStars)
	}
	if c := data.Contracts; c != nil {
		m["mainnetContracts"] = float64(c.MainnetContracts)
		m["testnetContracts"] = float64(c.TestnetContracts)
		m["deploymentTxs"] = float64(c.DeploymentTxs)
		m["tvl"] = c.TVL
		m["uniqueUsers"] = float64(c.UniqueUsers)
	}
	if o := data.Onchain; o != nil {
		m["transactionCount"] = float64(o.TransactionCount)
		m["activeChains"] = float64(o.ActiveChains)
		m["hackathonWins"] = float64(o.HackathonWins)
		m["hackathonEntries"] = float64(o.HackathonEntries)
	}
	return m
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
