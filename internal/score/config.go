package score

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// Config is the operator-tunable scoring configuration: per-metric saturation
// thresholds, weights, and dollar multipliers for the developer-worth
// estimate. It is immutable once published; Compute never mutates it.
type Config struct {
	Thresholds                map[string]float64 `json:"thresholds"`
	Weights                   map[string]float64 `json:"weights"`
	DeveloperWorthMultipliers map[string]float64 `json:"developerWorthMultipliers"`
}

// DefaultConfig returns the compiled-in scoring parameters.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: map[string]float64{
			"contributions":    200,
			"pullRequests":     50,
			"issues":           30,
			"totalCommits":     500,
			"followers":        100,
			"totalStars":       250,
			"mainnetContracts": 5,
			"testnetContracts": 10,
			"deploymentTxs":    25,
			"tvl":              100000,
			"uniqueUsers":      500,
			"transactionCount": 1000,
			"activeChains":     5,
			"hackathonWins":    3,
			"hackathonEntries": 10,
		},
		Weights: map[string]float64{
			"contributions":    20,
			"pullRequests":     20,
			"issues":           10,
			"totalCommits":     20,
			"followers":        15,
			"totalStars":       15,
			"mainnetContracts": 25,
			"testnetContracts": 5,
			"deploymentTxs":    10,
			"tvl":              20,
			"uniqueUsers":      15,
			"transactionCount": 10,
			"activeChains":     5,
			"hackathonWins":    5,
			"hackathonEntries": 5,
		},
		DeveloperWorthMultipliers: map[string]float64{
			"totalCommits":     40,
			"pullRequests":     200,
			"contributions":    60,
			"followers":        25,
			"totalStars":       80,
			"mainnetContracts": 2500,
			"tvl":              0.01,
			"hackathonWins":    5000,
		},
	}
}

// LoadConfig reads a JSON scoring file and overlays it onto the defaults.
// Metrics absent from the file keep their default parameters.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read score config: %w", err)
	}
	var overlay Config
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parse score config: %w", err)
	}

	cfg := DefaultConfig()
	for k, v := range overlay.Thresholds {
		cfg.Thresholds[k] = v
	}
	for k, v := range overlay.Weights {
		cfg.Weights[k] = v
	}
	for k, v := range overlay.DeveloperWorthMultipliers {
		cfg.DeveloperWorthMultipliers[k] = v
	}
	return cfg, nil
}

// Provider hands out the current Config and supports hot reload. Readers
// always see a complete config, never a partial update.
type Provider struct {
	path string
	ptr  atomic.Pointer[Config]
}

// NewProvider loads the initial config. An empty path means defaults only.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	p.ptr.Store(cfg)
	return p, nil
}

// Current returns the active config.
func (p *Provider) Current() *Config {
	return p.ptr.Load()
}

// Reload re-reads the config file and swaps it in. A failed reload keeps the
// previous config active.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	cfg, err := LoadConfig(p.path)
	if err != nil {
		return err
	}
	p.ptr.Store(cfg)
	return nil
}
