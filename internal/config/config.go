package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the DevScore server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Github    GithubConfig
	Chain     ChainConfig
	Hackathon HackathonConfig
	Issuer    IssuerConfig
	Pipeline  PipelineConfig
	ScoreFile string
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type GithubConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type ChainConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type HackathonConfig struct {
	BaseURL string
	Timeout time.Duration
}

type IssuerConfig struct {
	BaseURL      string
	DID          string
	APIKey       string
	CredentialID string
	Timeout      time.Duration
}

// PipelineConfig tunes the durable queue: retry budgets and backoff for the
// collector stages and the issuance stage, worker concurrency, and how long a
// progress document survives after its last write.
type PipelineConfig struct {
	CollectorAttempts int
	CollectorBackoff  BackoffConfig
	IssuanceAttempts  int
	IssuanceBackoff   BackoffConfig
	WorkerConcurrency int
	ProgressTTL       time.Duration
}

type BackoffConfig struct {
	Kind  string // "fixed" or "exponential"
	Delay time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DEVSCORE_PORT", 8080),
			Env:  envString("DEVSCORE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Github: GithubConfig{
			BaseURL: envString("GITHUB_API_URL", "https://api.github.com/graphql"),
			Token:   os.Getenv("GITHUB_TOKEN"),
			Timeout: envDuration("GITHUB_TIMEOUT", 30*time.Second),
		},
		Chain: ChainConfig{
			BaseURL: os.Getenv("CHAIN_PROVIDER_URL"),
			APIKey:  os.Getenv("CHAIN_PROVIDER_API_KEY"),
			Timeout: envDuration("CHAIN_PROVIDER_TIMEOUT", 30*time.Second),
		},
		Hackathon: HackathonConfig{
			BaseURL: os.Getenv("HACKATHON_PROVIDER_URL"),
			Timeout: envDuration("HACKATHON_PROVIDER_TIMEOUT", 15*time.Second),
		},
		Issuer: IssuerConfig{
			BaseURL:      os.Getenv("ISSUER_BASE_URL"),
			DID:          os.Getenv("ISSUER_DID"),
			APIKey:       os.Getenv("ISSUER_API_KEY"),
			CredentialID: os.Getenv("ISSUER_CREDENTIAL_ID"),
			Timeout:      envDuration("ISSUER_TIMEOUT", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			CollectorAttempts: envInt("COLLECTOR_ATTEMPTS", 3),
			CollectorBackoff: BackoffConfig{
				Kind:  envString("COLLECTOR_BACKOFF", "exponential"),
				Delay: envDuration("COLLECTOR_BACKOFF_DELAY", 5*time.Second),
			},
			IssuanceAttempts: envInt("ISSUANCE_ATTEMPTS", 3),
			IssuanceBackoff: BackoffConfig{
				Kind:  envString("ISSUANCE_BACKOFF", "fixed"),
				Delay: envDuration("ISSUANCE_BACKOFF_DELAY", 10*time.Second),
			},
			WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
			ProgressTTL:       envDuration("PROGRESS_TTL", 24*time.Hour),
		},
		ScoreFile: os.Getenv("SCORE_CONFIG_FILE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Github.Token == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}

	if c.Chain.BaseURL == "" {
		return fmt.Errorf("CHAIN_PROVIDER_URL is required")
	}
	if !strings.HasPrefix(c.Chain.BaseURL, "http://") && !strings.HasPrefix(c.Chain.BaseURL, "https://") {
		return fmt.Errorf("CHAIN_PROVIDER_URL must start with http:// or https://, got %q", c.Chain.BaseURL)
	}

	if c.Hackathon.BaseURL != "" &&
		!strings.HasPrefix(c.Hackathon.BaseURL, "http://") && !strings.HasPrefix(c.Hackathon.BaseURL, "https://") {
		return fmt.Errorf("HACKATHON_PROVIDER_URL must start with http:// or https://, got %q", c.Hackathon.BaseURL)
	}

	if kind := c.Pipeline.CollectorBackoff.Kind; kind != "fixed" && kind != "exponential" {
		return fmt.Errorf("COLLECTOR_BACKOFF must be fixed or exponential; got %q", kind)
	}
	if kind := c.Pipeline.IssuanceBackoff.Kind; kind != "fixed" && kind != "exponential" {
		return fmt.Errorf("ISSUANCE_BACKOFF must be fixed or exponential; got %q", kind)
	}
	if c.Pipeline.CollectorAttempts < 1 {
		return fmt.Errorf("COLLECTOR_ATTEMPTS must be at least 1")
	}
	if c.Pipeline.IssuanceAttempts < 1 {
		return fmt.Errorf("ISSUANCE_ATTEMPTS must be at least 1")
	}

	// Issuer credentials are validated lazily by the credential service so
	// that collector-only deployments can run without them.

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
