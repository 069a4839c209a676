// Package github collects contribution data from the GitHub GraphQL API.
// One batched query per subject fetches the contribution calendar, pull
// request and issue counts, profile fields, and per-repository commit totals
// in a single round trip to stay inside rate limits.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/devscorehq/devscore/pkg/models"
)

// Sentinel errors for GitHub collector failures.
var (
	ErrUnreachable = errors.New("github unreachable")
	ErrRateLimited = errors.New("github rate limited")
	ErrBadResponse = errors.New("github returned invalid response")
	ErrUserUnknown = errors.New("github user not found")
)

// Collector fetches normalized GitHub data for a username.
type Collector interface {
	Collect(ctx context.Context, username string) (*models.GithubData, error)
}

// Client implements Collector against the GraphQL endpoint. It never retries
// internally; each call is one network round trip and the job queue owns the
// retry schedule.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewClient creates a GitHub GraphQL client.
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

const userQuery = `
query($login: String!) {
  user(login: $login) {
    name
    email
    location
    bio
    avatarUrl
    followers { totalCount }
    contributionsCollection {
      contributionCalendar { totalContributions }
      pullRequestContributions: totalPullRequestContributions
      issueContributions: totalIssueContributions
      commitContributionsByRepository(maxRepositories: 100) {
        contributions { totalCount }
        repository { stargazerCount }
      }
    }
    repositories(first: 1, ownerAffiliations: OWNER) { totalCount }
  }
  rateLimit { remaining }
}`

func (c *Client) Collect(ctx context.Context, username string) (*models.GithubData, error) {
	body, err := json.Marshal(graphqlRequest{
		Query:     userQuery,
		Variables: map[string]any{"login": username},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var gqlResp graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if len(gqlResp.Errors) > 0 {
		if gqlResp.Errors[0].Type == "NOT_FOUND" {
			return nil, fmt.Errorf("%w: %s", ErrUserUnknown, username)
		}
		if gqlResp.Errors[0].Type == "RATE_LIMITED" {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, gqlResp.Errors[0].Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, gqlResp.Errors[0].Message)
	}
	if gqlResp.Data.User == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserUnknown, username)
	}

	return normalize(username, gqlResp.Data.User), nil
}

func normalize(username string, u *gqlUser) *models.GithubData {
	data := &models.GithubData{
		Username:      username,
		Name:          u.Name,
		Email:         u.Email,
		Location:      u.Location,
		Bio:           u.Bio,
		AvatarURL:     u.AvatarURL,
		Followers:     u.Followers.TotalCount,
		Contributions: u.Contributions.Calendar.TotalContributions,
		PullRequests:  u.Contributions.PullRequestContributions,
		Issues:        u.Contributions.IssueContributions,
		RepoCount:     u.Repositories.TotalCount,
	}
	for _, repo := range u.Contributions.CommitsByRepo {
		data.TotalCommits += repo.Contributions.TotalCount
		data.TotalStars += repo.Repository.StargazerCount
	}
	return data
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- GraphQL wire types ---

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		User *gqlUser `json:"user"`
	} `json:"data"`
	Errors []graphqlError `json:"errors"`
}

type graphqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type gqlUser struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Location  string `json:"location"`
	Bio       string `json:"bio"`
	AvatarURL string `json:"avatarUrl"`
	Followers struct {
		TotalCount int `json:"totalCount"`
	} `json:"followers"`
	Contributions struct {
		Calendar struct {
			TotalContributions int `json:"totalContributions"`
		} `json:"contributionCalendar"`
		PullRequestContributions int `json:"pullRequestContributions"`
		IssueContributions       int `json:"issueContributions"`
		CommitsByRepo            []struct {
			Contributions struct {
				TotalCount int `json:"totalCount"`
			} `json:"contributions"`
			Repository struct {
				StargazerCount int `json:"stargazerCount"`
			} `json:"repository"`
		} `json:"commitContributionsByRepository"`
	} `json:"contributionsCollection"`
	Repositories struct {
		TotalCount int `json:"totalCount"`
	} `json:"repositories"`
}

// Compile-time check that Client implements Collector.
var _ Collector = (*Client)(nil)
