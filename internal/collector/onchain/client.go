// Package onchain collects wallet activity from the chain data provider and
// hackathon participation history from the hackathon provider. Both feed the
// same pipeline stage because they describe the same thing from the scoring
// model's point of view: on-chain standing.
package onchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/devscorehq/devscore/pkg/models"
)

var (
	ErrUnreachable = errors.New("onchain provider unreachable")
	ErrRateLimited = errors.New("onchain provider rate limited")
	ErrBadResponse = errors.New("onchain provider returned invalid response")
)

// Collector fetches normalized on-chain activity for a subject.
type Collector interface {
	Collect(ctx context.Context, username string, addresses []string) (*models.OnchainData, error)
}

// Client implements Collector. The hackathon provider is optional; when its
// base URL is empty the hackathon fields stay zero.
type Client struct {
	chainURL     string
	chainAPIKey  string
	hackathonURL string
	client       *http.Client
}

func NewClient(chainURL, chainAPIKey, hackathonURL string, timeout time.Duration) *Client {
	return &Client{
		chainURL:     chainURL,
		chainAPIKey:  chainAPIKey,
		hackathonURL: hackathonURL,
		client:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) Collect(ctx context.Context, username string, addresses []string) (*models.OnchainData, error) {
	out := &models.OnchainData{}

	for _, addr := range addresses {
		activity, err := c.fetchActivity(ctx, addr)
		if err != nil {
			return nil, err
		}
		out.TransactionCount += activity.TransactionCount
		if activity.ActiveChains > out.ActiveChains {
			out.ActiveChains = activity.ActiveChains
		}
		if out.FirstTxAt == "" || (activity.FirstTxAt != "" && activity.FirstTxAt < out.FirstTxAt) {
			out.FirstTxAt = activity.FirstTxAt
		}
	}

	if c.hackathonURL != "" {
		history, err := c.fetchHackathons(ctx, username)
		if err != nil {
			return nil, err
		}
		out.HackathonWins = history.Wins
		out.HackathonEntries = history.Entries
	}

	return out, nil
}

func (c *Client) fetchActivity(ctx context.Context, address string) (*addressActivity, error) {
	u := fmt.Sprintf("%s/v1/address/%s/activity", c.chainURL, url.PathEscape(address))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.chainAPIKey != "" {
		httpReq.Header.Set("X-API-Key", c.chainAPIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var activity addressActivity
	if err := json.NewDecoder(resp.Body).Decode(&activity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return &activity, nil
}

func (c *Client) fetchHackathons(ctx context.Context, username string) (*hackathonHistory, error) {
	u := fmt.Sprintf("%s/participants/%s", c.hackathonURL, url.PathEscape(username))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	// Unknown participants are a normal outcome, not a failure.
	if resp.StatusCode == http.StatusNotFound {
		return &hackathonHistory{}, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	var history hackathonHistory
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return &history, nil
}

type addressActivity struct {
	TransactionCount int    `json:"transaction_count"`
	ActiveChains     int    `json:"active_chains"`
	FirstTxAt        string `json:"first_tx_at"`
}

type hackathonHistory struct {
	Wins    int `json:"wins"`
	Entries int `json:"entries"`
}

var _ Collector = (*Client)(nil)
