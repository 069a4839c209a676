// Package contracts collects smart-contract deployment data from a chain
// data provider, aggregated across all submitted addresses.
package contracts

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
	ErrUnreachable = errors.New("chain provider unreachable")
	ErrRateLimited = errors.New("chain provider rate limited")
	ErrBadResponse = errors.New("chain provider returned invalid response")
)

// Collector fetches normalized contract data for a set of addresses.
type Collector interface {
	Collect(ctx context.Context, addresses []string) (*models.ContractsData, error)
}

// Client implements Collector against the provider's HTTP API. One request
// per address; retry belongs to the job queue.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) Collect(ctx context.Context, addresses []string) (*models.ContractsData, error) {
	out := &models.ContractsData{}
	for _, addr := range addresses {
		summary, err := c.fetchAddress(ctx, addr)
		if err != nil {
			return nil, err
		}
		out.MainnetContracts += summary.MainnetContracts
		out.TestnetContracts += summary.TestnetContracts
		out.DeploymentTxs += summary.DeploymentTxs
		out.TVL += summary.TVL
		out.UniqueUsers += summary.UniqueUsers
	}
	return out, nil
}

func (c *Client) fetchAddress(ctx context.Context, address string) (*addressSummary, error) {
	u := fmt.Sprintf("%s/v1/address/%s/contracts", c.baseURL, url.PathEscape(address))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
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

	var summary addressSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return &summary, nil
}

type addressSummary struct {
	MainnetContracts int     `json:"mainnet_contracts"`
	TestnetContracts int     `json:"testnet_contracts"`
	DeploymentTxs    int     `json:"deployment_txs"`
	TVL              float64 `json:"tvl"`
	UniqueUsers      int     `json:"unique_users"`
}

var _ Collector = (*Client)(nil)
