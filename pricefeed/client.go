// Package pricefeed fetches window-close portfolio valuations from the
// pricing service.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"arenasettle/games"
)

// Client queries the valuation endpoint over HTTP. It implements the
// orchestrator's Valuer interface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a client for the supplied endpoint.
func New(endpoint string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("pricefeed: endpoint required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: trimmed,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type valuationResponse struct {
	FinalValue  string  `json:"final_value"`
	Performance float64 `json:"performance"`
}

// Value prices one portfolio at its competition's window close. The pricing
// service owns the as-of semantics; this client only validates the shape of
// what comes back.
func (c *Client) Value(ctx context.Context, portfolio games.Portfolio) (*big.Int, float64, error) {
	url := fmt.Sprintf("%s/v1/portfolios/%s/valuation", c.baseURL, portfolio.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("pricefeed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("pricefeed: fetch valuation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("pricefeed: valuation for %s returned %d", portfolio.ID, resp.StatusCode)
	}

	var body valuationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, 0, fmt.Errorf("pricefeed: decode valuation: %w", err)
	}
	value, err := games.ParseAmount(body.FinalValue)
	if err != nil {
		return nil, 0, fmt.Errorf("pricefeed: portfolio %s: %w", portfolio.ID, err)
	}
	if value.Sign() <= 0 {
		return nil, 0, fmt.Errorf("pricefeed: portfolio %s valued non-positive (%s)", portfolio.ID, body.FinalValue)
	}
	if math.IsNaN(body.Performance) || math.IsInf(body.Performance, 0) {
		return nil, 0, fmt.Errorf("pricefeed: portfolio %s performance non-finite", portfolio.ID)
	}
	return value, body.Performance, nil
}
