// Package analysis calls the external AI image-analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"companion-jobs/internal/config"
)

const maxResponseBytes = 1 << 20

// Request is the JSON body posted to the analysis service.
type Request struct {
	ImageURL     string `json:"imageUrl"`
	AnalysisType string `json:"analysisType"`
	UserID       string `json:"userId"`
}

// Client posts analysis requests. Outbound calls are throttled by a shared limiter
// because the upstream service is rate limited per API key.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New builds a client from config.
func New(cfg config.Config) *Client {
	timeout := cfg.AnalysisTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return NewWithHTTPClient(cfg.AnalysisURL, cfg.AnalysisAPIKey, &http.Client{Timeout: timeout}, cfg.AnalysisRatePerSec)
}

// NewWithHTTPClient builds a client around an existing http.Client. ratePerSec <= 0 disables throttling.
func NewWithHTTPClient(url, apiKey string, httpClient *http.Client, ratePerSec float64) *Client {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Analyze submits req and returns the service's JSON response. Any non-2xx status,
// transport error or non-JSON body is an error.
func (c *Client) Analyze(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.url == "" {
		return nil, errors.New("analysis service url is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for analysis rate limit: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analysis POST: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("analysis POST: unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
	}
	if !json.Valid(data) {
		return nil, errors.New("analysis response is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func truncate(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
