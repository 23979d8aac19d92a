// Package submit starts audit jobs on the remote service. It sits upstream
// of the reconciliation core: one POST, one job ID, nothing retained.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ErrRejected reports that the service refused to start the job.
var ErrRejected = errors.New("submit: service rejected the job")

// Client submits audit jobs.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Config for a submission Client. BaseURL is required.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New builds a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: cfg.BaseURL, http: hc, logger: logger}
}

type submitRequest struct {
	MainURL string `json:"mainUrl"`
}

type submitResponse struct {
	WebsiteID string `json:"websiteId"`
	MainURL   string `json:"mainUrl"`
	Message   string `json:"message"`
}

// Submit starts an audit of targetURL and returns the job ID the service
// assigned. A 2xx response without a job ID is a rejection: the service uses
// the message field to explain (already queued, quota, invalid URL).
func (c *Client) Submit(ctx context.Context, targetURL string) (string, error) {
	if targetURL == "" {
		return "", errors.New("submit: target url is required")
	}
	body, err := json.Marshal(submitRequest{MainURL: targetURL})
	if err != nil {
		return "", fmt.Errorf("submit: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/websites/crawl", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("submit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("submit: decode response: %w", err)
	}
	if sr.WebsiteID == "" {
		if sr.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrRejected, sr.Message)
		}
		return "", fmt.Errorf("%w: no job id in response", ErrRejected)
	}

	c.logger.Info("job submitted",
		zap.String("job_id", sr.WebsiteID),
		zap.String("target_url", targetURL),
	)
	return sr.WebsiteID, nil
}
