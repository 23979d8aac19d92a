// Package report fetches the terminal artifact for a finished job. The fetch
// is idempotent and retrying: "not found yet" responses are retried on a
// fixed delay up to a ceiling, and a single-slot in-flight token guarantees
// at most one outbound request per job at a time.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/metrics"
	"github.com/webaudit/auditwatch/internal/session"
)

// Fetch failure modes. All are recoverable from the orchestrator's point of
// view; none forces the session into ERROR.
var (
	// ErrNotYetAvailable means the server has not produced the artifact yet.
	ErrNotYetAvailable = errors.New("report: not yet available")
	// ErrFetchFailed covers any other non-success response.
	ErrFetchFailed = errors.New("report: fetch failed")
	// ErrFetchInFlight rejects a fetch while one is already outstanding for
	// the same job. The caller gets a defined result, not a silent drop.
	ErrFetchInFlight = errors.New("report: fetch already in flight")
	// ErrRetriesExhausted is returned after the attempt ceiling.
	ErrRetriesExhausted = errors.New("report: retries exhausted")
)

const (
	defaultRetryDelay  = 1500 * time.Millisecond
	defaultMaxAttempts = 20
	maxErrorBodyBytes  = 4096
)

// Config controls the Fetcher.
//   - BaseURL: audit service origin.
//   - HTTPClient: optional transport (default http.DefaultClient).
//   - RetryDelay: spacing between not-yet-available retries (default 1.5s).
//   - MaxAttempts: attempt ceiling (default 20).
//   - Logger, Metrics: optional.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	RetryDelay  time.Duration
	MaxAttempts int
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
}

// Fetcher retrieves terminal reports.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Fetch retrieves the report for jobID, retrying while the server reports it
// is not ready. A concurrent call for the same job returns ErrFetchInFlight
// without touching the network. Exhausting the ceiling returns
// ErrRetriesExhausted; any other failure surfaces after the first attempt.
func (f *Fetcher) Fetch(ctx context.Context, jobID string) (session.Report, error) {
	if jobID == "" {
		return session.Report{}, fmt.Errorf("%w: empty job id", ErrFetchFailed)
	}
	if !f.acquire(jobID) {
		f.cfg.Metrics.FetchResult(metrics.FetchInFlight)
		return session.Report{}, ErrFetchInFlight
	}
	defer f.release(jobID)

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		rpt, err := f.fetchOnce(ctx, jobID)
		switch {
		case err == nil:
			f.cfg.Metrics.FetchResult(metrics.FetchSuccess)
			return rpt, nil
		case errors.Is(err, ErrNotYetAvailable):
			f.cfg.Metrics.FetchResult(metrics.FetchNotReady)
			f.logger.Debug("report not ready, retrying",
				zap.String("job_id", jobID), zap.Int("attempt", attempt))
			if attempt == f.cfg.MaxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return session.Report{}, fmt.Errorf("report: fetch wait: %w", ctx.Err())
			case <-time.After(f.cfg.RetryDelay):
			}
		default:
			f.cfg.Metrics.FetchResult(metrics.FetchFailed)
			return session.Report{}, err
		}
	}
	f.cfg.Metrics.FetchResult(metrics.FetchTimeout)
	return session.Report{}, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, f.cfg.MaxAttempts)
}

func (f *Fetcher) fetchOnce(ctx context.Context, jobID string) (session.Report, error) {
	endpoint := fmt.Sprintf("%s/api/reports/%s",
		strings.TrimRight(f.cfg.BaseURL, "/"), url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return session.Report{}, fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	f.cfg.Metrics.FetchAttempt()
	resp, err := f.client.Do(req)
	if err != nil {
		return session.Report{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("report body close failed", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes)) //nolint:errcheck
		return session.Report{}, ErrNotYetAvailable
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return session.Report{}, fmt.Errorf("%w: status %d: %s",
			ErrFetchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.Report{}, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	rpt, err := session.ParseReport(data)
	if err != nil {
		return session.Report{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return rpt, nil
}

func (f *Fetcher) acquire(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inflight[jobID]; busy {
		return false
	}
	f.inflight[jobID] = struct{}{}
	return true
}

func (f *Fetcher) release(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, jobID)
}
