package devserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(Config{
		StepInterval: 5 * time.Millisecond,
		PageCount:    2,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func submitJob(t *testing.T, baseURL string) string {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/websites/crawl", "application/json",
		strings.NewReader(`{"mainUrl":"https://example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		WebsiteID string `json:"websiteId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.WebsiteID)
	return body.WebsiteID
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/websites/crawl", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobLifecycleOverSSE(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/sse/connect/client-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	jobID := submitJob(t, srv.URL)

	var sawCrawling, sawAnalyzing, sawComplete bool
	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() && !sawComplete {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "progress":
				sawCrawling = sawCrawling || strings.Contains(data, "CRAWLING")
				sawAnalyzing = sawAnalyzing || strings.Contains(data, "ANALYZING")
			case "complete":
				require.Contains(t, data, jobID)
				sawComplete = true
			}
		}
	}
	require.True(t, sawCrawling, "expected collection progress")
	require.True(t, sawAnalyzing, "expected evaluation progress")
	require.True(t, sawComplete, "expected terminal event")

	// After completion the report becomes fetchable.
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/api/reports/" + jobID) //nolint:gosec // test URL
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return r.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReportNotReadyBeforeCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(New(Config{
		StepInterval: time.Hour, // never finishes during the test
		PageCount:    2,
	}).Handler())
	t.Cleanup(srv.Close)

	jobID := submitJob(t, srv.URL)

	resp, err := http.Get(srv.URL + "/api/reports/" + jobID) //nolint:gosec // test URL
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportUnknownJob(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/reports/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
