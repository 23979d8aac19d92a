package report

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePayload = `{"websiteUrl":"https://example.com","averageScore":88.4,"overallLevel":"good","severityLevel":"low","totalAnalyzedUrls":7}`

func TestFetchRetriesUntilAvailable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(samplePayload)) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond, MaxAttempts: 5})
	rpt, err := f.Fetch(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), calls.Load())
	require.InDelta(t, 88.4, rpt.AverageScore, 0.001)
	require.Equal(t, 7, rpt.TotalAnalyzedURLs)
}

// TestFetchRetryExhaustion: a server that never produces the artifact ends
// with a recoverable exhaustion error, not a crash.
func TestFetchRetryExhaustion(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond, MaxAttempts: 4})
	_, err := f.Fetch(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, int64(4), calls.Load())
}

func TestFetchServerErrorSurfacesImmediately(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond, MaxAttempts: 10})
	_, err := f.Fetch(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrFetchFailed)
	require.Equal(t, int64(1), calls.Load(), "non-404 failures must not retry")
}

// TestFetchInFlightGuard: two overlapping fetch calls for the same job yield
// exactly one outbound request; the loser gets ErrFetchInFlight.
func TestFetchInFlightGuard(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(samplePayload)) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond, MaxAttempts: 2})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.Fetch(context.Background(), "job-1")
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := f.Fetch(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrFetchInFlight)

	// A different job is not blocked by job-1's slot.
	close(release)
	_, err = f.Fetch(context.Background(), "job-2")
	require.NoError(t, err)

	wg.Wait()
	require.Equal(t, int64(2), calls.Load())
}

func TestFetchContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(Config{BaseURL: srv.URL, RetryDelay: time.Minute, MaxAttempts: 5})

	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(ctx, "job-1")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not honor context cancellation")
	}
}

func TestFetchMalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewFetcher(Config{BaseURL: srv.URL, RetryDelay: time.Millisecond, MaxAttempts: 2})
	_, err := f.Fetch(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrFetchFailed)
}
