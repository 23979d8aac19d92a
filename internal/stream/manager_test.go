package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sseHandler writes the provided frames and then blocks until the client
// disconnects, mimicking a long-lived event stream.
func sseHandler(t *testing.T, connects *atomic.Int64, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if connects != nil {
			connects.Add(1)
		}
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
		<-r.Context().Done()
	}
}

func progressFrame(stage string, pct int) string {
	return fmt.Sprintf("event: progress\ndata: {\"stage\":%q,\"percentage\":%d}\n\n", stage, pct)
}

func TestManagerReceivesProgress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(sseHandler(t, nil, []string{
		progressFrame("CRAWLING", 15),
		progressFrame("ANALYZING", 60),
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, ClientID: "client-1"})
	require.NoError(t, m.Activate(context.Background()))
	defer m.Close()

	first := waitEvent(t, m)
	require.Equal(t, KindProgress, first.Kind)
	require.Equal(t, "CRAWLING", first.Progress.Stage)

	second := waitEvent(t, m)
	require.Equal(t, "ANALYZING", second.Progress.Stage)
	require.Equal(t, StateOpen, m.State())
}

func TestManagerActivateIdempotent(t *testing.T) {
	t.Parallel()

	var connects atomic.Int64
	srv := httptest.NewServer(sseHandler(t, &connects, nil))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, ClientID: "client-1"})
	require.NoError(t, m.Activate(context.Background()))
	require.NoError(t, m.Activate(context.Background()))
	require.NoError(t, m.Activate(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool {
		return connects.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), connects.Load())
}

func TestManagerRequiresClientID(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{BaseURL: "http://127.0.0.1:0"})
	require.ErrorIs(t, m.Activate(context.Background()), ErrNoClientID)
}

// TestManagerMalformedEventRecovery feeds one unparsable frame followed by a
// valid one: the connection must stay open and the valid event must arrive.
func TestManagerMalformedEventRecovery(t *testing.T) {
	t.Parallel()

	var connects atomic.Int64
	srv := httptest.NewServer(sseHandler(t, &connects, []string{
		"event: progress\ndata: {not json at all\n\n",
		progressFrame("ANALYZING", 55),
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, ClientID: "client-1"})
	require.NoError(t, m.Activate(context.Background()))
	defer m.Close()

	evt := waitEvent(t, m)
	require.Equal(t, KindProgress, evt.Kind)
	require.Equal(t, "ANALYZING", evt.Progress.Stage)
	require.Equal(t, int64(1), connects.Load())
	require.Equal(t, StateOpen, m.State())
}

// TestManagerSingleTerminalTrigger verifies only one complete/100% event is
// forwarded; later stream traffic is ignored for state purposes.
func TestManagerSingleTerminalTrigger(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(sseHandler(t, nil, []string{
		progressFrame("ANALYZING", 100),
		"event: complete\ndata: {\"jobId\":\"job-1\"}\n\n",
		progressFrame("ANALYZING", 100),
	}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, ClientID: "client-1"})
	require.NoError(t, m.Activate(context.Background()))
	defer m.Close()

	evt := waitEvent(t, m)
	require.Equal(t, KindProgress, evt.Kind)
	require.Equal(t, 100, *evt.Progress.Percentage)

	select {
	case extra, ok := <-m.Events():
		if ok {
			t.Fatalf("expected no further events, got %+v", extra)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// TestManagerReconnects drops the first connection immediately and serves
// events on the second.
func TestManagerReconnects(t *testing.T) {
	t.Parallel()

	var connects atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusOK)
			return // immediate EOF
		}
		sseHandler(t, nil, []string{progressFrame("CRAWLING", 12)})(w, r)
	}))
	defer srv.Close()

	m := NewManager(Config{
		BaseURL:     srv.URL,
		ClientID:    "client-1",
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})
	require.NoError(t, m.Activate(context.Background()))
	defer m.Close()

	evt := waitEvent(t, m)
	require.Equal(t, KindProgress, evt.Kind)
	require.GreaterOrEqual(t, connects.Load(), int64(2))
}

func TestManagerCloseReleasesConnection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(sseHandler(t, nil, []string{progressFrame("CRAWLING", 10)}))
	defer srv.Close()

	m := NewManager(Config{BaseURL: srv.URL, ClientID: "client-1"})
	require.NoError(t, m.Activate(context.Background()))
	waitEvent(t, m)

	m.Close()
	require.Equal(t, StateClosed, m.State())

	// The events channel is closed on every exit path.
	_, ok := <-m.Events()
	require.False(t, ok)

	// A second close is safe, and the manager stays closed.
	m.Close()
	require.Error(t, m.Activate(context.Background()))
}

// TestManagerContextCancelFinishesLifecycle: cancelling the activation
// context without an explicit Close must still land the manager in Closed,
// with the events channel closed and reactivation rejected rather than
// silently no-opped.
func TestManagerContextCancelFinishesLifecycle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(sseHandler(t, nil, nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(Config{BaseURL: srv.URL, ClientID: "client-1"})
	require.NoError(t, m.Activate(ctx))
	require.Eventually(t, func() bool {
		return m.State() == StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return m.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := <-m.Events()
	require.False(t, ok)
	require.Error(t, m.Activate(context.Background()))
}

func waitEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case evt, ok := <-m.Events():
		require.True(t, ok, "events channel closed early")
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return Event{}
	}
}
