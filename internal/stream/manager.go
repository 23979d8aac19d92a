// Package stream owns the push-event connection to the audit service. It
// maintains one SSE connection per client ID, normalizes wire events through
// the tagged-union decoder, suppresses duplicate terminal triggers, and
// reconnects with capped jittered backoff while the owning job is live.
package stream

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/metrics"
)

// State is the connection lifecycle position. Open also covers active
// receiving; the manager reads continuously once open.
type State string

// Connection states.
const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	eventBuffer        = 32
	maxLineBytes       = 2 * 1024 * 1024
)

// ErrNoClientID is returned by Activate when the manager was configured
// without a client identifier.
var ErrNoClientID = errors.New("stream: client id is required")

// Config controls the Manager.
//   - BaseURL: audit service origin, e.g. https://api.webaudit.cloud.
//   - ClientID: stable installation identifier addressing the stream.
//   - HTTPClient: optional transport (defaults to a client without timeout,
//     since the stream is long-lived).
//   - BackoffBase/BackoffMax: reconnect delay bounds (default 1s/30s).
//   - Logger: optional structured logger.
//   - Metrics: optional recorder; nil records nothing.
type Config struct {
	BaseURL     string
	ClientID    string
	HTTPClient  *http.Client
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
}

// Manager runs the per-client event stream connection.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	fired  bool

	events chan Event
}

// NewManager builds a Manager in the Idle state.
func NewManager(cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Manager{
		cfg:    cfg,
		client: client,
		logger: logger,
		state:  StateIdle,
		events: make(chan Event, eventBuffer),
	}
}

// Events delivers decoded canonical events. The channel is closed when the
// manager shuts down.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activate starts the connection loop. It is idempotent: a second call while
// the loop is live is a no-op, and a call after Close returns an error. The
// caller decides whether activation is warranted (non-terminal record).
func (m *Manager) Activate(ctx context.Context) error {
	if m.cfg.ClientID == "" {
		return ErrNoClientID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting, StateOpen, StateReconnecting:
		return nil
	case StateClosed:
		return errors.New("stream: manager is closed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateConnecting
	go m.run(runCtx)
	return nil
}

// Close tears down the connection and waits for the loop to exit. Safe to
// call multiple times and on a never-activated manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	} else {
		close(m.events)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.events)
	defer close(m.done)
	// The loop exits on Close or on activation-context cancellation; either
	// way the lifecycle is finished, so a later Activate must fail loudly
	// instead of no-opping on a dead manager.
	defer m.markClosed()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.connectAndRead(ctx, &attempt)
		if ctx.Err() != nil || m.State() == StateClosed {
			return
		}
		m.setState(StateReconnecting)
		m.cfg.Metrics.StreamReconnect()
		delay := m.backoff(attempt)
		attempt++
		m.logger.Warn("event stream dropped, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (m *Manager) connectAndRead(ctx context.Context, attempt *int) error {
	m.setState(StateConnecting)
	endpoint := fmt.Sprintf("%s/api/sse/connect/%s",
		strings.TrimRight(m.cfg.BaseURL, "/"), url.PathEscape(m.cfg.ClientID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream: connect: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Debug("stream body close failed", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream: connect status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	m.setState(StateOpen)
	*attempt = 0
	m.cfg.Metrics.StreamConnected()
	m.logger.Info("event stream connected", zap.String("client_id", m.cfg.ClientID))

	return m.readLoop(ctx, resp.Body)
}

// readLoop parses the text/event-stream framing: "event:"/"data:" lines
// accumulate until a blank line dispatches the frame.
func (m *Manager) readLoop(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var eventName string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			m.dispatch(ctx, eventName, strings.Join(dataLines, "\n"))
			eventName = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			part := strings.TrimPrefix(line, "data:")
			part = strings.TrimPrefix(part, " ")
			dataLines = append(dataLines, part)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: read: %w", err)
	}
	return errors.New("stream: server closed connection")
}

func (m *Manager) dispatch(ctx context.Context, name, data string) {
	if name == "" && data == "" {
		return
	}
	evt, err := Decode(name, []byte(data))
	if err != nil {
		// One bad message must not tear down the session.
		m.cfg.Metrics.StreamEvent(metrics.EventMalformed)
		m.logger.Warn("discarding malformed stream event",
			zap.String("event", name), zap.Error(err))
		return
	}
	if evt.Kind == KindUnrecognized {
		m.cfg.Metrics.StreamEvent(metrics.EventUnrecognized)
		m.logger.Debug("unrecognized stream event", zap.String("event", name))
	}
	if !m.admit(evt) {
		m.cfg.Metrics.StreamEvent(metrics.EventDropped)
		m.logger.Debug("ignoring stream event after terminal trigger",
			zap.String("kind", string(evt.Kind)))
		return
	}
	select {
	case m.events <- evt:
	case <-ctx.Done():
	}
}

// admit enforces the single terminal trigger: once a complete event or a
// 100% progress report has been forwarded, the report fetch becomes the
// source of truth and later events are dropped.
func (m *Manager) admit(evt Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired {
		return false
	}
	if evt.Kind == KindComplete ||
		(evt.Kind == KindProgress && evt.Progress.Percentage != nil && *evt.Progress.Percentage >= 100) {
		m.fired = true
	}
	return true
}

func (m *Manager) markClosed() {
	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.state = s
}

// backoff returns the jittered exponential delay for the given attempt,
// capped at BackoffMax.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := float64(m.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(m.cfg.BackoffMax) {
		delay = float64(m.cfg.BackoffMax)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
