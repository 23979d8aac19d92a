// Package reconciler merges the three progress sources — the persisted
// record, the live event stream, and the terminal report fetch — into one
// authoritative session view. A single goroutine owns the record; every
// mutation passes through the monotonicity invariant before it is applied
// and persisted.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webaudit/auditwatch/internal/metrics"
	"github.com/webaudit/auditwatch/internal/report"
	"github.com/webaudit/auditwatch/internal/session"
	"github.com/webaudit/auditwatch/internal/stagemap"
	"github.com/webaudit/auditwatch/internal/stream"
)

// Input errors surfaced at activation. These are terminal and non-retryable;
// no record is created when they occur.
var (
	ErrNoJobID    = errors.New("reconciler: job id is required")
	ErrNoClientID = errors.New("reconciler: client id is required")
)

const defaultPollInterval = 30 * time.Second

// EventStream is the slice of the stream manager the reconciler drives.
type EventStream interface {
	Activate(ctx context.Context) error
	Events() <-chan stream.Event
	State() stream.State
	Close()
}

// ReportFetcher retrieves the terminal artifact.
type ReportFetcher interface {
	Fetch(ctx context.Context, jobID string) (session.Report, error)
}

// View is the snapshot handed to the presentation layer. It always renders:
// Label is never empty, and Record.Status DONE implies Record.Result != nil.
type View struct {
	Record session.Record
	Label  string
	Live   bool
	Err    string
}

// Config controls the Reconciler.
//   - PollInterval: fallback fetch-final cadence covering a lost stream
//     terminal event (default 30s, <0 disables).
//   - Clock: injectable time source for tests.
type Config struct {
	PollInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
}

// Reconciler owns one job's session record.
type Reconciler struct {
	cfg     Config
	logger  *zap.Logger
	store   session.Store
	stream  EventStream
	fetcher ReportFetcher

	mu    sync.RWMutex
	rec   session.Record
	label string
	errs  string

	updates chan View

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// New wires a Reconciler. The stream and fetcher are injected so transports
// stay at the boundary.
func New(cfg Config, store session.Store, es EventStream, rf ReportFetcher) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		stream:  es,
		fetcher: rf,
		updates: make(chan View, 1),
		done:    make(chan struct{}),
	}
}

// Activate loads or synthesizes the record for jobID and, when the record is
// live, connects the event stream and starts the reconciliation loop. A
// persisted DONE record with a result is presented immediately and never
// reopens the stream.
func (r *Reconciler) Activate(ctx context.Context, jobID, targetURL, clientID string) error {
	if jobID == "" {
		return ErrNoJobID
	}
	rec, err := r.store.Load(ctx, jobID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		if clientID == "" {
			return ErrNoClientID
		}
		rec = session.New(jobID, targetURL, clientID, r.cfg.Clock())
		r.persist(ctx, rec)
	case err != nil:
		// Storage trouble is best-effort territory: start fresh in memory,
		// the live stream remains the source of truth.
		r.logger.Warn("record load failed, synthesizing", zap.String("job_id", jobID), zap.Error(err))
		if clientID == "" {
			return ErrNoClientID
		}
		rec = session.New(jobID, targetURL, clientID, r.cfg.Clock())
	}

	r.mu.Lock()
	r.rec = rec
	r.label = defaultLabel(rec.Status)
	r.mu.Unlock()
	r.publish()

	if rec.Status == session.StatusDone && rec.Result != nil {
		r.logger.Info("record already complete, skipping stream", zap.String("job_id", jobID))
		return nil
	}
	if rec.Status.Terminal() {
		return nil
	}
	if rec.ClientID == "" {
		return ErrNoClientID
	}

	if err := r.stream.Activate(ctx); err != nil {
		return fmt.Errorf("reconciler: activate stream: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.started = true
	r.mu.Unlock()
	go r.run(runCtx)
	return nil
}

// View returns the current snapshot.
func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return View{
		Record: r.rec,
		Label:  r.label,
		Live:   r.stream != nil && r.stream.State() == stream.StateOpen,
		Err:    r.errs,
	}
}

// Updates delivers view snapshots, latest-wins. Slow consumers only ever
// miss intermediate states, never the newest one.
func (r *Reconciler) Updates() <-chan View {
	return r.updates
}

// Close tears down the loop and the stream connection. Safe to call
// multiple times.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-r.done
	}
	r.stream.Close()
}

type fetchResult struct {
	rpt     session.Report
	err     error
	fromStr bool
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	events := r.stream.Events()
	fetchCh := make(chan fetchResult, 1)
	fetching := false

	var pollCh <-chan time.Time
	if r.cfg.PollInterval > 0 {
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		pollCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				events = nil
				r.publish()
				continue
			}
			if done := r.handleEvent(ctx, evt, fetchCh, &fetching); done {
				return
			}
		case <-pollCh:
			if rec := r.snapshot(); !rec.Status.Terminal() {
				r.startFetch(ctx, rec.JobID, false, fetchCh, &fetching)
			}
		case res := <-fetchCh:
			fetching = false
			if done := r.handleFetchResult(ctx, res); done {
				return
			}
		}
	}
}

func (r *Reconciler) handleEvent(
	ctx context.Context,
	evt stream.Event,
	fetchCh chan fetchResult,
	fetching *bool,
) bool {
	switch evt.Kind {
	case stream.KindProgress:
		terminal, fetchNow := r.applyProgress(ctx, evt.Progress)
		if terminal {
			r.stream.Close()
			return true
		}
		if fetchNow {
			r.startFetch(ctx, r.snapshot().JobID, true, fetchCh, fetching)
		}
	case stream.KindComplete:
		if len(evt.Complete.Report) > 0 {
			rpt, err := session.ParseReport(evt.Complete.Report)
			if err != nil {
				r.logger.Warn("inline report unparsable, falling back to fetch", zap.Error(err))
				r.startFetch(ctx, r.snapshot().JobID, true, fetchCh, fetching)
				return false
			}
			return r.applyReport(ctx, rpt)
		}
		jobID := evt.Complete.JobID
		if jobID == "" {
			jobID = r.snapshot().JobID
		}
		r.startFetch(ctx, jobID, true, fetchCh, fetching)
	case stream.KindUnrecognized:
		r.logger.Debug("ignoring unrecognized stream event", zap.String("event", evt.RawName))
	}
	return false
}

// applyProgress routes a raw stage report through the mapper and merges the
// outcome. terminal reports a server-declared ERROR; fetchNow reports that
// the job finished (COMPLETED stage or 100%) and the final report should be
// fetched. A COMPLETED stage never sets DONE directly: DONE is reached only
// with a result attached, so the view can never show DONE without one.
func (r *Reconciler) applyProgress(ctx context.Context, p stream.ProgressEvent) (terminal, fetchNow bool) {
	r.mu.Lock()
	prev := r.rec
	out := stagemap.Map(stagemap.Input{
		Stage:        p.Stage,
		Percentage:   p.Percentage,
		CrawledCount: p.CrawledCount,
		TotalCount:   p.TotalCount,
		Message:      p.Message,
	}, prev.Progress)

	status, progress := out.Status, out.Progress
	if status == session.StatusDone {
		status, progress = session.StatusRunning, 99
		fetchNow = true
	}
	if p.Percentage != nil && *p.Percentage >= 100 {
		fetchNow = true
	}
	next, err := prev.Advance(status, progress)
	if err != nil {
		r.mu.Unlock()
		r.cfg.Metrics.UpdateRejected(rejectReason(err))
		r.logger.Warn("rejecting stream update",
			zap.String("job_id", prev.JobID),
			zap.String("stage", p.Stage),
			zap.Error(err),
		)
		return false, fetchNow
	}
	r.rec = next
	r.label = out.Label
	r.mu.Unlock()

	r.cfg.Metrics.UpdateApplied()
	r.cfg.Metrics.StreamEvent(metrics.EventApplied)
	r.persist(ctx, next)
	r.publish()
	return next.Status.Terminal(), fetchNow
}

func (r *Reconciler) startFetch(
	ctx context.Context,
	jobID string,
	fromStream bool,
	fetchCh chan fetchResult,
	fetching *bool,
) {
	if *fetching {
		return
	}
	*fetching = true
	go func() {
		rpt, err := r.fetcher.Fetch(ctx, jobID)
		select {
		case fetchCh <- fetchResult{rpt: rpt, err: err, fromStr: fromStream}:
		case <-ctx.Done():
		}
	}()
}

func (r *Reconciler) handleFetchResult(ctx context.Context, res fetchResult) bool {
	switch {
	case res.err == nil:
		return r.applyReport(ctx, res.rpt)
	case errors.Is(res.err, report.ErrFetchInFlight):
		// Defined result for a duplicate trigger; nothing to do.
		return false
	case res.fromStr:
		// Exhausted or failed after a terminal trigger: recoverable, the job
		// may still be progressing server-side. Status stays RUNNING.
		r.mu.Lock()
		r.errs = "final report is not available yet"
		r.mu.Unlock()
		r.logger.Warn("terminal report fetch failed", zap.Error(res.err))
		r.publish()
	default:
		// Fallback poll probes are quiet; the stream remains authoritative.
		r.logger.Debug("poll fetch did not complete", zap.Error(res.err))
	}
	return false
}

// applyReport attaches the terminal artifact, persists, and tears down the
// stream. Returns true so the run loop exits: the record is now immutable.
func (r *Reconciler) applyReport(ctx context.Context, rpt session.Report) bool {
	r.mu.Lock()
	next, err := r.rec.AttachResult(rpt)
	if err != nil {
		r.mu.Unlock()
		r.cfg.Metrics.UpdateRejected(rejectReason(err))
		r.logger.Warn("rejecting report attach", zap.Error(err))
		return true
	}
	r.rec = next
	r.label = defaultLabel(session.StatusDone)
	r.errs = ""
	r.mu.Unlock()

	r.cfg.Metrics.UpdateApplied()
	r.persist(ctx, next)
	r.publish()
	r.stream.Close()
	r.logger.Info("session complete", zap.String("job_id", next.JobID))
	return true
}

func (r *Reconciler) snapshot() session.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec
}

// persist saves best-effort: failures are logged and swallowed because the
// live stream remains the source of truth.
func (r *Reconciler) persist(ctx context.Context, rec session.Record) {
	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Warn("record save failed",
			zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

// publish pushes the latest view, dropping the stale one if unconsumed.
func (r *Reconciler) publish() {
	v := r.View()
	for {
		select {
		case r.updates <- v:
			return
		default:
			select {
			case <-r.updates:
			default:
			}
		}
	}
}

func defaultLabel(s session.Status) string {
	switch s {
	case session.StatusPending:
		return "Waiting to start…"
	case session.StatusRunning:
		return "Analysis in progress…"
	case session.StatusDone:
		return "Analysis complete"
	case session.StatusError:
		return "Analysis failed"
	default:
		return "Syncing…"
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, session.ErrProgressRegression):
		return "regression"
	case errors.Is(err, session.ErrTerminal):
		return "terminal"
	default:
		return "transition"
	}
}
