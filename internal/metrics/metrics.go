// Package metrics exports Prometheus collectors for the reconciliation core:
// stream connection churn, event dispositions, and report fetch outcomes.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns all collectors. A nil Recorder is valid and records nothing,
// so components never need to guard their instrumentation calls.
type Recorder struct {
	streamConnects   prometheus.Counter
	streamReconnects prometheus.Counter
	streamEvents     *prometheus.CounterVec
	fetchAttempts    prometheus.Counter
	fetchResults     *prometheus.CounterVec
	updatesApplied   prometheus.Counter
	updatesRejected  *prometheus.CounterVec
}

// Event dispositions tracked by the stream events counter.
const (
	EventApplied      = "applied"
	EventMalformed    = "malformed"
	EventUnrecognized = "unrecognized"
	EventDropped      = "dropped"
)

// Fetch results tracked by the report fetch counter.
const (
	FetchSuccess  = "success"
	FetchNotReady = "not_ready"
	FetchFailed   = "failed"
	FetchTimeout  = "timeout"
	FetchInFlight = "in_flight"
)

// NewRecorder registers the collectors against reg, defaulting to the global
// registerer when reg is nil.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		streamConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditwatch_stream_connects_total",
			Help: "Successful event stream connections.",
		}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditwatch_stream_reconnects_total",
			Help: "Stream reconnect attempts after transport errors.",
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditwatch_stream_events_total",
			Help: "Stream events partitioned by disposition.",
		}, []string{"disposition"}),
		fetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditwatch_report_fetch_attempts_total",
			Help: "Outbound terminal report fetch attempts.",
		}),
		fetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditwatch_report_fetch_results_total",
			Help: "Report fetch outcomes partitioned by result.",
		}, []string{"result"}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditwatch_record_updates_applied_total",
			Help: "Record mutations accepted by the reconciler.",
		}),
		updatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditwatch_record_updates_rejected_total",
			Help: "Record mutations rejected partitioned by reason.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{
		r.streamConnects,
		r.streamReconnects,
		r.streamEvents,
		r.fetchAttempts,
		r.fetchResults,
		r.updatesApplied,
		r.updatesRejected,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// StreamConnected counts a successful stream open.
func (r *Recorder) StreamConnected() {
	if r != nil {
		r.streamConnects.Inc()
	}
}

// StreamReconnect counts a reconnect attempt.
func (r *Recorder) StreamReconnect() {
	if r != nil {
		r.streamReconnects.Inc()
	}
}

// StreamEvent counts one event by disposition.
func (r *Recorder) StreamEvent(disposition string) {
	if r != nil {
		r.streamEvents.WithLabelValues(disposition).Inc()
	}
}

// FetchAttempt counts one outbound report request.
func (r *Recorder) FetchAttempt() {
	if r != nil {
		r.fetchAttempts.Inc()
	}
}

// FetchResult counts the outcome of a fetch call.
func (r *Recorder) FetchResult(result string) {
	if r != nil {
		r.fetchResults.WithLabelValues(result).Inc()
	}
}

// UpdateApplied counts an accepted record mutation.
func (r *Recorder) UpdateApplied() {
	if r != nil {
		r.updatesApplied.Inc()
	}
}

// UpdateRejected counts a rejected record mutation.
func (r *Recorder) UpdateRejected(reason string) {
	if r != nil {
		r.updatesRejected.WithLabelValues(reason).Inc()
	}
}
