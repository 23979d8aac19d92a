// Package session defines the durable per-job record model and the store
// contract that persistence backends implement.
package session

import (
	"errors"
	"fmt"
	"time"
)

// Status is the client-side view of a job's lifecycle.
type Status string

// Supported session statuses. PENDING and RUNNING are live; DONE and ERROR
// are terminal.
const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Terminal reports whether no further status or progress mutation is valid.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether the status is one of the known constants.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusError:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether moving from one status to another respects
// the lifecycle DAG: PENDING → RUNNING → {DONE, ERROR}. DONE is reached only
// through RUNNING; ERROR may follow any live state; RUNNING → RUNNING carries
// progress updates; terminal states accept no successor.
func ValidTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusPending:
		return from == StatusPending
	case StatusRunning:
		return from == StatusPending || from == StatusRunning
	case StatusDone:
		return from == StatusRunning
	case StatusError:
		return true
	default:
		return false
	}
}

// Record is the client's durable view of one job.
type Record struct {
	// JobID is the server-assigned identifier and the primary key.
	JobID string `json:"job_id"`
	// TargetURL is the resource under analysis; immutable after creation.
	TargetURL string `json:"target_url"`
	// ClientID addresses the event stream for this installation.
	ClientID string `json:"client_id"`
	// Status follows the lifecycle DAG; see ValidTransition.
	Status Status `json:"status"`
	// Progress is 0–100 and never regresses while the record is live.
	Progress int `json:"progress"`
	// Result is present iff Status is DONE.
	Result *Report `json:"result,omitempty"`
	// CreatedAt is set once when the record is synthesized.
	CreatedAt time.Time `json:"created_at"`
}

// New synthesizes a fresh PENDING record for a job.
func New(jobID, targetURL, clientID string, now time.Time) Record {
	return Record{
		JobID:     jobID,
		TargetURL: targetURL,
		ClientID:  clientID,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: now.UTC(),
	}
}

// Errors returned when a proposed mutation violates the record invariants.
var (
	ErrTerminal           = errors.New("session: record is terminal")
	ErrProgressRegression = errors.New("session: progress regression")
)

// Advance applies a status/progress proposal to a copy of the record and
// returns it. Terminal records reject every proposal except filling in a
// missing result on DONE (handled by AttachResult). A progress value below
// the stored one is rejected; equal values are applied so label-only updates
// still flow through.
func (r Record) Advance(status Status, progress int) (Record, error) {
	if r.Status.Terminal() {
		return r, ErrTerminal
	}
	if !ValidTransition(r.Status, status) {
		return r, fmt.Errorf("session: invalid transition %s -> %s", r.Status, status)
	}
	if progress < r.Progress {
		return r, fmt.Errorf("%w: %d -> %d", ErrProgressRegression, r.Progress, progress)
	}
	if progress > 100 {
		progress = 100
	}
	r.Status = status
	r.Progress = progress
	if status.Terminal() {
		r.Progress = 100
	}
	return r, nil
}

// AttachResult marks the record DONE with the final report. It is the one
// mutation allowed on an already-DONE record whose result is missing; a DONE
// record that already holds a result is returned unchanged. A record still
// PENDING completes here too, passing through RUNNING implicitly: the
// fallback report fetch can finish a job whose stream never delivered a
// progress update, and holding the artifact is stronger evidence of
// completion than any stage report.
func (r Record) AttachResult(report Report) (Record, error) {
	switch {
	case r.Status == StatusError:
		return r, ErrTerminal
	case r.Status == StatusDone && r.Result != nil:
		return r, nil
	}
	r.Status = StatusDone
	r.Progress = 100
	r.Result = &report
	return r, nil
}
