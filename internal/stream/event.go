package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags the canonical event variants produced by Decode.
type Kind string

// Canonical event kinds. Every historical wire shape normalizes to one of
// these; unknown shapes decode to KindUnrecognized rather than failing.
const (
	KindProgress     Kind = "progress"
	KindComplete     Kind = "complete"
	KindUnrecognized Kind = "unrecognized"
)

// ProgressEvent is a raw stage update from the audit service.
type ProgressEvent struct {
	Stage         string `json:"stage"`
	Percentage    *int   `json:"percentage,omitempty"`
	CrawledCount  *int   `json:"crawledCount,omitempty"`
	AnalyzedCount *int   `json:"analyzedCount,omitempty"`
	TotalCount    *int   `json:"totalCount,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CompleteEvent is the terminal signal. Exactly one of JobID or Report is
// set: older servers send a job identifier to fetch, newer ones inline the
// full report payload.
type CompleteEvent struct {
	JobID  string
	Report json.RawMessage
}

// Event is the tagged union delivered to the reconciler.
type Event struct {
	Kind     Kind
	Progress ProgressEvent
	Complete CompleteEvent
	// RawName preserves the wire event name for unrecognized events.
	RawName string
}

type completeShape struct {
	JobID     string `json:"jobId"`
	WebsiteID string `json:"websiteId"`
}

// Decode normalizes one wire event into the canonical union. Malformed JSON
// is an error the caller logs and skips; it must never tear down the
// connection.
func Decode(name string, data []byte) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "progress":
		var p ProgressEvent
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("stream: decode progress event: %w", err)
		}
		if p.Stage == "" {
			return Event{}, fmt.Errorf("stream: progress event missing stage")
		}
		return Event{Kind: KindProgress, Progress: p}, nil
	case "complete":
		return decodeComplete(data)
	default:
		return Event{Kind: KindUnrecognized, RawName: name}, nil
	}
}

// decodeComplete supports both historical shapes: {jobId}/{websiteId} and a
// full inline report object.
func decodeComplete(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("stream: complete event is not a JSON object")
	}
	var shape completeShape
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return Event{}, fmt.Errorf("stream: decode complete event: %w", err)
	}
	evt := Event{Kind: KindComplete}
	switch {
	case shape.JobID != "":
		evt.Complete.JobID = shape.JobID
	case shape.WebsiteID != "":
		evt.Complete.JobID = shape.WebsiteID
	default:
		evt.Complete.Report = append(json.RawMessage(nil), trimmed...)
	}
	return evt, nil
}
