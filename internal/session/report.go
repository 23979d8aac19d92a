package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Report is the terminal artifact for a finished job. The summary fields are
// decoded for display; Raw retains the full payload verbatim so downstream
// renderers never lose fields this client does not model.
type Report struct {
	WebsiteURL        string  `json:"websiteUrl"`
	AverageScore      float64 `json:"averageScore"`
	OverallLevel      string  `json:"overallLevel"`
	SeverityLevel     string  `json:"severityLevel"`
	TotalAnalyzedURLs int     `json:"totalAnalyzedUrls"`

	Raw json.RawMessage `json:"-"`
}

// ParseReport decodes a report payload, keeping the raw bytes alongside the
// summary fields. Unknown fields are tolerated; an empty or non-object body
// is an error.
func ParseReport(data []byte) (Report, error) {
	if len(data) == 0 {
		return Report{}, errors.New("session: empty report payload")
	}
	type alias Report
	var dec alias
	if err := json.Unmarshal(data, &dec); err != nil {
		return Report{}, fmt.Errorf("session: decode report: %w", err)
	}
	rpt := Report(dec)
	rpt.Raw = append(json.RawMessage(nil), data...)
	return rpt, nil
}

// MarshalJSON emits the full raw payload when present so persisted records
// round-trip the complete artifact, not just the summary.
func (r Report) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return append(json.RawMessage(nil), r.Raw...), nil
	}
	type alias Report
	out, err := json.Marshal(alias(r))
	if err != nil {
		return nil, fmt.Errorf("session: encode report: %w", err)
	}
	return out, nil
}

// UnmarshalJSON restores both the summary fields and the raw payload.
func (r *Report) UnmarshalJSON(data []byte) error {
	parsed, err := ParseReport(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
