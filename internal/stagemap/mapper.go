// Package stagemap converts raw server-reported stage updates into the
// canonical (status, progress, label) triple used by the reconciler. Map is
// pure and deterministic so the banding policy is independently testable.
package stagemap

import (
	"fmt"
	"strings"

	"github.com/webaudit/auditwatch/internal/session"
)

// Stages reported by the audit service.
const (
	StageCrawling  = "CRAWLING"
	StageAnalyzing = "ANALYZING"
	StageCompleted = "COMPLETED"
	StageError     = "ERROR"
)

// Fixed progress bands per stage. Collection reports land in
// [crawlFloor, crawlCeil]; evaluation percentages are clamped to
// [analyzeFloor, analyzeCeil] so a late collection report can never
// contradict an earlier evaluation one.
const (
	crawlFloor    = 10
	crawlDefault  = 20
	crawlCeil     = 50
	analyzeFloor  = 40
	analyzeCeil   = 99
	unknownFloor  = 10
	terminalValue = 100
)

// Input is one raw stage report from the event stream.
type Input struct {
	Stage        string
	Percentage   *int
	CrawledCount *int
	TotalCount   *int
	Message      string
}

// Outcome is the canonical mapping of a raw report.
type Outcome struct {
	Status   session.Status
	Progress int
	Label    string
}

// Map translates a raw stage report. prevProgress is the caller's stored
// progress, used only for the unrecognized-stage floor; the monotonicity
// invariant itself is enforced by the record, not here. Map never fails:
// unknown stages yield a RUNNING outcome labeled with the raw input.
func Map(in Input, prevProgress int) Outcome {
	switch strings.ToUpper(strings.TrimSpace(in.Stage)) {
	case StageCrawling:
		return Outcome{
			Status:   session.StatusRunning,
			Progress: crawlProgress(in),
			Label:    labelOrDefault(in.Message, "Collecting URLs…"),
		}
	case StageAnalyzing:
		pct := analyzeFloor
		if in.Percentage != nil {
			pct = clamp(*in.Percentage, analyzeFloor, analyzeCeil)
		}
		return Outcome{
			Status:   session.StatusRunning,
			Progress: pct,
			Label:    labelOrDefault(in.Message, fmt.Sprintf("Analyzing pages… %d%%", pct)),
		}
	case StageCompleted:
		return Outcome{
			Status:   session.StatusDone,
			Progress: terminalValue,
			Label:    labelOrDefault(in.Message, "Analysis complete"),
		}
	case StageError:
		return Outcome{
			Status:   session.StatusError,
			Progress: terminalValue,
			Label:    labelOrDefault(in.Message, "Analysis failed"),
		}
	default:
		label := in.Message
		if label == "" {
			label = in.Stage
		}
		return Outcome{
			Status:   session.StatusRunning,
			Progress: max(unknownFloor, prevProgress),
			Label:    label,
		}
	}
}

// crawlProgress scales the collected/total ratio into the collection band.
// Without usable counts it falls back to the fixed floor; the historical
// percentage-trusting variant is intentionally not reproduced.
func crawlProgress(in Input) int {
	if in.CrawledCount == nil || in.TotalCount == nil || *in.TotalCount <= 0 {
		return crawlDefault
	}
	ratio := float64(*in.CrawledCount) / float64(*in.TotalCount)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return crawlFloor + int(ratio*float64(crawlCeil-crawlFloor))
}

func labelOrDefault(msg, def string) string {
	if strings.TrimSpace(msg) != "" {
		return msg
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
