package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeProgress(t *testing.T) {
	t.Parallel()

	evt, err := Decode("progress", []byte(`{"stage":"ANALYZING","percentage":73,"message":"batch 2"}`))
	require.NoError(t, err)
	require.Equal(t, KindProgress, evt.Kind)
	require.Equal(t, "ANALYZING", evt.Progress.Stage)
	require.NotNil(t, evt.Progress.Percentage)
	require.Equal(t, 73, *evt.Progress.Percentage)

	evt, err = Decode("progress", []byte(`{"stage":"CRAWLING","crawledCount":4,"totalCount":9}`))
	require.NoError(t, err)
	require.Equal(t, 4, *evt.Progress.CrawledCount)
	require.Equal(t, 9, *evt.Progress.TotalCount)
	require.Nil(t, evt.Progress.Percentage)
}

func TestDecodeProgressMalformed(t *testing.T) {
	t.Parallel()

	_, err := Decode("progress", []byte(`{"stage":`))
	require.Error(t, err)

	_, err = Decode("progress", []byte(`{"percentage":50}`))
	require.Error(t, err, "missing stage is malformed")
}

// TestDecodeCompleteShapes covers both historical terminal shapes: a job
// pointer and an inline report.
func TestDecodeCompleteShapes(t *testing.T) {
	t.Parallel()

	evt, err := Decode("complete", []byte(`{"jobId":"abc-123"}`))
	require.NoError(t, err)
	require.Equal(t, KindComplete, evt.Kind)
	require.Equal(t, "abc-123", evt.Complete.JobID)
	require.Empty(t, evt.Complete.Report)

	evt, err = Decode("complete", []byte(`{"websiteId":"site-9"}`))
	require.NoError(t, err)
	require.Equal(t, "site-9", evt.Complete.JobID)

	inline := `{"websiteUrl":"https://example.com","averageScore":77.0,"urlReports":[]}`
	evt, err = Decode("complete", []byte(inline))
	require.NoError(t, err)
	require.Empty(t, evt.Complete.JobID)
	require.JSONEq(t, inline, string(evt.Complete.Report))
}

func TestDecodeUnknownEventName(t *testing.T) {
	t.Parallel()

	evt, err := Decode("heartbeat", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, KindUnrecognized, evt.Kind)
	require.Equal(t, "heartbeat", evt.RawName)
}
