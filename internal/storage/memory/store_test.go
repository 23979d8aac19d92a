package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webaudit/auditwatch/internal/session"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, session.ErrNotFound)

	rec := session.New("job-1", "https://example.com", "client-1", time.Now())
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	// Overwrite is last-write-wins.
	rec, err = rec.Advance(session.StatusRunning, 40)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, rec))

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 40, all["job-1"].Progress)
}
