package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartIndexingIsReentrant(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")

	require.NoError(t, d.StartIndexing(userID, 100))
	require.NoError(t, d.AdvanceIndexingProgress(userID, 40, "msg-40"))

	require.NoError(t, d.StartIndexing(userID, 120))

	p, err := d.GetIndexingProgress(userID)
	require.NoError(t, err)
	require.Equal(t, 120, p.TotalEmails)
	require.Equal(t, 0, p.ProcessedCount)
	require.Equal(t, IndexingStatusInProgress, p.Status)
}

func TestPauseAndResumeIndexing(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	require.NoError(t, d.StartIndexing(userID, 50))

	require.NoError(t, d.PauseIndexingForRetry(userID, 1, -1, "rate limited"))

	resumable, err := d.ListResumableIndexing()
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	require.Equal(t, userID, resumable[0].UserID)
}

func TestCompleteIndexing(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	require.NoError(t, d.StartIndexing(userID, 10))
	require.NoError(t, d.CompleteIndexing(userID))

	p, err := d.GetIndexingProgress(userID)
	require.NoError(t, err)
	require.Equal(t, IndexingStatusCompleted, p.Status)
	require.True(t, p.CompletedAt.Valid)
}
