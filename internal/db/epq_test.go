package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func seedUser(t *testing.T, d *DB, email string) int64 {
	t.Helper()
	res, err := d.Exec(`INSERT INTO users (email) VALUES (?)`, email)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func TestInsertPendingDedupesOnProviderMessageID(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")

	first, err := d.InsertPending(userID, "msg-1", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := d.InsertPending(userID, "msg-1", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.ID, second.ID)
}

func TestGetEPQByProviderMessageIDMissing(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")

	got, err := d.GetEPQByProviderMessageID(userID, "nonexistent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveClassificationAndNeedsResponse(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	ins, err := d.InsertPending(userID, "msg-1", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)

	err = d.SaveClassification(ins.ID, ClassificationResult{
		Classification:   ClassificationNeedsResponse,
		Reasoning:        "asks a direct question",
		PriorityScore:    7,
		DetectedLanguage: "en",
		Tone:             ToneProfessional,
		DraftResponse:    "Thanks for reaching out...",
	})
	require.NoError(t, err)

	e, err := d.GetEPQ(ins.ID)
	require.NoError(t, err)
	require.True(t, e.NeedsResponse())
	require.Equal(t, "Thanks for reaching out...", e.DraftResponse.String)
}

func TestMarkEmailSentIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	ins, err := d.InsertPending(userID, "msg-1", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)

	first, err := d.MarkEmailSent(ins.ID)
	require.NoError(t, err)
	require.True(t, first)

	second, err := d.MarkEmailSent(ins.ID)
	require.NoError(t, err)
	require.False(t, second)
}

func TestClearErrorForRetryResetsStatus(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	ins, err := d.InsertPending(userID, "msg-1", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)

	require.NoError(t, d.RecordError(ins.ID, "network_error", "timeout", "retries exhausted", 3))
	e, err := d.GetEPQ(ins.ID)
	require.NoError(t, err)
	require.Equal(t, StatusError, e.Status)

	require.NoError(t, d.ClearErrorForRetry(ins.ID))
	e, err = d.GetEPQ(ins.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)
	require.Equal(t, 0, e.RetryCount)
}

func TestListStaleProcessingFindsOnlyOldRows(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")

	stale, err := d.InsertPending(userID, "msg-stale", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)
	require.NoError(t, d.UpdateEPQStatus(stale.ID, StatusProcessing))
	_, err = d.Exec(`UPDATE email_processing_queue SET updated_at = datetime('now', '-1 hour') WHERE id = ?`, stale.ID)
	require.NoError(t, err)

	fresh, err := d.InsertPending(userID, "msg-fresh", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)
	require.NoError(t, d.UpdateEPQStatus(fresh.ID, StatusProcessing))

	rows, err := d.ListStaleProcessing(600, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, stale.ID, rows[0].ID)
}

func TestCountByStatus(t *testing.T) {
	d := newTestDB(t)
	userID := seedUser(t, d, "alice@example.com")
	_, err := d.InsertPending(userID, "msg-1", "thread-1", "bob@example.com", "hi", time.Now())
	require.NoError(t, err)
	_, err = d.InsertPending(userID, "msg-2", "thread-1", "bob@example.com", "hi again", time.Now())
	require.NoError(t, err)

	counts, err := d.CountByStatus()
	require.NoError(t, err)
	require.Equal(t, 2, counts[StatusPending])
}
