package db

import (
	"database/sql"
	"fmt"
)

// Indexing progress states (spec §4.5).
const (
	IndexingStatusInProgress = "in_progress"
	IndexingStatusPaused     = "paused"
	IndexingStatusCompleted  = "completed"
	IndexingStatusFailed     = "failed"
)

// IndexingProgress tracks one user's historical-mail backfill into the
// vector store, checkpointed per batch so it can resume after a crash
// (spec §4.5 "ResumeIndexing").
type IndexingProgress struct {
	UserID                 int64
	TotalEmails            int
	ProcessedCount         int
	LastProcessedMessageID string
	Status                 string
	RetryCount             int
	RetryAfter             sql.NullTime
	ErrorMessage           string
	StartedAt              sql.NullTime
	CompletedAt            sql.NullTime
	UpdatedAt              LocalTime
}

func scanIndexingProgress(row interface{ Scan(...interface{}) error }) (*IndexingProgress, error) {
	p := &IndexingProgress{}
	err := row.Scan(&p.UserID, &p.TotalEmails, &p.ProcessedCount, &p.LastProcessedMessageID, &p.Status,
		&p.RetryCount, &p.RetryAfter, &p.ErrorMessage, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

const indexingProgressColumns = `
	user_id, total_emails, processed_count, last_processed_message_id, status,
	retry_count, retry_after, error_message, started_at, completed_at, updated_at`

// StartIndexing creates or resets a user's indexing progress row.
func (db *DB) StartIndexing(userID int64, totalEmails int) error {
	_, err := db.Exec(`
		INSERT INTO indexing_progress (user_id, total_emails, processed_count, status, started_at, updated_at)
		VALUES (?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			total_emails = excluded.total_emails, processed_count = 0, status = excluded.status,
			retry_count = 0, retry_after = NULL, error_message = '', started_at = CURRENT_TIMESTAMP,
			completed_at = NULL, updated_at = CURRENT_TIMESTAMP`,
		userID, totalEmails, IndexingStatusInProgress)
	if err != nil {
		return fmt.Errorf("start indexing: %w", err)
	}
	return nil
}

// GetIndexingProgress fetches a user's indexing progress row.
func (db *DB) GetIndexingProgress(userID int64) (*IndexingProgress, error) {
	row := db.QueryRow(`SELECT `+indexingProgressColumns+` FROM indexing_progress WHERE user_id = ?`, userID)
	p, err := scanIndexingProgress(row)
	if err != nil {
		return nil, fmt.Errorf("get indexing progress: %w", err)
	}
	return p, nil
}

// SetTotalEmails updates the backfill's known total as pages arrive, for
// UX feedback (spec §4.5 "update total_emails progressively").
func (db *DB) SetTotalEmails(userID int64, total int) error {
	_, err := db.Exec(`
		UPDATE indexing_progress SET total_emails = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`, total, userID)
	if err != nil {
		return fmt.Errorf("set total emails: %w", err)
	}
	return nil
}

// AdvanceIndexingProgress records a completed batch's checkpoint.
func (db *DB) AdvanceIndexingProgress(userID int64, processedCount int, lastProcessedMessageID string) error {
	_, err := db.Exec(`
		UPDATE indexing_progress SET
			processed_count = ?, last_processed_message_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`, processedCount, lastProcessedMessageID, userID)
	if err != nil {
		return fmt.Errorf("advance indexing progress: %w", err)
	}
	return nil
}

// CompleteIndexing marks the backfill finished.
func (db *DB) CompleteIndexing(userID int64) error {
	_, err := db.Exec(`
		UPDATE indexing_progress SET status = ?, completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`, IndexingStatusCompleted, userID)
	if err != nil {
		return fmt.Errorf("complete indexing: %w", err)
	}
	return nil
}

// PauseIndexingForRetry records a transient-failure backoff window (spec
// §4.5 "after 3 consecutive batch failures, transition to paused with
// retry_after").
func (db *DB) PauseIndexingForRetry(userID int64, retryCount int, retryAfterSeconds int, errMsg string) error {
	_, err := db.Exec(`
		UPDATE indexing_progress SET
			status = ?, retry_count = ?, retry_after = datetime(CURRENT_TIMESTAMP, ? || ' seconds'),
			error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`,
		IndexingStatusPaused, retryCount, retryAfterSeconds, errMsg, userID)
	if err != nil {
		return fmt.Errorf("pause indexing for retry: %w", err)
	}
	return nil
}

// FailIndexing marks a user's backfill permanently failed after exhausting
// retries (spec §4.5 "after 3 paused retries, transition to failed").
func (db *DB) FailIndexing(userID int64, errMsg string) error {
	_, err := db.Exec(`
		UPDATE indexing_progress SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`, IndexingStatusFailed, errMsg, userID)
	if err != nil {
		return fmt.Errorf("fail indexing: %w", err)
	}
	return nil
}

// ListResumableIndexing returns paused rows whose retry_after has elapsed,
// for the cron-scheduled resume supervisor.
func (db *DB) ListResumableIndexing() ([]*IndexingProgress, error) {
	rows, err := db.Query(`
		SELECT `+indexingProgressColumns+` FROM indexing_progress
		WHERE status = ? AND (retry_after IS NULL OR retry_after <= CURRENT_TIMESTAMP)`, IndexingStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("list resumable indexing: %w", err)
	}
	defer rows.Close()

	var out []*IndexingProgress
	for rows.Next() {
		p, err := scanIndexingProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan indexing progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
