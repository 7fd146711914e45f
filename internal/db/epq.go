package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Status values for EmailProcessingQueue.Status (spec §3).
const (
	StatusPending                = "pending"
	StatusProcessing             = "processing"
	StatusAwaitingApproval       = "awaiting_approval"
	StatusAwaitingDraftApproval  = "awaiting_draft_approval"
	StatusCompleted              = "completed"
	StatusRejected               = "rejected"
	StatusResponseSent           = "response_sent"
	StatusError                  = "error"
)

// Classification values.
const (
	ClassificationSortOnly      = "sort_only"
	ClassificationNeedsResponse = "needs_response"
)

// Tone values.
const (
	ToneFormal       = "formal"
	ToneProfessional = "professional"
	ToneCasual       = "casual"
)

// EPQ is one unit of work: EmailProcessingQueue row.
type EPQ struct {
	ID                      int64
	UserID                  int64
	ProviderMessageID       string
	ProviderThreadID        string
	Sender                  string
	Subject                 string
	ReceivedAt              time.Time
	Status                  string
	Classification          sql.NullString
	ProposedFolderID        sql.NullInt64
	ClassificationReasoning string
	PriorityScore           int
	IsPriority              bool
	DetectedLanguage        string
	Tone                    sql.NullString
	DraftResponse           sql.NullString
	RetryCount              int
	ErrorType               string
	ErrorMessage            string
	ErrorTimestamp          sql.NullTime
	DLQReason               string
	EmailSentAt             sql.NullTime
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// NeedsResponse reports whether classification is needs_response.
func (e *EPQ) NeedsResponse() bool {
	return e.Classification.Valid && e.Classification.String == ClassificationNeedsResponse
}

// InsertPendingResult is returned by InsertPending.
type InsertPendingResult struct {
	ID      int64
	Created bool // false if the row already existed (dedup hit)
}

// InsertPending inserts a new pending EPQ row, relying on the
// (user_id, provider_message_id) uniqueness constraint as the dedup source
// of truth (spec I1). A conflicting insert is treated as a no-op skip, safe
// under concurrent pollers.
func (db *DB) InsertPending(userID int64, providerMessageID, providerThreadID, sender, subject string, receivedAt time.Time) (*InsertPendingResult, error) {
	res, err := db.Exec(`
		INSERT INTO email_processing_queue
			(user_id, provider_message_id, provider_thread_id, sender, subject, received_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider_message_id) DO NOTHING`,
		userID, providerMessageID, providerThreadID, sender, subject, receivedAt, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("insert pending epq: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, err := db.GetEPQByProviderMessageID(userID, providerMessageID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("insert pending epq: conflict but no existing row found")
		}
		return &InsertPendingResult{ID: existing.ID, Created: false}, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert pending epq: %w", err)
	}
	return &InsertPendingResult{ID: id, Created: true}, nil
}

func scanEPQ(row interface{ Scan(...interface{}) error }) (*EPQ, error) {
	e := &EPQ{}
	err := row.Scan(
		&e.ID, &e.UserID, &e.ProviderMessageID, &e.ProviderThreadID, &e.Sender, &e.Subject, &e.ReceivedAt,
		&e.Status, &e.Classification, &e.ProposedFolderID, &e.ClassificationReasoning, &e.PriorityScore,
		&e.IsPriority, &e.DetectedLanguage, &e.Tone, &e.DraftResponse, &e.RetryCount, &e.ErrorType,
		&e.ErrorMessage, &e.ErrorTimestamp, &e.DLQReason, &e.EmailSentAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

const epqColumns = `
	id, user_id, provider_message_id, provider_thread_id, sender, subject, received_at,
	status, classification, proposed_folder_id, classification_reasoning, priority_score,
	is_priority, detected_language, tone, draft_response, retry_count, error_type,
	error_message, error_timestamp, dlq_reason, email_sent_at, created_at, updated_at`

// GetEPQ fetches a queue row by id.
func (db *DB) GetEPQ(id int64) (*EPQ, error) {
	row := db.QueryRow(`SELECT `+epqColumns+` FROM email_processing_queue WHERE id = ?`, id)
	e, err := scanEPQ(row)
	if err != nil {
		return nil, fmt.Errorf("get epq: %w", err)
	}
	return e, nil
}

// GetEPQByProviderMessageID looks up a queue row by the dedup key.
func (db *DB) GetEPQByProviderMessageID(userID int64, providerMessageID string) (*EPQ, error) {
	row := db.QueryRow(`SELECT `+epqColumns+` FROM email_processing_queue WHERE user_id = ? AND provider_message_id = ?`, userID, providerMessageID)
	e, err := scanEPQ(row)
	if err != nil {
		return nil, fmt.Errorf("get epq by provider message id: %w", err)
	}
	return e, nil
}

// ListEPQByStatus lists queue rows in a given status, oldest first.
func (db *DB) ListEPQByStatus(status string, limit int) ([]*EPQ, error) {
	rows, err := db.Query(`SELECT `+epqColumns+` FROM email_processing_queue WHERE status = ? ORDER BY received_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list epq by status: %w", err)
	}
	defer rows.Close()

	var out []*EPQ
	for rows.Next() {
		e, err := scanEPQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epq: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListStaleProcessing lists queue rows that have sat at status=processing
// for longer than olderThanSeconds: a crash or an unhandled panic
// mid-workflow leaves the row here with no error recorded, invisible to
// ListEPQByStatus(pending) and ListEPQByStatus(error) alike. Used by the
// restart/periodic resume supervisor (spec §4.2 "on restart the engine
// resumes from that node").
func (db *DB) ListStaleProcessing(olderThanSeconds int, limit int) ([]*EPQ, error) {
	rows, err := db.Query(`SELECT `+epqColumns+` FROM email_processing_queue
		WHERE status = ? AND updated_at < datetime(CURRENT_TIMESTAMP, '-' || ? || ' seconds')
		ORDER BY updated_at ASC LIMIT ?`,
		StatusProcessing, olderThanSeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale processing epq: %w", err)
	}
	defer rows.Close()

	var out []*EPQ
	for rows.Next() {
		e, err := scanEPQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan epq: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateStatus transitions status (used by the workflow engine and the
// manual /retry command).
func (db *DB) UpdateEPQStatus(id int64, status string) error {
	_, err := db.Exec(`UPDATE email_processing_queue SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update epq status: %w", err)
	}
	return nil
}

// ClassificationResult is written back to EPQ by the classify step (§4.4.1).
type ClassificationResult struct {
	Classification   string
	ProposedFolderID int64
	Reasoning        string
	PriorityScore    int
	DetectedLanguage string
	Tone             string
	DraftResponse    string // "" if none
}

// SaveClassification persists the classify step's outputs.
func (db *DB) SaveClassification(id int64, r ClassificationResult) error {
	var draft sql.NullString
	if r.DraftResponse != "" {
		draft = sql.NullString{String: r.DraftResponse, Valid: true}
	}
	_, err := db.Exec(`
		UPDATE email_processing_queue SET
			classification = ?, proposed_folder_id = ?, classification_reasoning = ?,
			priority_score = ?, detected_language = ?, tone = ?, draft_response = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		r.Classification, r.ProposedFolderID, r.Reasoning, r.PriorityScore,
		r.DetectedLanguage, r.Tone, draft, id)
	if err != nil {
		return fmt.Errorf("save classification: %w", err)
	}
	return nil
}

// SetIsPriority persists the priority-detection override (§4.4.3).
func (db *DB) SetIsPriority(id int64, score int, isPriority bool) error {
	_, err := db.Exec(`
		UPDATE email_processing_queue SET priority_score = ?, is_priority = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, score, isPriority, id)
	if err != nil {
		return fmt.Errorf("set is priority: %w", err)
	}
	return nil
}

// SetDraftResponse overwrites the draft (used by the edit flow, §4.2 step 8).
func (db *DB) SetDraftResponse(id int64, draft string) error {
	_, err := db.Exec(`
		UPDATE email_processing_queue SET draft_response = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, draft, id)
	if err != nil {
		return fmt.Errorf("set draft response: %w", err)
	}
	return nil
}

// MarkEmailSent sets email_sent_at exactly once, gating send_email_response
// idempotency (spec I3). Returns false if it was already set.
func (db *DB) MarkEmailSent(id int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE email_processing_queue SET email_sent_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND email_sent_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("mark email sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordError sets the error fields and bumps retry_count ahead of DLQ
// insertion (§4.8 "Exhaustion in execute_action").
func (db *DB) RecordError(id int64, errType, errMsg, dlqReason string, retryCount int) error {
	_, err := db.Exec(`
		UPDATE email_processing_queue SET
			status = ?, error_type = ?, error_message = ?, error_timestamp = CURRENT_TIMESTAMP,
			dlq_reason = ?, retry_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StatusError, errType, errMsg, dlqReason, retryCount, id)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// ClearErrorForRetry resets an errored row back to pending for manual /retry
// (§4.8 "Manual retry"). DLQ rows are left in place for audit.
func (db *DB) ClearErrorForRetry(id int64) error {
	_, err := db.Exec(`
		UPDATE email_processing_queue SET
			status = ?, error_type = '', error_message = '', error_timestamp = NULL,
			dlq_reason = '', retry_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, StatusPending, id)
	if err != nil {
		return fmt.Errorf("clear error for retry: %w", err)
	}
	return nil
}

// CountErrorsByType powers the stats/health-status admin surface (§6).
func (db *DB) CountErrorsByType() (map[string]int, error) {
	rows, err := db.Query(`
		SELECT error_type, COUNT(*) FROM email_processing_queue WHERE status = ? GROUP BY error_type`, StatusError)
	if err != nil {
		return nil, fmt.Errorf("count errors by type: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan error count: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

// CountByStatus returns total counts grouped by status, for the stats
// endpoint's rate/health computations.
func (db *DB) CountByStatus() (map[string]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM email_processing_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}
