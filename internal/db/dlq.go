package db

import (
	"database/sql"
	"fmt"
)

// Operation types recorded in the dead letter queue (spec §4.8).
const (
	OpTypeClassification = "classification"
	OpTypeLabelApply     = "label_apply"
	OpTypeSendEmail      = "send_email"
	OpTypeChatDelivery   = "chat_delivery"
	OpTypeIndexing       = "indexing"
	OpTypeWorkflowStart  = "workflow_start"
)

// DeadLetterQueue is a permanently-failed (or retry-exhausted) operation,
// kept for operator inspection and manual replay (spec §4.8 "DLQ entries").
type DeadLetterQueue struct {
	ID                int64
	EmailQueueID      int64
	OperationType     string
	ProviderMessageID string
	LabelID           string
	ErrorType         string
	ErrorMessage      string
	RetryCount        int
	LastRetryAt       sql.NullTime
	ContextJSON       string
	Resolved          bool
	CreatedAt         LocalTime
}

// InsertDLQ records a failed operation.
func (db *DB) InsertDLQ(d DeadLetterQueue) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO dead_letter_queue
			(email_queue_id, operation_type, provider_message_id, label_id, error_type, error_message, retry_count, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.EmailQueueID, d.OperationType, d.ProviderMessageID, d.LabelID, d.ErrorType, d.ErrorMessage, d.RetryCount, d.ContextJSON)
	if err != nil {
		return 0, fmt.Errorf("insert dlq: %w", err)
	}
	return res.LastInsertId()
}

func scanDLQ(row interface{ Scan(...interface{}) error }) (*DeadLetterQueue, error) {
	d := &DeadLetterQueue{}
	err := row.Scan(&d.ID, &d.EmailQueueID, &d.OperationType, &d.ProviderMessageID, &d.LabelID,
		&d.ErrorType, &d.ErrorMessage, &d.RetryCount, &d.LastRetryAt, &d.ContextJSON, &d.Resolved, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

const dlqColumns = `
	id, email_queue_id, operation_type, provider_message_id, label_id,
	error_type, error_message, retry_count, last_retry_at, context_json, resolved, created_at`

// ListUnresolvedDLQ returns unresolved entries, for the operator CLI's
// `errors` subcommand.
func (db *DB) ListUnresolvedDLQ(limit int) ([]*DeadLetterQueue, error) {
	rows, err := db.Query(`SELECT `+dlqColumns+` FROM dead_letter_queue WHERE resolved = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unresolved dlq: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetterQueue
	for rows.Next() {
		d, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDLQ fetches a single DLQ entry by id.
func (db *DB) GetDLQ(id int64) (*DeadLetterQueue, error) {
	row := db.QueryRow(`SELECT `+dlqColumns+` FROM dead_letter_queue WHERE id = ?`, id)
	d, err := scanDLQ(row)
	if err != nil {
		return nil, fmt.Errorf("get dlq: %w", err)
	}
	return d, nil
}

// ResolveDLQ marks an entry resolved, whether by successful manual retry or
// operator dismissal.
func (db *DB) ResolveDLQ(id int64) error {
	_, err := db.Exec(`UPDATE dead_letter_queue SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolve dlq: %w", err)
	}
	return nil
}

// BumpDLQRetry records a manual retry attempt against a DLQ entry.
func (db *DB) BumpDLQRetry(id int64) error {
	_, err := db.Exec(`
		UPDATE dead_letter_queue SET retry_count = retry_count + 1, last_retry_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("bump dlq retry: %w", err)
	}
	return nil
}

// Manual notification statuses (spec §4.6 tier 3 fallback).
const (
	ManualNotificationPending   = "pending"
	ManualNotificationDelivered = "delivered"
	ManualNotificationFailed    = "failed"
)

// ManualNotification is queued when the chat channel can't be reached after
// the retry-then-truncate tiers are exhausted (spec §4.6 "three-tier
// delivery reliability").
type ManualNotification struct {
	ID            int64
	EmailID       int64
	ChatChannelID string
	MessageText   string
	ButtonsJSON   string
	ErrorType     string
	RetryCount    int
	Status        string
	CreatedAt     LocalTime
}

// InsertManualNotification queues a notification for out-of-band delivery.
func (db *DB) InsertManualNotification(emailID int64, chatChannelID, messageText, buttonsJSON, errorType string) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO manual_notifications (email_id, chat_channel_id, message_text, buttons_json, error_type, status)
		VALUES (?, ?, ?, ?, ?, ?)`, emailID, chatChannelID, messageText, buttonsJSON, errorType, ManualNotificationPending)
	if err != nil {
		return 0, fmt.Errorf("insert manual notification: %w", err)
	}
	return res.LastInsertId()
}

// ListPendingManualNotifications returns queued notifications for periodic
// redelivery attempts.
func (db *DB) ListPendingManualNotifications(limit int) ([]*ManualNotification, error) {
	rows, err := db.Query(`
		SELECT id, email_id, chat_channel_id, message_text, buttons_json, error_type, retry_count, status, created_at
		FROM manual_notifications WHERE status = ? ORDER BY created_at ASC LIMIT ?`, ManualNotificationPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending manual notifications: %w", err)
	}
	defer rows.Close()

	var out []*ManualNotification
	for rows.Next() {
		n := &ManualNotification{}
		if err := rows.Scan(&n.ID, &n.EmailID, &n.ChatChannelID, &n.MessageText, &n.ButtonsJSON, &n.ErrorType, &n.RetryCount, &n.Status, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan manual notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkManualNotificationDelivered updates status once delivery succeeds.
func (db *DB) MarkManualNotificationDelivered(id int64) error {
	_, err := db.Exec(`UPDATE manual_notifications SET status = ? WHERE id = ?`, ManualNotificationDelivered, id)
	if err != nil {
		return fmt.Errorf("mark manual notification delivered: %w", err)
	}
	return nil
}

// BumpManualNotificationRetry records a failed redelivery attempt.
func (db *DB) BumpManualNotificationRetry(id int64) error {
	_, err := db.Exec(`UPDATE manual_notifications SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("bump manual notification retry: %w", err)
	}
	return nil
}
