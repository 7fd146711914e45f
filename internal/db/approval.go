package db

import (
	"database/sql"
	"fmt"
)

// Approval action types (spec §4.6).
const (
	ActionTypeSort = "sort"
	ActionTypeSend = "send"
)

// ApprovalHistory records every sort/send decision a user makes, whether via
// the inline keyboard or the fallback manual-notification channel.
type ApprovalHistory struct {
	ID                   int64
	UserID               int64
	EmailQueueID         int64
	ActionType           string
	AISuggestedFolderID  sql.NullInt64
	UserSelectedFolderID sql.NullInt64
	Approved             bool
	Timestamp            LocalTime
}

// RecordApproval inserts an audit row for a resolved approval decision.
func (db *DB) RecordApproval(userID, emailQueueID int64, actionType string, aiSuggestedFolderID, userSelectedFolderID sql.NullInt64, approved bool) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO approval_history (user_id, email_queue_id, action_type, ai_suggested_folder_id, user_selected_folder_id, approved)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, emailQueueID, actionType, aiSuggestedFolderID, userSelectedFolderID, approved)
	if err != nil {
		return 0, fmt.Errorf("record approval: %w", err)
	}
	return res.LastInsertId()
}

// ListApprovalHistory returns a user's decisions, most recent first, for the
// operator CLI's stats command.
func (db *DB) ListApprovalHistory(userID int64, limit int) ([]*ApprovalHistory, error) {
	rows, err := db.Query(`
		SELECT id, user_id, email_queue_id, action_type, ai_suggested_folder_id, user_selected_folder_id, approved, timestamp
		FROM approval_history WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list approval history: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalHistory
	for rows.Next() {
		a := &ApprovalHistory{}
		if err := rows.Scan(&a.ID, &a.UserID, &a.EmailQueueID, &a.ActionType, &a.AISuggestedFolderID, &a.UserSelectedFolderID, &a.Approved, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan approval history: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountApprovalsByOutcome powers the agreement-rate portion of the stats
// surface (how often the AI's suggestion matches the user's final choice).
func (db *DB) CountApprovalsByOutcome(actionType string) (approved, rejected int, err error) {
	row := db.QueryRow(`
		SELECT
			SUM(CASE WHEN approved = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN approved = 0 THEN 1 ELSE 0 END)
		FROM approval_history WHERE action_type = ?`, actionType)
	var a, r sql.NullInt64
	if err := row.Scan(&a, &r); err != nil {
		return 0, 0, fmt.Errorf("count approvals by outcome: %w", err)
	}
	return int(a.Int64), int(r.Int64), nil
}
