package db

import (
	"database/sql"
	"fmt"
)

// Workflow states for WorkflowMapping.WorkflowState.
const (
	WorkflowStateCreated              = "created"
	WorkflowStateAwaitingApproval     = "awaiting_approval"
	WorkflowStateAwaitingDraftApproval = "awaiting_draft_approval"
	WorkflowStateCompleted            = "completed"
	WorkflowStateFailed               = "failed"
)

// WorkflowMapping binds an EPQ row to a durable workflow thread and the chat
// message used to drive approvals (spec §3, §4.6).
type WorkflowMapping struct {
	EmailID       int64
	UserID        int64
	ThreadID      string
	ChatMessageID sql.NullString
	WorkflowState string
	CreatedAt     LocalTime
	UpdatedAt     LocalTime
}

// CreateWorkflowMapping registers a new thread for an EPQ row.
func (db *DB) CreateWorkflowMapping(emailID, userID int64, threadID string) error {
	_, err := db.Exec(`
		INSERT INTO workflow_mappings (email_id, user_id, thread_id, workflow_state)
		VALUES (?, ?, ?, ?)`, emailID, userID, threadID, WorkflowStateCreated)
	if err != nil {
		return fmt.Errorf("create workflow mapping: %w", err)
	}
	return nil
}

func scanWorkflowMapping(row interface{ Scan(...interface{}) error }) (*WorkflowMapping, error) {
	m := &WorkflowMapping{}
	err := row.Scan(&m.EmailID, &m.UserID, &m.ThreadID, &m.ChatMessageID, &m.WorkflowState, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

const workflowMappingColumns = `email_id, user_id, thread_id, chat_message_id, workflow_state, created_at, updated_at`

// GetWorkflowMappingByThreadID is the lookup used to resolve an approval
// channel callback back to its owning thread (spec §4.6).
func (db *DB) GetWorkflowMappingByThreadID(threadID string) (*WorkflowMapping, error) {
	row := db.QueryRow(`SELECT `+workflowMappingColumns+` FROM workflow_mappings WHERE thread_id = ?`, threadID)
	m, err := scanWorkflowMapping(row)
	if err != nil {
		return nil, fmt.Errorf("get workflow mapping by thread id: %w", err)
	}
	return m, nil
}

// GetWorkflowMappingByEmailID looks up a thread by its owning EPQ row.
func (db *DB) GetWorkflowMappingByEmailID(emailID int64) (*WorkflowMapping, error) {
	row := db.QueryRow(`SELECT `+workflowMappingColumns+` FROM workflow_mappings WHERE email_id = ?`, emailID)
	m, err := scanWorkflowMapping(row)
	if err != nil {
		return nil, fmt.Errorf("get workflow mapping by email id: %w", err)
	}
	return m, nil
}

// GetWorkflowMappingByChatMessageID resolves an inline-keyboard callback to
// its thread when the callback only carries the chat message identity.
func (db *DB) GetWorkflowMappingByChatMessageID(chatMessageID string) (*WorkflowMapping, error) {
	row := db.QueryRow(`SELECT `+workflowMappingColumns+` FROM workflow_mappings WHERE chat_message_id = ?`, chatMessageID)
	m, err := scanWorkflowMapping(row)
	if err != nil {
		return nil, fmt.Errorf("get workflow mapping by chat message id: %w", err)
	}
	return m, nil
}

// SetChatMessageID records the chat message id once the approval prompt has
// been delivered, so later edits/callbacks can be correlated.
func (db *DB) SetChatMessageID(threadID, chatMessageID string) error {
	_, err := db.Exec(`
		UPDATE workflow_mappings SET chat_message_id = ?, updated_at = CURRENT_TIMESTAMP WHERE thread_id = ?`,
		chatMessageID, threadID)
	if err != nil {
		return fmt.Errorf("set chat message id: %w", err)
	}
	return nil
}

// SetWorkflowState transitions the mapping's state (interrupt/resume points).
func (db *DB) SetWorkflowState(threadID, state string) error {
	_, err := db.Exec(`
		UPDATE workflow_mappings SET workflow_state = ?, updated_at = CURRENT_TIMESTAMP WHERE thread_id = ?`,
		state, threadID)
	if err != nil {
		return fmt.Errorf("set workflow state: %w", err)
	}
	return nil
}

// WorkflowCheckpoint is a single node's persisted state, written
// before/after every node executes (spec §4.2 "checkpoint-then-interrupt").
type WorkflowCheckpoint struct {
	ThreadID  string
	Step      string
	StateJSON string
	CreatedAt LocalTime
}

// SaveCheckpoint upserts the checkpoint for (thread_id, step), so a node can
// be safely re-executed after a crash without duplicating checkpoint rows.
func (db *DB) SaveCheckpoint(threadID, step, stateJSON string) error {
	_, err := db.Exec(`
		INSERT INTO workflow_checkpoints (thread_id, step, state_json)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id, step) DO UPDATE SET state_json = excluded.state_json, created_at = CURRENT_TIMESTAMP`,
		threadID, step, stateJSON)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recently written checkpoint for a
// thread, used by Resume to reconstruct in-memory workflow state.
func (db *DB) LatestCheckpoint(threadID string) (*WorkflowCheckpoint, error) {
	c := &WorkflowCheckpoint{}
	err := db.QueryRow(`
		SELECT thread_id, step, state_json, created_at FROM workflow_checkpoints
		WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID).Scan(
		&c.ThreadID, &c.Step, &c.StateJSON, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return c, nil
}

// ListCheckpoints returns every checkpoint for a thread in write order, for
// diagnostics and the operator CLI.
func (db *DB) ListCheckpoints(threadID string) ([]*WorkflowCheckpoint, error) {
	rows, err := db.Query(`
		SELECT thread_id, step, state_json, created_at FROM workflow_checkpoints
		WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowCheckpoint
	for rows.Next() {
		c := &WorkflowCheckpoint{}
		if err := rows.Scan(&c.ThreadID, &c.Step, &c.StateJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListInterruptedThreads returns threads parked in an awaiting_* state,
// used by the resume supervisor after a process restart.
func (db *DB) ListInterruptedThreads() ([]*WorkflowMapping, error) {
	rows, err := db.Query(`SELECT `+workflowMappingColumns+` FROM workflow_mappings
		WHERE workflow_state IN (?, ?) ORDER BY updated_at ASC`,
		WorkflowStateAwaitingApproval, WorkflowStateAwaitingDraftApproval)
	if err != nil {
		return nil, fmt.Errorf("list interrupted threads: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowMapping
	for rows.Next() {
		m, err := scanWorkflowMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
