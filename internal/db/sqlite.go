// Package db provides the durable SQLite storage for every entity in
// spec §3 (User, FolderCategory, EmailProcessingQueue, WorkflowMapping,
// WorkflowCheckpoint, IndexingProgress, ApprovalHistory, DeadLetterQueue)
// plus the ManualNotification supplement (§4.6 tier 3). Connection
// bootstrap and the WAL/migration idiom are grounded on
// bborn/workflow's internal/db/sqlite.go.
package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// LocalTime wraps time.Time, storing UTC and surfacing local time on Scan,
// identical in shape to bborn/workflow's internal/db.LocalTime.
type LocalTime struct {
	time.Time
}

func (lt *LocalTime) Scan(value interface{}) error {
	if value == nil {
		lt.Time = time.Time{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		lt.Time = v.Local()
		return nil
	case string:
		formats := []string{
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05Z",
			"2006-01-02T15:04:05",
			"2006-01-02",
		}
		for _, format := range formats {
			if t, err := time.Parse(format, v); err == nil {
				lt.Time = t.Local()
				return nil
			}
		}
		return fmt.Errorf("cannot parse time string: %s", v)
	default:
		return fmt.Errorf("cannot scan type %T into LocalTime", value)
	}
}

func (lt LocalTime) Value() (driver.Value, error) {
	if lt.Time.IsZero() {
		return nil, nil
	}
	return lt.Time.UTC(), nil
}

// DB wraps the SQLite connection used for all mail-assistant state.
type DB struct {
	*sql.DB
	path string
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Open opens or creates the database at path, enabling WAL mode and foreign
// keys, then runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := path + "?_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	wrapped := &DB{DB: sqlDB, path: path}
	if err := wrapped.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return wrapped, nil
}

// OpenMemory opens an in-memory database (used by tests).
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", "file::memory:?cache=shared&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	wrapped := &DB{DB: sqlDB, path: ":memory:"}
	if err := wrapped.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return wrapped, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			access_token_enc TEXT DEFAULT '',
			refresh_token_enc TEXT DEFAULT '',
			chat_channel_id TEXT,
			active INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS folder_categories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			external_label_id TEXT NOT NULL,
			keywords TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS email_processing_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider_message_id TEXT NOT NULL,
			provider_thread_id TEXT DEFAULT '',
			sender TEXT DEFAULT '',
			subject TEXT DEFAULT '',
			received_at DATETIME,
			status TEXT NOT NULL DEFAULT 'pending',
			classification TEXT,
			proposed_folder_id INTEGER REFERENCES folder_categories(id),
			classification_reasoning TEXT DEFAULT '',
			priority_score INTEGER DEFAULT 0,
			is_priority INTEGER DEFAULT 0,
			detected_language TEXT DEFAULT '',
			tone TEXT,
			draft_response TEXT,
			retry_count INTEGER DEFAULT 0,
			error_type TEXT DEFAULT '',
			error_message TEXT DEFAULT '',
			error_timestamp DATETIME,
			dlq_reason TEXT DEFAULT '',
			email_sent_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, provider_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_epq_user_received ON email_processing_queue(user_id, received_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_epq_status_received ON email_processing_queue(status, received_at)`,

		`CREATE TABLE IF NOT EXISTS workflow_mappings (
			email_id INTEGER PRIMARY KEY REFERENCES email_processing_queue(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL,
			thread_id TEXT NOT NULL UNIQUE,
			chat_message_id TEXT,
			workflow_state TEXT NOT NULL DEFAULT 'created',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_mappings_thread ON workflow_mappings(thread_id)`,

		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			thread_id TEXT NOT NULL,
			step TEXT NOT NULL,
			state_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON workflow_checkpoints(thread_id)`,

		`CREATE TABLE IF NOT EXISTS indexing_progress (
			user_id INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			total_emails INTEGER DEFAULT 0,
			processed_count INTEGER DEFAULT 0,
			last_processed_message_id TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'in_progress',
			retry_count INTEGER DEFAULT 0,
			retry_after DATETIME,
			error_message TEXT DEFAULT '',
			started_at DATETIME,
			completed_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS approval_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			email_queue_id INTEGER NOT NULL REFERENCES email_processing_queue(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL,
			ai_suggested_folder_id INTEGER,
			user_selected_folder_id INTEGER,
			approved INTEGER NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_user_ts ON approval_history(user_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_history_action ON approval_history(action_type)`,

		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email_queue_id INTEGER NOT NULL,
			operation_type TEXT NOT NULL,
			provider_message_id TEXT DEFAULT '',
			label_id TEXT DEFAULT '',
			error_type TEXT DEFAULT '',
			error_message TEXT DEFAULT '',
			retry_count INTEGER DEFAULT 0,
			last_retry_at DATETIME,
			context_json TEXT DEFAULT '{}',
			resolved INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_email_queue_id ON dead_letter_queue(email_queue_id)`,

		`CREATE TABLE IF NOT EXISTS manual_notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email_id INTEGER NOT NULL,
			chat_channel_id TEXT NOT NULL,
			message_text TEXT NOT NULL,
			buttons_json TEXT DEFAULT '[]',
			error_type TEXT DEFAULT '',
			retry_count INTEGER DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS event_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			email_queue_id INTEGER,
			message TEXT DEFAULT '',
			metadata TEXT DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type)`,
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed (%s...): %w", stmt[:min(40, len(stmt))], err)
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
