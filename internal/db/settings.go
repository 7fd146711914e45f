package db

import (
	"database/sql"
	"fmt"
)

// GetSetting reads a key from the settings table. The bool reports whether
// the key was present, mirroring ok-idiom map lookups.
func (db *DB) GetSetting(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a key, used by the operator CLI and by runtime
// self-tuning (e.g. adaptive-k feedback, spec §4.3 Open Question).
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

// LogEvent appends an entry to the event_log, the durable complement to the
// in-process pub/sub bus (internal/events) for after-the-fact auditing.
func (db *DB) LogEvent(eventType string, emailQueueID sql.NullInt64, message, metadataJSON string) error {
	_, err := db.Exec(`
		INSERT INTO event_log (event_type, email_queue_id, message, metadata) VALUES (?, ?, ?, ?)`,
		eventType, emailQueueID, message, metadataJSON)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
