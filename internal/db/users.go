package db

import (
	"database/sql"
	"fmt"
	"time"
)

// User owns a mailbox; created out of band (onboarding is an external
// collaborator per spec §1) and consumed read-only by the core pipeline.
type User struct {
	ID              int64
	Email           string
	AccessTokenEnc  string
	RefreshTokenEnc string
	ChatChannelID   sql.NullString
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FolderCategory is a user-defined destination folder.
type FolderCategory struct {
	ID              int64
	UserID          int64
	Name            string
	ExternalLabelID string
	Keywords        string
}

// GetUser fetches a user by id.
func (db *DB) GetUser(userID int64) (*User, error) {
	u := &User{}
	err := db.QueryRow(`
		SELECT id, email, access_token_enc, refresh_token_enc, chat_channel_id, active, created_at, updated_at
		FROM users WHERE id = ?`, userID).Scan(
		&u.ID, &u.Email, &u.AccessTokenEnc, &u.RefreshTokenEnc, &u.ChatChannelID, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListActiveUsers returns every active user, for the poller's fan-out.
func (db *DB) ListActiveUsers() ([]*User, error) {
	rows, err := db.Query(`
		SELECT id, email, access_token_enc, refresh_token_enc, chat_channel_id, active, created_at, updated_at
		FROM users WHERE active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.Email, &u.AccessTokenEnc, &u.RefreshTokenEnc, &u.ChatChannelID, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserTokens persists refreshed encrypted tokens after a 401-triggered
// refresh (spec §4.7 "the User row updated (encrypted)").
func (db *DB) UpdateUserTokens(userID int64, accessTokenEnc, refreshTokenEnc string) error {
	_, err := db.Exec(`
		UPDATE users SET access_token_enc = ?, refresh_token_enc = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, accessTokenEnc, refreshTokenEnc, userID)
	if err != nil {
		return fmt.Errorf("update user tokens: %w", err)
	}
	return nil
}

// ListFolders returns the folder categories owned by a user.
func (db *DB) ListFolders(userID int64) ([]*FolderCategory, error) {
	rows, err := db.Query(`
		SELECT id, user_id, name, external_label_id, keywords
		FROM folder_categories WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var folders []*FolderCategory
	for rows.Next() {
		f := &FolderCategory{}
		if err := rows.Scan(&f.ID, &f.UserID, &f.Name, &f.ExternalLabelID, &f.Keywords); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetFolderByName looks up a user's folder by exact name match.
func (db *DB) GetFolderByName(userID int64, name string) (*FolderCategory, error) {
	f := &FolderCategory{}
	err := db.QueryRow(`
		SELECT id, user_id, name, external_label_id, keywords
		FROM folder_categories WHERE user_id = ? AND name = ?`, userID, name).Scan(
		&f.ID, &f.UserID, &f.Name, &f.ExternalLabelID, &f.Keywords)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get folder by name: %w", err)
	}
	return f, nil
}

// SetFolderExternalLabelID records a newly created provider label id on a
// folder the first time execute_action needs one (spec §4.7 CreateLabel
// idempotency: once resolved, later sends reuse the stored id).
func (db *DB) SetFolderExternalLabelID(folderID int64, externalLabelID string) error {
	_, err := db.Exec(`UPDATE folder_categories SET external_label_id = ? WHERE id = ?`, externalLabelID, folderID)
	if err != nil {
		return fmt.Errorf("set folder external label id: %w", err)
	}
	return nil
}

// GetFolder fetches a folder by id, scoped to owner for the I4 invariant
// ("that FolderCategory belongs to the same user").
func (db *DB) GetFolder(userID, folderID int64) (*FolderCategory, error) {
	f := &FolderCategory{}
	err := db.QueryRow(`
		SELECT id, user_id, name, external_label_id, keywords
		FROM folder_categories WHERE id = ? AND user_id = ?`, folderID, userID).Scan(
		&f.ID, &f.UserID, &f.Name, &f.ExternalLabelID, &f.Keywords)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get folder: %w", err)
	}
	return f, nil
}
