package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/talkwire/chatkit/internal/chat"
)

// PutConversation creates a conversation record. ErrAlreadyExists on a
// duplicate id.
func (db *DB) PutConversation(c *chat.Conversation) error {
	roles, err := json.Marshal(c.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO conversations
			(id, name, description, roles, is_public, etag, last_message_at,
			 latest_remote_event_id, earliest_local_event_id, latest_local_event_id,
			 continuation_token, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, string(roles), c.IsPublic, c.ETag, c.LastMessageTimestamp,
		nullable(c.LatestRemoteEventID), nullable(c.EarliestLocalEventID),
		nullable(c.LatestLocalEventID), nullable(c.ContinuationToken),
		time.Now().UnixMilli())
	if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("conversation %s: %w", c.ID, chat.ErrAlreadyExists)
	}
	return err
}

// UpdateConversation replaces an existing record. ErrNotFound if absent.
func (db *DB) UpdateConversation(c *chat.Conversation) error {
	roles, err := json.Marshal(c.Roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	res, err := db.Exec(`
		UPDATE conversations SET
			name = ?, description = ?, roles = ?, is_public = ?, etag = ?,
			last_message_at = ?, latest_remote_event_id = ?,
			earliest_local_event_id = ?, latest_local_event_id = ?,
			continuation_token = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Description, string(roles), c.IsPublic, c.ETag,
		c.LastMessageTimestamp, nullable(c.LatestRemoteEventID),
		nullable(c.EarliestLocalEventID), nullable(c.LatestLocalEventID),
		nullable(c.ContinuationToken), time.Now().UnixMilli(), c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &chat.NotFoundError{Kind: "conversation", ID: c.ID}
	}
	return nil
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, name, description, roles, is_public, etag, last_message_at,
		       latest_remote_event_id, earliest_local_event_id,
		       latest_local_event_id, continuation_token
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns all cached conversations ordered by id.
func (db *DB) ListConversations() ([]chat.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, name, description, roles, is_public, etag, last_message_at,
		       latest_remote_event_id, earliest_local_event_id,
		       latest_local_event_id, continuation_token
		FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*chat.Conversation, error) {
	var c chat.Conversation
	var roles string
	var remoteID, earliest, latest, token sql.NullInt64
	err := row.Scan(&c.ID, &c.Name, &c.Description, &roles, &c.IsPublic, &c.ETag,
		&c.LastMessageTimestamp, &remoteID, &earliest, &latest, &token)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &c.Roles); err != nil {
		return nil, fmt.Errorf("unmarshal roles: %w", err)
	}
	c.LatestRemoteEventID = fromNull(remoteID)
	c.EarliestLocalEventID = fromNull(earliest)
	c.LatestLocalEventID = fromNull(latest)
	c.ContinuationToken = fromNull(token)
	return &c, nil
}

func nullable(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
