package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talkwire/chatkit/internal/chat"
)

// ContinuationToken returns the cached paging cursor for a conversation,
// or nil if paging has not started.
func (db *DB) ContinuationToken(conversationID string) (*int64, error) {
	var token int64
	err := db.QueryRow(`
		SELECT continuation_token FROM paging_state WHERE conversation_id = ?`,
		conversationID).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// SetContinuationToken stores the paging cursor; nil clears it.
func (db *DB) SetContinuationToken(conversationID string, token *int64) error {
	if token == nil {
		_, err := db.Exec(`DELETE FROM paging_state WHERE conversation_id = ?`, conversationID)
		return err
	}
	_, err := db.Exec(`
		INSERT INTO paging_state (conversation_id, continuation_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			continuation_token = excluded.continuation_token,
			updated_at = excluded.updated_at`,
		conversationID, *token, time.Now().UnixMilli())
	return err
}

// AddOrphans buffers status-update events, deduplicated by event id.
func (db *DB) AddOrphans(conversationID string, events []chat.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal orphan event: %w", err)
		}
		if _, err := db.Exec(`
			INSERT INTO orphan_events (conversation_id, event_id, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, event_id) DO NOTHING`,
			conversationID, ev.EventID, string(payload), time.Now().UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}

// ListOrphans returns buffered events ordered by event id ascending.
func (db *DB) ListOrphans(conversationID string) ([]chat.Event, error) {
	rows, err := db.Query(`
		SELECT payload FROM orphan_events
		WHERE conversation_id = ? ORDER BY event_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev chat.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal orphan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RemoveOrphan drops one buffered event once its status is applied.
func (db *DB) RemoveOrphan(conversationID string, eventID int64) error {
	_, err := db.Exec(`
		DELETE FROM orphan_events WHERE conversation_id = ? AND event_id = ?`,
		conversationID, eventID)
	return err
}

// Clear drops the bucket and cursor for one conversation.
func (db *DB) Clear(conversationID string) error {
	if _, err := db.Exec(`DELETE FROM orphan_events WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM paging_state WHERE conversation_id = ?`, conversationID)
	return err
}

// ClearAll wipes every orphan bucket and cursor.
func (db *DB) ClearAll() error {
	if _, err := db.Exec(`DELETE FROM orphan_events`); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM paging_state`)
	return err
}
