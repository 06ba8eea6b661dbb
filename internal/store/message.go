package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talkwire/chatkit/internal/chat"
)

// UpsertMessage inserts or replaces a message (idempotent on
// conversation_id + message_id). Ordering by sent_event_id is enforced
// on reads, so interleaved live and paged arrivals need no shuffling.
func (db *DB) UpsertMessage(m *chat.Message) error {
	parts, metadata, status, err := encodeMessageJSON(m)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages
			(conversation_id, message_id, sender_id, sent_on, sent_event_id,
			 parts, metadata, status_updates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sent_on = excluded.sent_on,
			sent_event_id = excluded.sent_event_id,
			parts = excluded.parts,
			metadata = excluded.metadata,
			status_updates = excluded.status_updates`,
		m.ConversationID, m.ID, m.SenderID, m.SentOn, m.SentEventID,
		parts, metadata, status, time.Now().UnixMilli())
	return err
}

// UpdateMessage rewrites an existing message. ErrNotFound if absent.
func (db *DB) UpdateMessage(m *chat.Message) error {
	parts, metadata, status, err := encodeMessageJSON(m)
	if err != nil {
		return err
	}
	res, err := db.Exec(`
		UPDATE messages SET
			sender_id = ?, sent_on = ?, sent_event_id = ?,
			parts = ?, metadata = ?, status_updates = ?
		WHERE conversation_id = ? AND message_id = ?`,
		m.SenderID, m.SentOn, m.SentEventID, parts, metadata, status,
		m.ConversationID, m.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &chat.NotFoundError{Kind: "message", ID: m.ID}
	}
	return nil
}

// GetMessage returns one message by id, or nil if absent.
func (db *DB) GetMessage(conversationID, messageID string) (*chat.Message, error) {
	row := db.QueryRow(`
		SELECT conversation_id, message_id, sender_id, sent_on, sent_event_id,
		       parts, metadata, status_updates
		FROM messages WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns a conversation's messages ordered by sent_event_id
// ascending.
func (db *DB) ListMessages(conversationID string) ([]chat.Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, message_id, sender_id, sent_on, sent_event_id,
		       parts, metadata, status_updates
		FROM messages WHERE conversation_id = ?
		ORDER BY sent_event_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// DeleteMessages drops all messages of a conversation.
func (db *DB) DeleteMessages(conversationID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

func encodeMessageJSON(m *chat.Message) (parts, metadata, status string, err error) {
	p, err := json.Marshal(m.Parts)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal parts: %w", err)
	}
	md, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	st, err := json.Marshal(m.StatusUpdates)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal status updates: %w", err)
	}
	return string(p), string(md), string(st), nil
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var m chat.Message
	var parts, metadata, status string
	err := row.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.SentOn,
		&m.SentEventID, &parts, &metadata, &status)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(status), &m.StatusUpdates); err != nil {
		return nil, fmt.Errorf("unmarshal status updates: %w", err)
	}
	return &m, nil
}
