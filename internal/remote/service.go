// Package remote is the client for the messaging service's REST API.
// The Service interface is what the engine consumes; HTTPClient is the
// production implementation, and tests substitute fakes.
package remote

import (
	"context"

	"github.com/talkwire/chatkit/internal/chat"
)

// Session identifies the local profile after authentication.
type Session struct {
	ProfileID string `json:"profileId"`
	SessionID string `json:"sessionId"`
	ExpiresOn int64  `json:"expiresOn"`
}

// Conversation is the authoritative remote record.
type Conversation struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description"`
	Roles             chat.Roles `json:"roles"`
	IsPublic          bool       `json:"isPublic"`
	ETag              string     `json:"eTag"`
	LatestSentEventID *int64     `json:"latestSentEventId,omitempty"`
	UpdatedOn         int64      `json:"updatedOn"`
}

// ConversationDetails is the create/update input.
type ConversationDetails struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"isPublic"`
}

// MessagePage is one page of historical messages, newest-first paging.
// OrphanedEvents are status updates the service could not fold into the
// page's messages (their targets live on other pages).
type MessagePage struct {
	Messages          []chat.Message
	EarliestEventID   int64
	LatestEventID     int64
	ContinuationToken *int64
	OrphanedEvents    []chat.Event
}

// SendResult is the ack for a sent message.
type SendResult struct {
	MessageID string `json:"id"`
	EventID   int64  `json:"eventId"`
}

// StatusUpdate is one entry of a batched delivered/read acknowledgement.
type StatusUpdate struct {
	MessageID string      `json:"messageId"`
	ProfileID string      `json:"profileId"`
	Status    chat.Status `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

// Service is the narrow surface of the messaging service the engine
// depends on.
type Service interface {
	StartSession(ctx context.Context) (*Session, error)

	GetConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, details ConversationDetails) (*Conversation, error)
	UpdateConversation(ctx context.Context, details ConversationDetails) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	GetParticipants(ctx context.Context, id string) ([]chat.Participant, error)
	AddParticipants(ctx context.Context, id string, profileIDs []string) error
	RemoveParticipants(ctx context.Context, id string, profileIDs []string) error

	// GetConversationEvents returns up to limit events with sequence
	// numbers >= fromSeq, ascending.
	GetConversationEvents(ctx context.Context, id string, fromSeq int64, limit int) ([]chat.Event, error)

	// GetMessagesPage returns one page of history. A nil token requests
	// the most recent page.
	GetMessagesPage(ctx context.Context, id string, pageSize int, token *int64) (*MessagePage, error)

	SendMessage(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*SendResult, error)
	SendStatusUpdates(ctx context.Context, id string, updates []StatusUpdate) error
}
