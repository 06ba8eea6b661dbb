package chat

// ConversationStore is the persistence contract for conversations and
// their messages. Implementations must treat absence as nil, nil, never
// as an error, and must keep a conversation's messages ordered by
// SentEventID ascending with sorted insertion (live events and paged
// history arrive interleaved).
type ConversationStore interface {
	GetConversation(id string) (*Conversation, error)
	ListConversations() ([]Conversation, error)
	// PutConversation creates a conversation; ErrAlreadyExists on a
	// duplicate id.
	PutConversation(c *Conversation) error
	// UpdateConversation replaces an existing record; ErrNotFound if absent.
	UpdateConversation(c *Conversation) error
	DeleteConversation(id string) error

	GetMessage(conversationID, messageID string) (*Message, error)
	// ListMessages returns all messages ordered by SentEventID ascending.
	ListMessages(conversationID string) ([]Message, error)
	// UpsertMessage inserts at the sorted position, replacing any
	// existing message with the same id (idempotent replays).
	UpsertMessage(m *Message) error
	UpdateMessage(m *Message) error
	DeleteMessages(conversationID string) error

	// Reset wipes all conversations and messages. Used at session end.
	Reset() error
}

// OrphanCache buffers status-update events whose target message is not
// yet resident, and tracks the paging cursor that was current when the
// gap began. Same durability class as the ConversationStore.
type OrphanCache interface {
	ContinuationToken(conversationID string) (*int64, error)
	SetContinuationToken(conversationID string, token *int64) error

	// AddOrphans merges events into the bucket, deduplicated by event id
	// and kept sorted by event id ascending.
	AddOrphans(conversationID string, events []Event) error
	ListOrphans(conversationID string) ([]Event, error)
	RemoveOrphan(conversationID string, eventID int64) error

	// Clear drops the bucket and cursor for one conversation.
	Clear(conversationID string) error
	ClearAll() error
}
