package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the engine and its collaborators. Integrators
// subscribe by namespace prefix ("conversation.", "message.", ...).
const (
	KindConversationAdded   = "conversation.added"
	KindConversationUpdated = "conversation.updated"
	KindConversationDeleted = "conversation.deleted"
	KindMessageUpserted     = "message.upserted"
	KindMessageStatus       = "message.status_changed"
	KindSyncStarted         = "sync.started"
	KindSyncCompleted       = "sync.completed"
	KindSyncGapDetected     = "sync.gap_detected"
	KindReceiptSent         = "receipt.sent"
	KindReceiptFailed       = "receipt.failed"
	KindStatusChanged       = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event with a fresh id and the current timestamp.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
