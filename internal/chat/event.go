package chat

// EventKind is the closed set of event types the engine understands.
// Wire names are decoded once at the transport boundary; the core never
// matches on raw strings.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventMessageSent
	EventMessageDelivered
	EventMessageRead
	EventConversationUpdated
	EventConversationDeleted
	EventParticipantAdded
	EventParticipantRemoved
)

var eventKindNames = map[EventKind]string{
	EventUnknown:             "unknown",
	EventMessageSent:         "conversationMessage.sent",
	EventMessageDelivered:    "conversationMessage.delivered",
	EventMessageRead:         "conversationMessage.read",
	EventConversationUpdated: "conversation.updated",
	EventConversationDeleted: "conversation.deleted",
	EventParticipantAdded:    "participant.added",
	EventParticipantRemoved:  "participant.removed",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsStatus reports whether the kind is a delivered/read status update.
func (k EventKind) IsStatus() bool {
	return k == EventMessageDelivered || k == EventMessageRead
}

// Event is one typed event for a conversation.
type Event struct {
	Kind           EventKind
	ConversationID string
	EventID        int64 // conversation-scoped sequence number

	// Message events: MessageID identifies the target message; for sent
	// events SenderID/SentOn/Parts/Metadata carry the payload, for
	// status events ProfileID is the acknowledging profile.
	MessageID string
	SenderID  string
	ProfileID string
	SentOn    int64 // unix ms
	Parts     []Part
	Metadata  map[string]string

	// Conversation/participant events.
	Name        string
	Description string
	IsPublic    bool
	ETag        string
}

// Status maps a status event kind to the acknowledgement it carries.
func (e Event) Status() StatusUpdate {
	s := StatusDelivered
	if e.Kind == EventMessageRead {
		s = StatusRead
	}
	return StatusUpdate{Status: s, Timestamp: e.SentOn}
}

// Message builds the stored message for a sent event.
func (e Event) Message() *Message {
	return &Message{
		ID:             e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SentOn:         e.SentOn,
		SentEventID:    e.EventID,
		Parts:          e.Parts,
		Metadata:       e.Metadata,
	}
}
