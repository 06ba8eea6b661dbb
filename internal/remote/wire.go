package remote

import (
	"github.com/talkwire/chatkit/internal/chat"
)

// eventKinds maps wire event names to the closed union. This is the only
// place kind strings are interpreted; everything past this boundary works
// on chat.EventKind.
var eventKinds = map[string]chat.EventKind{
	"conversationMessage.sent":      chat.EventMessageSent,
	"conversationMessage.delivered": chat.EventMessageDelivered,
	"conversationMessage.read":      chat.EventMessageRead,
	"conversation.updated":          chat.EventConversationUpdated,
	"conversation.deleted":          chat.EventConversationDeleted,
	"participant.added":             chat.EventParticipantAdded,
	"participant.removed":           chat.EventParticipantRemoved,
}

// EventPayload is the wire shape shared by the REST event feed and the
// WebSocket stream.
type EventPayload struct {
	Kind           string `json:"kind"`
	ConversationID string `json:"conversationId"`
	EventID        int64  `json:"eventId"`

	MessageID string            `json:"messageId,omitempty"`
	SenderID  string            `json:"senderId,omitempty"`
	ProfileID string            `json:"profileId,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Parts     []PartPayload     `json:"parts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	IsPublic    bool   `json:"isPublic,omitempty"`
	ETag        string `json:"eTag,omitempty"`
}

// Event converts the payload into the typed union. Unrecognized kinds
// decode to chat.EventUnknown; the application rule rejects them.
func (p EventPayload) Event() chat.Event {
	return chat.Event{
		Kind:           eventKinds[p.Kind], // zero value is EventUnknown
		ConversationID: p.ConversationID,
		EventID:        p.EventID,
		MessageID:      p.MessageID,
		SenderID:       p.SenderID,
		ProfileID:      p.ProfileID,
		SentOn:         p.Timestamp,
		Parts:          decodeParts(p.Parts),
		Metadata:       p.Metadata,
		Name:           p.Name,
		Description:    p.Description,
		IsPublic:       p.IsPublic,
		ETag:           p.ETag,
	}
}

// PartPayload is the wire shape of one content fragment.
type PartPayload struct {
	Kind string `json:"kind"`
	Body string `json:"body"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

func decodeParts(in []PartPayload) []chat.Part {
	if len(in) == 0 {
		return nil
	}
	out := make([]chat.Part, len(in))
	for i, p := range in {
		out[i] = chat.Part{Kind: p.Kind, Body: p.Body, MIME: p.MIME, Size: p.Size}
	}
	return out
}

func encodeParts(in []chat.Part) []PartPayload {
	if len(in) == 0 {
		return nil
	}
	out := make([]PartPayload, len(in))
	for i, p := range in {
		out[i] = PartPayload{Kind: p.Kind, Body: p.Body, MIME: p.MIME, Size: p.Size}
	}
	return out
}

// messagePayload is the wire shape of one stored message.
type messagePayload struct {
	ID            string                       `json:"id"`
	SenderID      string                       `json:"senderId"`
	SentOn        int64                        `json:"sentOn"`
	SentEventID   int64                        `json:"sentEventId"`
	Parts         []PartPayload                `json:"parts,omitempty"`
	Metadata      map[string]string            `json:"metadata,omitempty"`
	StatusUpdates map[string]statusAckPayload  `json:"statusUpdates,omitempty"`
}

type statusAckPayload struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

func (p messagePayload) message(conversationID string) chat.Message {
	m := chat.Message{
		ID:             p.ID,
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		SentOn:         p.SentOn,
		SentEventID:    p.SentEventID,
		Parts:          decodeParts(p.Parts),
		Metadata:       p.Metadata,
	}
	if len(p.StatusUpdates) > 0 {
		m.StatusUpdates = make(map[string]chat.StatusUpdate, len(p.StatusUpdates))
		for profile, ack := range p.StatusUpdates {
			m.StatusUpdates[profile] = chat.StatusUpdate{
				Status:    chat.Status(ack.Status),
				Timestamp: ack.Timestamp,
			}
		}
	}
	return m
}

// messagePagePayload is the wire shape of GetMessagesPage.
type messagePagePayload struct {
	Messages          []messagePayload `json:"messages"`
	EarliestEventID   int64            `json:"earliestEventId"`
	LatestEventID     int64            `json:"latestEventId"`
	ContinuationToken *int64           `json:"continuationToken,omitempty"`
	OrphanedEvents    []EventPayload   `json:"orphanedEvents,omitempty"`
}

func (p messagePagePayload) page(conversationID string) *MessagePage {
	page := &MessagePage{
		EarliestEventID:   p.EarliestEventID,
		LatestEventID:     p.LatestEventID,
		ContinuationToken: p.ContinuationToken,
	}
	for _, mp := range p.Messages {
		page.Messages = append(page.Messages, mp.message(conversationID))
	}
	for _, ep := range p.OrphanedEvents {
		page.OrphanedEvents = append(page.OrphanedEvents, ep.Event())
	}
	return page
}
