// Package remotetest provides a configurable in-memory remote.Service
// for engine and pager tests.
package remotetest

import (
	"context"
	"fmt"

	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/remote"
)

// Fake implements remote.Service with overridable function fields. Any
// nil field returns a zero value. Calls records the method names invoked
// in order.
type Fake struct {
	Calls []string

	Profile string // profile id returned by StartSession

	GetConversationsFunc      func(ctx context.Context) ([]remote.Conversation, error)
	GetConversationFunc       func(ctx context.Context, id string) (*remote.Conversation, error)
	CreateConversationFunc    func(ctx context.Context, details remote.ConversationDetails) (*remote.Conversation, error)
	UpdateConversationFunc    func(ctx context.Context, details remote.ConversationDetails) (*remote.Conversation, error)
	DeleteConversationFunc    func(ctx context.Context, id string) error
	GetParticipantsFunc       func(ctx context.Context, id string) ([]chat.Participant, error)
	AddParticipantsFunc       func(ctx context.Context, id string, profileIDs []string) error
	RemoveParticipantsFunc    func(ctx context.Context, id string, profileIDs []string) error
	GetConversationEventsFunc func(ctx context.Context, id string, fromSeq int64, limit int) ([]chat.Event, error)
	GetMessagesPageFunc       func(ctx context.Context, id string, pageSize int, token *int64) (*remote.MessagePage, error)
	SendMessageFunc           func(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*remote.SendResult, error)
	SendStatusUpdatesFunc     func(ctx context.Context, id string, updates []remote.StatusUpdate) error

	// StatusUpdates accumulates every batch passed to SendStatusUpdates
	// (also when SendStatusUpdatesFunc is set).
	StatusUpdates [][]remote.StatusUpdate
}

var _ remote.Service = (*Fake)(nil)

func (f *Fake) record(name string) {
	f.Calls = append(f.Calls, name)
}

func (f *Fake) StartSession(context.Context) (*remote.Session, error) {
	f.record("StartSession")
	profile := f.Profile
	if profile == "" {
		profile = "self"
	}
	return &remote.Session{ProfileID: profile, SessionID: "s1"}, nil
}

func (f *Fake) GetConversations(ctx context.Context) ([]remote.Conversation, error) {
	f.record("GetConversations")
	if f.GetConversationsFunc == nil {
		return nil, nil
	}
	return f.GetConversationsFunc(ctx)
}

func (f *Fake) GetConversation(ctx context.Context, id string) (*remote.Conversation, error) {
	f.record("GetConversation")
	if f.GetConversationFunc == nil {
		return nil, &chat.NotFoundError{Kind: "conversation", ID: id}
	}
	return f.GetConversationFunc(ctx, id)
}

func (f *Fake) CreateConversation(ctx context.Context, details remote.ConversationDetails) (*remote.Conversation, error) {
	f.record("CreateConversation")
	if f.CreateConversationFunc == nil {
		return &remote.Conversation{ID: details.ID, Name: details.Name, Description: details.Description, IsPublic: details.IsPublic}, nil
	}
	return f.CreateConversationFunc(ctx, details)
}

func (f *Fake) UpdateConversation(ctx context.Context, details remote.ConversationDetails) (*remote.Conversation, error) {
	f.record("UpdateConversation")
	if f.UpdateConversationFunc == nil {
		return &remote.Conversation{ID: details.ID, Name: details.Name, Description: details.Description, IsPublic: details.IsPublic}, nil
	}
	return f.UpdateConversationFunc(ctx, details)
}

func (f *Fake) DeleteConversation(ctx context.Context, id string) error {
	f.record("DeleteConversation")
	if f.DeleteConversationFunc == nil {
		return nil
	}
	return f.DeleteConversationFunc(ctx, id)
}

func (f *Fake) GetParticipants(ctx context.Context, id string) ([]chat.Participant, error) {
	f.record("GetParticipants")
	if f.GetParticipantsFunc == nil {
		return nil, nil
	}
	return f.GetParticipantsFunc(ctx, id)
}

func (f *Fake) AddParticipants(ctx context.Context, id string, profileIDs []string) error {
	f.record("AddParticipants")
	if f.AddParticipantsFunc == nil {
		return nil
	}
	return f.AddParticipantsFunc(ctx, id, profileIDs)
}

func (f *Fake) RemoveParticipants(ctx context.Context, id string, profileIDs []string) error {
	f.record("RemoveParticipants")
	if f.RemoveParticipantsFunc == nil {
		return nil
	}
	return f.RemoveParticipantsFunc(ctx, id, profileIDs)
}

func (f *Fake) GetConversationEvents(ctx context.Context, id string, fromSeq int64, limit int) ([]chat.Event, error) {
	f.record(fmt.Sprintf("GetConversationEvents(%d,%d)", fromSeq, limit))
	if f.GetConversationEventsFunc == nil {
		return nil, nil
	}
	return f.GetConversationEventsFunc(ctx, id, fromSeq, limit)
}

func (f *Fake) GetMessagesPage(ctx context.Context, id string, pageSize int, token *int64) (*remote.MessagePage, error) {
	f.record("GetMessagesPage")
	if f.GetMessagesPageFunc == nil {
		return &remote.MessagePage{}, nil
	}
	return f.GetMessagesPageFunc(ctx, id, pageSize, token)
}

func (f *Fake) SendMessage(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*remote.SendResult, error) {
	f.record("SendMessage")
	if f.SendMessageFunc == nil {
		return &remote.SendResult{MessageID: "srv-msg", EventID: 1}, nil
	}
	return f.SendMessageFunc(ctx, id, parts, metadata)
}

func (f *Fake) SendStatusUpdates(ctx context.Context, id string, updates []remote.StatusUpdate) error {
	f.record("SendStatusUpdates")
	f.StatusUpdates = append(f.StatusUpdates, updates)
	if f.SendStatusUpdatesFunc == nil {
		return nil
	}
	return f.SendStatusUpdatesFunc(ctx, id, updates)
}
