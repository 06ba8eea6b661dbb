// Package memstore implements the chat store contracts in memory. It is
// the default backend for tests and ephemeral sessions; the sqlite store
// is the durable variant.
package memstore

import (
	"sort"

	"github.com/talkwire/chatkit/internal/chat"
)

// Store holds conversations, messages and the orphan buckets. It assumes
// the engine's gate: no internal locking, all access is already
// serialized by the caller.
type Store struct {
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message // conversation id -> sorted by SentEventID
	orphans       map[string][]chat.Event   // conversation id -> sorted by EventID
	cursors       map[string]*int64
}

// New creates an empty store.
func New() *Store {
	s := &Store{}
	_ = s.Reset()
	return s
}

func (s *Store) GetConversation(id string) (*chat.Conversation, error) {
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (s *Store) ListConversations() ([]chat.Conversation, error) {
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutConversation(c *chat.Conversation) error {
	if _, ok := s.conversations[c.ID]; ok {
		return chat.ErrAlreadyExists
	}
	s.conversations[c.ID] = *c
	return nil
}

func (s *Store) UpdateConversation(c *chat.Conversation) error {
	if _, ok := s.conversations[c.ID]; !ok {
		return &chat.NotFoundError{Kind: "conversation", ID: c.ID}
	}
	s.conversations[c.ID] = *c
	return nil
}

func (s *Store) DeleteConversation(id string) error {
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) GetMessage(conversationID, messageID string) (*chat.Message, error) {
	for i := range s.messages[conversationID] {
		if s.messages[conversationID][i].ID == messageID {
			cp := s.messages[conversationID][i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListMessages(conversationID string) ([]chat.Message, error) {
	msgs := s.messages[conversationID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpsertMessage inserts at the position given by SentEventID, replacing
// any existing message with the same id.
func (s *Store) UpsertMessage(m *chat.Message) error {
	msgs := s.messages[m.ConversationID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	at := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].SentEventID >= m.SentEventID
	})
	msgs = append(msgs, chat.Message{})
	copy(msgs[at+1:], msgs[at:])
	msgs[at] = *m
	s.messages[m.ConversationID] = msgs
	return nil
}

func (s *Store) UpdateMessage(m *chat.Message) error {
	msgs := s.messages[m.ConversationID]
	for i := range msgs {
		if msgs[i].ID == m.ID {
			msgs[i] = *m
			return nil
		}
	}
	return &chat.NotFoundError{Kind: "message", ID: m.ID}
}

func (s *Store) DeleteMessages(conversationID string) error {
	delete(s.messages, conversationID)
	return nil
}

func (s *Store) Reset() error {
	s.conversations = make(map[string]chat.Conversation)
	s.messages = make(map[string][]chat.Message)
	s.orphans = make(map[string][]chat.Event)
	s.cursors = make(map[string]*int64)
	return nil
}

func (s *Store) ContinuationToken(conversationID string) (*int64, error) {
	t, ok := s.cursors[conversationID]
	if !ok || t == nil {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *Store) SetContinuationToken(conversationID string, token *int64) error {
	if token == nil {
		delete(s.cursors, conversationID)
		return nil
	}
	cp := *token
	s.cursors[conversationID] = &cp
	return nil
}

func (s *Store) AddOrphans(conversationID string, events []chat.Event) error {
	bucket := s.orphans[conversationID]
	for _, ev := range events {
		dup := false
		for i := range bucket {
			if bucket[i].EventID == ev.EventID {
				dup = true
				break
			}
		}
		if !dup {
			bucket = append(bucket, ev)
		}
	}
	sort.Slice(bucket, func(i, j int) bool { return bucket[i].EventID < bucket[j].EventID })
	s.orphans[conversationID] = bucket
	return nil
}

func (s *Store) ListOrphans(conversationID string) ([]chat.Event, error) {
	bucket := s.orphans[conversationID]
	out := make([]chat.Event, len(bucket))
	copy(out, bucket)
	return out, nil
}

func (s *Store) RemoveOrphan(conversationID string, eventID int64) error {
	bucket := s.orphans[conversationID]
	for i := range bucket {
		if bucket[i].EventID == eventID {
			s.orphans[conversationID] = append(bucket[:i], bucket[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Clear(conversationID string) error {
	delete(s.orphans, conversationID)
	delete(s.cursors, conversationID)
	return nil
}

func (s *Store) ClearAll() error {
	s.orphans = make(map[string][]chat.Event)
	s.cursors = make(map[string]*int64)
	return nil
}
