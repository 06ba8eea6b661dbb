package pager

import (
	"context"
	"errors"
	"testing"

	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/memstore"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/remote/remotetest"
)

func TestExhaustedPaging(t *testing.T) {
	p := New(&remotetest.Fake{}, memstore.New(), nil)

	for _, token := range []int64{0, -1} {
		_, err := p.GetMessages(context.Background(), "c1", 10, chat.Int64(token))
		if !errors.Is(err, chat.ErrExhaustedPaging) {
			t.Errorf("token %d: err = %v, want ErrExhaustedPaging", token, err)
		}
	}
}

func TestInvalidContinuationToken(t *testing.T) {
	cache := memstore.New()
	if err := cache.SetContinuationToken("c1", chat.Int64(40)); err != nil {
		t.Fatal(err)
	}
	p := New(&remotetest.Fake{}, cache, nil)

	_, err := p.GetMessages(context.Background(), "c1", 10, chat.Int64(99))
	if !errors.Is(err, chat.ErrInvalidContinuationToken) {
		t.Fatalf("err = %v, want ErrInvalidContinuationToken", err)
	}

	// No cached cursor at all also rejects a supplied token.
	_, err = p.GetMessages(context.Background(), "c2", 10, chat.Int64(40))
	if !errors.Is(err, chat.ErrInvalidContinuationToken) {
		t.Fatalf("err = %v, want ErrInvalidContinuationToken", err)
	}
}

func TestFreshStartResetsOrphans(t *testing.T) {
	cache := memstore.New()
	_ = cache.SetContinuationToken("c1", chat.Int64(40))
	_ = cache.AddOrphans("c1", []chat.Event{{Kind: chat.EventMessageRead, EventID: 50, MessageID: "gone"}})

	fake := &remotetest.Fake{
		GetMessagesPageFunc: func(_ context.Context, _ string, _ int, token *int64) (*remote.MessagePage, error) {
			if token != nil {
				t.Errorf("fresh start passed token %v to remote", *token)
			}
			return &remote.MessagePage{EarliestEventID: 90, LatestEventID: 99}, nil
		},
	}
	p := New(fake, cache, nil)

	page, err := p.GetMessages(context.Background(), "c1", 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if page.ContinuationToken != 89 {
		t.Errorf("token = %d, want 89", page.ContinuationToken)
	}
	orphans, _ := cache.ListOrphans("c1")
	if len(orphans) != 0 {
		t.Errorf("stale orphans survived fresh start: %+v", orphans)
	}
	cursor, _ := cache.ContinuationToken("c1")
	if cursor == nil || *cursor != 89 {
		t.Errorf("cursor = %v, want 89", cursor)
	}
}

// A page bundles message M plus an orphaned read event targeting M: the
// status must be applied, the orphan removed, and a later delivered for
// the same profile must not downgrade it.
func TestOrphanReplay(t *testing.T) {
	cache := memstore.New()
	fake := &remotetest.Fake{
		GetMessagesPageFunc: func(context.Context, string, int, *int64) (*remote.MessagePage, error) {
			return &remote.MessagePage{
				Messages: []chat.Message{
					{ID: "M", ConversationID: "c1", SenderID: "self", SentEventID: 10},
				},
				EarliestEventID: 10,
				LatestEventID:   10,
				OrphanedEvents: []chat.Event{
					{Kind: chat.EventMessageRead, ConversationID: "c1", EventID: 12, MessageID: "M", ProfileID: "bob", SentOn: 120},
					{Kind: chat.EventMessageDelivered, ConversationID: "c1", EventID: 13, MessageID: "M", ProfileID: "bob", SentOn: 125},
					{Kind: chat.EventMessageRead, ConversationID: "c1", EventID: 14, MessageID: "elsewhere", ProfileID: "bob", SentOn: 130},
				},
			}, nil
		},
	}
	p := New(fake, cache, nil)

	page, err := p.GetMessages(context.Background(), "c1", 10, nil)
	if err != nil {
		t.Fatal(err)
	}

	m := page.Messages[0]
	if got := m.StatusUpdates["bob"].Status; got != chat.StatusRead {
		t.Errorf("status = %q, want read (delivered must not downgrade)", got)
	}

	// The event for a message on another page stays buffered.
	left, _ := cache.ListOrphans("c1")
	if len(left) != 1 || left[0].MessageID != "elsewhere" {
		t.Errorf("remaining orphans = %+v", left)
	}
}

func TestMarkDelivered(t *testing.T) {
	fake := &remotetest.Fake{}
	p := New(fake, memstore.New(), nil)

	msgs := []chat.Message{
		{ID: "mine", SenderID: "self"},
		{ID: "acked", SenderID: "alice", StatusUpdates: map[string]chat.StatusUpdate{
			"self": {Status: chat.StatusRead, Timestamp: 10},
		}},
		{ID: "fresh", SenderID: "alice"},
	}
	if err := p.MarkDelivered(context.Background(), "c1", msgs, "self", 99); err != nil {
		t.Fatal(err)
	}

	if len(fake.StatusUpdates) != 1 {
		t.Fatalf("batches = %d, want 1", len(fake.StatusUpdates))
	}
	batch := fake.StatusUpdates[0]
	if len(batch) != 1 || batch[0].MessageID != "fresh" || batch[0].Status != chat.StatusDelivered {
		t.Errorf("batch = %+v", batch)
	}
}

func TestMarkDeliveredNothingToAck(t *testing.T) {
	fake := &remotetest.Fake{}
	p := New(fake, memstore.New(), nil)

	msgs := []chat.Message{{ID: "mine", SenderID: "self"}}
	if err := p.MarkDelivered(context.Background(), "c1", msgs, "self", 99); err != nil {
		t.Fatal(err)
	}
	if len(fake.StatusUpdates) != 0 {
		t.Errorf("sent %d batches, want none", len(fake.StatusUpdates))
	}
}
