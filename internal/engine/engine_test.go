package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/memstore"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/remote/remotetest"
)

// newTestEngine wires an engine against a memstore and the given fake.
// The clock is pinned and sleeps are recorded instead of slept.
func newTestEngine(t *testing.T, fake *remotetest.Fake) (*Engine, *memstore.Store, *int) {
	t.Helper()
	store := memstore.New()
	e := New(Config{}, store, store, fake, nil, nil, nil)
	sleeps := 0
	e.sleep = func(time.Duration) { sleeps++ }
	e.now = func() int64 { return 1000 }
	return e, store, &sleeps
}

// seedConversation puts a conversation that already completed its first
// page load: paging cursor set and both local bounds at latestLocal.
func seedConversation(t *testing.T, store *memstore.Store, id string, latestLocal, latestRemote, token int64) {
	t.Helper()
	conv := &chat.Conversation{
		ID:                   id,
		LastMessageTimestamp: 100,
		EarliestLocalEventID: chat.Int64(latestLocal),
		LatestLocalEventID:   chat.Int64(latestLocal),
		LatestRemoteEventID:  chat.Int64(latestRemote),
		ContinuationToken:    chat.Int64(token),
	}
	if err := store.PutConversation(conv); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

func TestGetConversationsSortedByActivity(t *testing.T) {
	e, store, _ := newTestEngine(t, &remotetest.Fake{})
	for _, c := range []chat.Conversation{
		{ID: "old", LastMessageTimestamp: 10},
		{ID: "new", LastMessageTimestamp: 30},
		{ID: "mid", LastMessageTimestamp: 20},
	} {
		conv := c
		if err := store.PutConversation(&conv); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := e.GetConversations(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	want := []string{"new", "mid", "old"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestSendMessageAdvancesCursors(t *testing.T) {
	fake := &remotetest.Fake{
		SendMessageFunc: func(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*remote.SendResult, error) {
			return &remote.SendResult{MessageID: "m9", EventID: 7}, nil
		},
	}
	e, store, _ := newTestEngine(t, fake)
	seedConversation(t, store, "c1", 6, 6, 5)

	m, err := e.SendMessage(context.Background(), "c1", []chat.Part{{Kind: "text", Body: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "m9" || m.SentEventID != 7 || m.SenderID != "self" {
		t.Fatalf("message = %+v", m)
	}

	conv, _ := store.GetConversation("c1")
	if conv.LatestLocalEventID == nil || *conv.LatestLocalEventID != 7 {
		t.Errorf("latest local = %v, want 7", conv.LatestLocalEventID)
	}
	if conv.LatestRemoteEventID == nil || *conv.LatestRemoteEventID != 7 {
		t.Errorf("latest remote = %v, want 7", conv.LatestRemoteEventID)
	}
	if conv.LastMessageTimestamp != 1000 {
		t.Errorf("last activity = %d, want 1000", conv.LastMessageTimestamp)
	}
	stored, _ := store.GetMessage("c1", "m9")
	if stored == nil {
		t.Fatal("sent message not stored")
	}
}

// A send ack can land ahead of the local cursor when other members sent
// messages whose events have not come over the stream yet. The cursor
// must not jump past those events: their later delivery would look like
// duplicates and the messages would never land.
func TestSendMessageGapAckKeepsLocalCursor(t *testing.T) {
	fake := &remotetest.Fake{
		SendMessageFunc: func(ctx context.Context, id string, parts []chat.Part, metadata map[string]string) (*remote.SendResult, error) {
			return &remote.SendResult{MessageID: "m8", EventID: 8}, nil
		},
	}
	e, store, _ := newTestEngine(t, fake)
	seedConversation(t, store, "c1", 5, 5, 4)

	if _, err := e.SendMessage(context.Background(), "c1", []chat.Part{{Kind: "text", Body: "hi"}}, nil); err != nil {
		t.Fatal(err)
	}

	conv, _ := store.GetConversation("c1")
	if conv.LatestLocalEventID == nil || *conv.LatestLocalEventID != 5 {
		t.Errorf("latest local = %v, want 5 (unmoved)", conv.LatestLocalEventID)
	}
	if conv.LatestRemoteEventID == nil || *conv.LatestRemoteEventID != 8 {
		t.Errorf("latest remote = %v, want 8", conv.LatestRemoteEventID)
	}

	// The concurrent foreign events still arrive over the stream and
	// must land instead of being dropped as duplicates.
	for _, ev := range []chat.Event{
		{Kind: chat.EventMessageSent, ConversationID: "c1", EventID: 6, MessageID: "m6", SenderID: "other", SentOn: 60},
		{Kind: chat.EventMessageSent, ConversationID: "c1", EventID: 7, MessageID: "m7", SenderID: "other", SentOn: 70},
	} {
		if err := e.HandleEvent(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}

	msgs, _ := store.ListMessages("c1")
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (m6 m7 m8)", len(msgs))
	}
	for i, want := range []string{"m6", "m7", "m8"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}
	conv, _ = store.GetConversation("c1")
	if *conv.LatestLocalEventID != 7 {
		t.Errorf("latest local = %v, want 7", conv.LatestLocalEventID)
	}
}

func TestMarkMessagesReadNotResident(t *testing.T) {
	e, store, _ := newTestEngine(t, &remotetest.Fake{})
	seedConversation(t, store, "c1", 1, 1, 0)

	err := e.MarkMessagesRead(context.Background(), "c1", []string{"ghost"})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkAllReadSkipsOwnAndAlreadyRead(t *testing.T) {
	fake := &remotetest.Fake{}
	e, store, _ := newTestEngine(t, fake)
	seedConversation(t, store, "c1", 3, 3, 0)

	msgs := []chat.Message{
		{ID: "mine", ConversationID: "c1", SenderID: "self", SentEventID: 1},
		{ID: "seen", ConversationID: "c1", SenderID: "other", SentEventID: 2,
			StatusUpdates: map[string]chat.StatusUpdate{"self": {Status: chat.StatusRead, Timestamp: 5}}},
		{ID: "fresh", ConversationID: "c1", SenderID: "other", SentEventID: 3},
	}
	for i := range msgs {
		if err := store.UpsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.MarkAllRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(fake.StatusUpdates) != 1 {
		t.Fatalf("batches = %d, want 1", len(fake.StatusUpdates))
	}
	batch := fake.StatusUpdates[0]
	if len(batch) != 1 || batch[0].MessageID != "fresh" || batch[0].Status != chat.StatusRead {
		t.Fatalf("batch = %+v, want single read for fresh", batch)
	}

	stored, _ := store.GetMessage("c1", "fresh")
	if got := stored.StatusUpdates["self"].Status; got != chat.StatusRead {
		t.Errorf("stored status = %q, want read", got)
	}
}

func TestGetPreviousMessagesExhausted(t *testing.T) {
	e, store, _ := newTestEngine(t, &remotetest.Fake{})
	seedConversation(t, store, "c1", 5, 5, -1)

	_, err := e.GetPreviousMessages(context.Background(), "c1")
	if !errors.Is(err, chat.ErrExhaustedPaging) {
		t.Fatalf("err = %v, want ErrExhaustedPaging", err)
	}
}

func TestGetPreviousMessagesPersistsOlderPage(t *testing.T) {
	fake := &remotetest.Fake{
		GetMessagesPageFunc: func(ctx context.Context, id string, pageSize int, token *int64) (*remote.MessagePage, error) {
			if token == nil || *token != 4 {
				t.Fatalf("token = %v, want 4", token)
			}
			return &remote.MessagePage{
				Messages: []chat.Message{
					{ID: "m3", ConversationID: id, SenderID: "self", SentEventID: 3},
					{ID: "m4", ConversationID: id, SenderID: "self", SentEventID: 4},
				},
				EarliestEventID: 3,
				LatestEventID:   4,
			}, nil
		},
	}
	e, store, _ := newTestEngine(t, fake)
	seedConversation(t, store, "c1", 5, 5, 4)
	if err := store.SetContinuationToken("c1", chat.Int64(4)); err != nil {
		t.Fatal(err)
	}

	msgs, err := e.GetPreviousMessages(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("page = %d messages, want 2", len(msgs))
	}

	conv, _ := store.GetConversation("c1")
	if conv.ContinuationToken == nil || *conv.ContinuationToken != 2 {
		t.Errorf("token = %v, want 2", conv.ContinuationToken)
	}
	if conv.EarliestLocalEventID == nil || *conv.EarliestLocalEventID != 3 {
		t.Errorf("earliest = %v, want 3", conv.EarliestLocalEventID)
	}
	if conv.LatestLocalEventID == nil || *conv.LatestLocalEventID != 5 {
		t.Errorf("latest = %v, want 5 (unchanged)", conv.LatestLocalEventID)
	}
}

func TestDeleteConversationDropsLocalState(t *testing.T) {
	e, store, _ := newTestEngine(t, &remotetest.Fake{})
	seedConversation(t, store, "c1", 1, 1, 0)
	if err := store.UpsertMessage(&chat.Message{ID: "m1", ConversationID: "c1", SentEventID: 1}); err != nil {
		t.Fatal(err)
	}

	if err := e.DeleteConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if conv, _ := store.GetConversation("c1"); conv != nil {
		t.Error("conversation still resident")
	}
	if msgs, _ := store.ListMessages("c1"); len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func TestResetForgetsProfile(t *testing.T) {
	e, store, _ := newTestEngine(t, &remotetest.Fake{})
	seedConversation(t, store, "c1", 1, 1, 0)
	if _, err := e.GetConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.MarkMessagesRead(context.Background(), "c1", nil); err != nil {
		t.Fatal(err)
	}
	if e.ProfileID() == "" {
		// MarkMessagesRead establishes the session even with no ids.
		t.Fatal("expected a profile id before reset")
	}

	if err := e.Reset(); err != nil {
		t.Fatal(err)
	}
	if e.ProfileID() != "" {
		t.Error("profile id survived reset")
	}
	if convs, _ := store.ListConversations(); len(convs) != 0 {
		t.Errorf("conversations = %d, want 0", len(convs))
	}
}
