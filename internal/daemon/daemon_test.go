package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/config"
	"github.com/talkwire/chatkit/internal/engine"
	"github.com/talkwire/chatkit/internal/lock"
	"github.com/talkwire/chatkit/internal/receipt"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/status"
	"github.com/talkwire/chatkit/internal/store"
	"go.uber.org/zap"
)

// chatServer is a minimal REST stand-in for the messaging service: one
// profile, one conversation with a single message at sequence 0.
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"profileId": "me", "sessionId": "s1"})
	})
	mux.HandleFunc("GET /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"id": "c1", "name": "General", "latestSentEventId": 0, "updatedOn": 1000,
		}})
	})
	mux.HandleFunc("GET /v1/conversations/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"messages": []map[string]any{{
				"id": "m0", "senderId": "peer", "sentOn": 1000, "sentEventId": 0,
				"parts": []map[string]any{{"kind": "text", "body": "welcome"}},
			}},
			"earliestEventId": 0,
			"latestEventId":   0,
		})
	})
	mux.HandleFunc("POST /v1/conversations/c1/statusupdates", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

// TestDaemonStack composes the daemon's components by hand, the way the
// fx module wires them, and runs a synchronize pass against a stub
// service.
func TestDaemonStack(t *testing.T) {
	tmpDir := t.TempDir()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "chatkit.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	srv := chatServer(t)
	defer srv.Close()

	logger := zap.NewNop()
	b := bus.New()
	machine := status.NewMachine(b)
	client := remote.NewHTTPClient(srv.URL, "tok", nil)
	receipts := receipt.NewSender(client, b, logger, 0)
	eng := engine.New(engine.Config{}, db, db, client, receipts, b, logger)

	added, unsub := b.Subscribe("conversation.", 10)
	defer unsub()

	_ = machine.Transition(status.Connecting)
	_ = machine.Transition(status.Syncing)
	if err := eng.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	_ = machine.Transition(status.Ready)

	if eng.ProfileID() != "me" {
		t.Errorf("profile = %q, want me", eng.ProfileID())
	}
	conv, err := db.GetConversation("c1")
	if err != nil || conv == nil {
		t.Fatalf("conversation not cached: %v", err)
	}
	if conv.Name != "General" {
		t.Errorf("name = %q, want General", conv.Name)
	}
	if conv.LatestLocalEventID == nil || *conv.LatestLocalEventID != 0 {
		t.Errorf("latest local = %v, want 0", conv.LatestLocalEventID)
	}
	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m0" {
		t.Fatalf("messages = %+v, want [m0]", msgs)
	}

	select {
	case evt := <-added:
		if evt.Kind != bus.KindConversationAdded {
			t.Errorf("first conversation event = %q, want %q", evt.Kind, bus.KindConversationAdded)
		}
	default:
		t.Error("no conversation.added event published")
	}
	if machine.Current() != status.Ready {
		t.Errorf("state = %s, want READY", machine.Current())
	}
}

// TestLockPreventsSecondDaemon guards the one-daemon-per-session rule.
func TestLockPreventsSecondDaemon(t *testing.T) {
	tmpDir := t.TempDir()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(tmpDir); err == nil {
		t.Fatal("second Acquire() should fail while the daemon holds the lock")
	}
}

// TestConfigRoundTripForDaemon covers the config the fx module loads at
// startup.
func TestConfigRoundTripForDaemon(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &config.Config{
		ServerURL: "https://chat.example.com",
		EventsURL: "wss://chat.example.com/events",
		Token:     "tok",
	}
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := provideConfig(Params{SessionName: "test", ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ServerURL != cfg.ServerURL || loaded.Token != "tok" {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}

// TestEngineHandlesLiveEventAfterSync drives a live event through the
// same engine the daemon wires, exercising the source-to-engine path
// without a websocket.
func TestEngineHandlesLiveEventAfterSync(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := store.Open(filepath.Join(tmpDir, "chatkit.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	srv := chatServer(t)
	defer srv.Close()

	client := remote.NewHTTPClient(srv.URL, "tok", nil)
	eng := engine.New(engine.Config{}, db, db, client, nil, nil, zap.NewNop())

	if err := eng.Synchronize(context.Background()); err != nil {
		t.Fatal(err)
	}

	ev := chat.Event{
		Kind:           chat.EventMessageSent,
		ConversationID: "c1",
		EventID:        1,
		MessageID:      "m1",
		SenderID:       "peer",
		SentOn:         2000,
		Parts:          []chat.Part{{Kind: "text", Body: "live"}},
	}
	if err := eng.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].ID != "m1" {
		t.Fatalf("messages = %+v, want [m0 m1]", msgs)
	}
	conv, _ := db.GetConversation("c1")
	if conv.LatestLocalEventID == nil || *conv.LatestLocalEventID != 1 {
		t.Errorf("latest local = %v, want 1", conv.LatestLocalEventID)
	}
}
