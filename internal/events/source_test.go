package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/remote"
	"nhooyr.io/websocket"
)

// eventServer accepts one websocket connection, writes the given frames
// and holds the connection open until the client goes away.
func eventServer(t *testing.T, wantToken string, frames []any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != wantToken {
			t.Errorf("token = %q, want %q", got, wantToken)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for _, frame := range frames {
			data, err := json.Marshal(frame)
			if err != nil {
				t.Errorf("marshal frame: %v", err)
				return
			}
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		<-r.Context().Done()
	}))
}

func TestRunDeliversDecodedEvents(t *testing.T) {
	frames := []any{
		map[string]any{"type": "ping"},
		map[string]any{"type": "event", "payload": remote.EventPayload{
			Kind:           "conversationMessage.sent",
			ConversationID: "c1",
			EventID:        7,
			MessageID:      "m7",
			SenderID:       "peer",
			Timestamp:      123,
			Parts:          []remote.PartPayload{{Kind: "text", Body: "hello"}},
		}},
	}
	srv := eventServer(t, "tok", frames)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan chat.Event, 1)
	handler := func(ctx context.Context, ev chat.Event) error {
		got <- ev
		return nil
	}
	src := NewSource(Config{URL: srv.URL, Token: "tok"}, handler, nil, nil)
	connected := false
	src.OnConnected = func(context.Context) error {
		connected = true
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case ev := <-got:
		if ev.Kind != chat.EventMessageSent || ev.ConversationID != "c1" || ev.EventID != 7 {
			t.Errorf("event = %+v", ev)
		}
		if len(ev.Parts) != 1 || ev.Parts[0].Body != "hello" {
			t.Errorf("parts = %+v", ev.Parts)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for event")
	}
	if !connected {
		t.Error("OnConnected did not run")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunDropsUnknownKinds(t *testing.T) {
	frames := []any{
		map[string]any{"type": "event", "payload": remote.EventPayload{
			Kind: "conversation.archived", ConversationID: "c1", EventID: 1,
		}},
		map[string]any{"type": "event", "payload": remote.EventPayload{
			Kind: "conversationMessage.sent", ConversationID: "c1", EventID: 2, MessageID: "m2",
		}},
	}
	srv := eventServer(t, "", frames)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan chat.Event, 2)
	src := NewSource(Config{URL: srv.URL}, func(ctx context.Context, ev chat.Event) error {
		got <- ev
		return nil
	}, nil, nil)

	go func() { _ = src.Run(ctx) }()

	select {
	case ev := <-got:
		if ev.EventID != 2 {
			t.Errorf("first delivered event = %d, want 2 (unknown kind must be dropped)", ev.EventID)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for event")
	}
}

func TestRunStopsAfterReconnectBudget(t *testing.T) {
	dials := 0
	sleeps := 0
	src := NewSource(Config{
		URL:                  "ws://127.0.0.1:1",
		MaxReconnectAttempts: 2,
	}, func(context.Context, chat.Event) error { return nil }, nil, nil)
	src.dial = func(context.Context) (*websocket.Conn, error) {
		dials++
		return nil, errors.New("refused")
	}
	src.sleep = func(context.Context, time.Duration) { sleeps++ }

	err := src.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want dial error")
	}
	if dials != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 retries)", dials)
	}
	if sleeps != 2 {
		t.Errorf("sleeps = %d, want 2", sleeps)
	}
}

func TestNextDelayGrowsAndCaps(t *testing.T) {
	src := NewSource(Config{
		ReconnectBaseDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:  300 * time.Millisecond,
	}, nil, nil, nil)

	first := src.nextDelay()
	if first < 100*time.Millisecond || first > 150*time.Millisecond {
		t.Errorf("first delay = %v, want within [100ms, 150ms]", first)
	}
	second := src.nextDelay()
	if second < 200*time.Millisecond || second > 250*time.Millisecond {
		t.Errorf("second delay = %v, want within [200ms, 250ms]", second)
	}
	third := src.nextDelay()
	if third != 300*time.Millisecond {
		t.Errorf("third delay = %v, want capped at 300ms", third)
	}
}
