package receipt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talkwire/chatkit/internal/bus"
	"github.com/talkwire/chatkit/internal/chat"
	"github.com/talkwire/chatkit/internal/remote"
	"github.com/talkwire/chatkit/internal/remote/remotetest"
)

func TestFlushBatchesPerConversation(t *testing.T) {
	fake := &remotetest.Fake{}
	s := NewSender(fake, nil, nil, time.Hour)

	s.Enqueue(Receipt{ConversationID: "c1", MessageID: "m1", ProfileID: "self", Timestamp: 10})
	s.Enqueue(Receipt{ConversationID: "c1", MessageID: "m2", ProfileID: "self", Timestamp: 11})
	s.Enqueue(Receipt{ConversationID: "c2", MessageID: "m3", ProfileID: "self", Timestamp: 12})

	s.Flush(context.Background())

	if len(fake.StatusUpdates) != 2 {
		t.Fatalf("batches = %d, want 2", len(fake.StatusUpdates))
	}
	total := 0
	for _, batch := range fake.StatusUpdates {
		total += len(batch)
		for _, u := range batch {
			if u.Status != chat.StatusDelivered {
				t.Errorf("status = %q, want delivered", u.Status)
			}
		}
	}
	if total != 3 {
		t.Errorf("updates = %d, want 3", total)
	}
}

func TestFlushFailureIsSwallowed(t *testing.T) {
	fake := &remotetest.Fake{
		SendStatusUpdatesFunc: func(context.Context, string, []remote.StatusUpdate) error {
			return errors.New("network down")
		},
	}
	b := bus.New()
	ch, unsub := b.Subscribe("receipt.", 10)
	defer unsub()

	s := NewSender(fake, b, nil, time.Hour)
	s.Enqueue(Receipt{ConversationID: "c1", MessageID: "m1", ProfileID: "self"})
	s.Flush(context.Background())

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindReceiptFailed {
			t.Errorf("kind = %q, want receipt.failed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for receipt.failed")
	}
}

func TestFlushEmptyQueueNoCall(t *testing.T) {
	fake := &remotetest.Fake{}
	s := NewSender(fake, nil, nil, time.Hour)
	s.Flush(context.Background())
	if len(fake.Calls) != 0 {
		t.Errorf("calls = %v, want none", fake.Calls)
	}
}
