package chat

import "testing"

func TestApplyStatusReadSupersedesDelivered(t *testing.T) {
	m := &Message{ID: "m1"}

	if !m.ApplyStatus("p1", StatusUpdate{Status: StatusRead, Timestamp: 100}) {
		t.Fatal("first apply should change the message")
	}

	// A later delivered must not downgrade read.
	if m.ApplyStatus("p1", StatusUpdate{Status: StatusDelivered, Timestamp: 200}) {
		t.Error("delivered after read should be a no-op")
	}
	if got := m.StatusUpdates["p1"].Status; got != StatusRead {
		t.Errorf("status = %q, want read", got)
	}
}

func TestApplyStatusUpgrade(t *testing.T) {
	m := &Message{ID: "m1"}

	m.ApplyStatus("p1", StatusUpdate{Status: StatusDelivered, Timestamp: 100})
	if !m.ApplyStatus("p1", StatusUpdate{Status: StatusRead, Timestamp: 150}) {
		t.Fatal("read after delivered should apply")
	}
	if got := m.StatusUpdates["p1"].Status; got != StatusRead {
		t.Errorf("status = %q, want read", got)
	}
}

func TestApplyStatusPerProfile(t *testing.T) {
	m := &Message{ID: "m1"}

	m.ApplyStatus("p1", StatusUpdate{Status: StatusRead, Timestamp: 100})
	m.ApplyStatus("p2", StatusUpdate{Status: StatusDelivered, Timestamp: 100})

	if !m.AckedBy("p1") || !m.AckedBy("p2") || m.AckedBy("p3") {
		t.Errorf("acks = %+v", m.StatusUpdates)
	}
	if m.StatusUpdates["p2"].Status != StatusDelivered {
		t.Error("p2 ack clobbered by p1")
	}
}

func TestEventStatus(t *testing.T) {
	ev := Event{Kind: EventMessageRead, SentOn: 42}
	if s := ev.Status(); s.Status != StatusRead || s.Timestamp != 42 {
		t.Errorf("got %+v", s)
	}
	ev.Kind = EventMessageDelivered
	if s := ev.Status(); s.Status != StatusDelivered {
		t.Errorf("got %+v", s)
	}
}
