package hub

import (
	"testing"

	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

func TestMailboxEnqueueAndPopAllPreservesOrder(t *testing.T) {
	m := NewMailbox(4)
	for i := 0; i < 3; i++ {
		if err := m.Enqueue(Frame{Type: TypePong, ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	frames := m.PopAll()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.ID != string(rune('a'+i)) {
			t.Errorf("expected frame %d to be %q, got %q", i, string(rune('a'+i)), f.ID)
		}
	}
	if len(m.PopAll()) != 0 {
		t.Error("expected mailbox to be empty after PopAll")
	}
}

func TestMailboxDropsOldestNonLifecycleOnOverflow(t *testing.T) {
	m := NewMailbox(2)
	_ = m.Enqueue(Frame{Type: TypePong, ID: "1"})
	_ = m.Enqueue(Frame{Type: TypePong, ID: "2"})
	if err := m.Enqueue(Frame{Type: TypePong, ID: "3"}); err != nil {
		t.Fatalf("expected overflow to drop oldest non-lifecycle frame, got error: %v", err)
	}

	frames := m.PopAll()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames after overflow, got %d", len(frames))
	}
	if frames[0].ID != "2" || frames[1].ID != "3" {
		t.Errorf("expected oldest frame dropped, got %v", frames)
	}
}

func TestMailboxBackpressureWhenFullOfLifecycleFrames(t *testing.T) {
	m := NewMailbox(2)
	_ = m.Enqueue(Frame{Type: TypeEventAgent, ID: "1"})
	_ = m.Enqueue(Frame{Type: TypeEventAgent, ID: "2"})

	err := m.Enqueue(Frame{Type: TypeEventAgent, ID: "3"})
	if err == nil {
		t.Fatal("expected Backpressure error when mailbox is full of lifecycle frames")
	}
	if gatewayerr.As(err).Code != gatewayerr.Backpressure {
		t.Errorf("expected Backpressure code, got %v", gatewayerr.As(err).Code)
	}
}

func TestMailboxEnqueueAfterCloseFails(t *testing.T) {
	m := NewMailbox(4)
	m.Close()
	if err := m.Enqueue(Frame{Type: TypePong}); err == nil {
		t.Error("expected Enqueue to fail after Close")
	}
}

func TestMailboxNotifySignalsOnEnqueue(t *testing.T) {
	m := NewMailbox(4)
	_ = m.Enqueue(Frame{Type: TypePong})
	select {
	case <-m.Notify():
	default:
		t.Error("expected a signal on Notify() after Enqueue")
	}
}
