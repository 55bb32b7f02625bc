package fanout

import (
	"sync"
	"testing"
)

func TestEmitReachesOriginatorAndSubscribers(t *testing.T) {
	var mu sync.Mutex
	received := make(map[string][]any)

	f := New(func(nodeID string, evt Event) error {
		mu.Lock()
		received[nodeID] = append(received[nodeID], evt.Payload)
		mu.Unlock()
		return nil
	})

	f.Subscribe("sess-1", "subscriber-a")
	f.Emit("originator", Event{RequestID: "req-1", SessionID: "sess-1", Payload: "hello"})

	if len(received["originator"]) != 1 {
		t.Errorf("expected originator to receive event, got %v", received["originator"])
	}
	if len(received["subscriber-a"]) != 1 {
		t.Errorf("expected subscriber to receive event, got %v", received["subscriber-a"])
	}
}

func TestEmitDedupesWhenOriginatorIsAlsoSubscriber(t *testing.T) {
	var mu sync.Mutex
	count := 0

	f := New(func(nodeID string, evt Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	f.Subscribe("sess-1", "node-a")
	f.Emit("node-a", Event{RequestID: "req-1", SessionID: "sess-1", Payload: "x"})

	if count != 1 {
		t.Errorf("expected exactly one delivery, got %d", count)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	delivered := 0
	f := New(func(nodeID string, evt Event) error {
		delivered++
		return nil
	})

	f.Subscribe("sess-1", "node-a")
	f.Unsubscribe("sess-1", "node-a")
	f.Emit("", Event{SessionID: "sess-1", Payload: "x"})

	if delivered != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", delivered)
	}
}

func TestUnsubscribeAllRemovesFromEverySession(t *testing.T) {
	f := New(func(nodeID string, evt Event) error { return nil })

	f.Subscribe("sess-1", "node-a")
	f.Subscribe("sess-2", "node-a")
	f.UnsubscribeAll("node-a")

	if len(f.Subscribers("sess-1")) != 0 || len(f.Subscribers("sess-2")) != 0 {
		t.Error("expected node removed from all sessions")
	}
}

func TestEmitPreservesOrderPerSubscriber(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	f := New(func(nodeID string, evt Event) error {
		mu.Lock()
		seen = append(seen, evt.Payload.(int))
		mu.Unlock()
		return nil
	})
	f.Subscribe("sess-1", "node-a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.Emit("", Event{SessionID: "sess-1", Payload: i})
		}(i)
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 events delivered, got %d", len(seen))
	}

	// Events emitted one after another reach the subscriber in emission order.
	mu.Lock()
	seen = nil
	mu.Unlock()
	for i := 0; i < 50; i++ {
		f.Emit("", Event{SessionID: "sess-1", Payload: i})
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 50 {
		t.Fatalf("expected 50 events delivered in order, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("expected event %d at position %d, got %d", i, i, v)
		}
	}
}

func TestSubscribersSnapshotIsIndependent(t *testing.T) {
	f := New(func(nodeID string, evt Event) error { return nil })
	f.Subscribe("sess-1", "node-a")

	subs := f.Subscribers("sess-1")
	f.Subscribe("sess-1", "node-b")

	if len(subs) != 1 {
		t.Errorf("expected snapshot to be unaffected by later subscribe, got %v", subs)
	}
}
