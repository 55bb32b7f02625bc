package hub

import "testing"

func TestStreamTargetsDeltasContinueMostRecentTarget(t *testing.T) {
	st := newStreamTargets("req-1")

	first := st.resolve("", "answer", "", false)
	if first == "" {
		t.Fatal("expected a minted message id for the first non-delta event")
	}

	if got := st.resolve("", "", "", true); got != first {
		t.Errorf("delta without explicit id should continue most recent target: got %q want %q", got, first)
	}
	if got := st.resolve("", "", "", true); got != first {
		t.Errorf("second delta should still continue %q, got %q", first, got)
	}
}

func TestStreamTargetsEventKeyEstablishesTarget(t *testing.T) {
	st := newStreamTargets("req-1")

	a := st.resolve("", "a", "", false)
	b := st.resolve("", "b", "", false)
	if a == b {
		t.Error("distinct event keys should establish distinct targets")
	}
	if got := st.resolve("", "a", "", false); got != a {
		t.Errorf("re-resolving key a should return its established target %q, got %q", a, got)
	}
}

func TestStreamTargetsExplicitStreamMessageIDIsDeterministic(t *testing.T) {
	st1 := newStreamTargets("req-1")
	st2 := newStreamTargets("req-1")

	id1 := st1.resolve("", "", "plan", false)
	id2 := st2.resolve("", "", "plan", false)
	if id1 != id2 {
		t.Errorf("same (requestId, streamMessageId) must derive the same id: %q vs %q", id1, id2)
	}

	other := newStreamTargets("req-2")
	if got := other.resolve("", "", "plan", false); got == id1 {
		t.Error("derived ids must not collide across requests")
	}
}

func TestStreamTargetsExplicitIDWinsOverContinuation(t *testing.T) {
	st := newStreamTargets("req-1")
	_ = st.resolve("", "answer", "", false)

	if got := st.resolve("msg-42", "", "", true); got != "msg-42" {
		t.Errorf("explicit message id should be preserved verbatim, got %q", got)
	}
	if got := st.resolve("", "", "", true); got != "msg-42" {
		t.Errorf("subsequent deltas should continue the explicit id, got %q", got)
	}
}
