package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wingman-ai/gateway/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	st, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return st
}

func TestUpsertAndGetSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Unix(1700000000, 0)
	sess := &domain.Session{
		ID:        "sess-1",
		AgentID:   "agent-a",
		Name:      "first chat",
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{"origin": "discord"},
	}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.AgentID != "agent-a" || got.Name != "first chat" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.Metadata["origin"] != "discord" {
		t.Errorf("expected metadata to round-trip, got %+v", got.Metadata)
	}
}

func TestGetSessionMissing(t *testing.T) {
	st := newTestStore(t)
	got, err := st.GetSession(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing session, got %+v", got)
	}
}

func TestAppendMessageBumpsSessionRollup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	sess := &domain.Session{ID: "sess-2", AgentID: "agent-a", CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	msg := &domain.Message{
		ID:        "msg-1",
		SessionID: "sess-2",
		Role:      domain.RoleUser,
		Content:   "hello there\nsecond line",
		CreatedAt: now.Add(time.Second),
	}
	if err := st.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, err := st.GetSession(ctx, "sess-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != 1 {
		t.Errorf("expected message_count 1, got %d", got.MessageCount)
	}
	if got.LastMessagePreview != "hello there" {
		t.Errorf("expected preview truncated at newline, got %q", got.LastMessagePreview)
	}

	msgs, err := st.ListMessages(ctx, "sess-2", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != msg.Content {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

func TestAppendMessageHiddenDoesNotBumpCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	sess := &domain.Session{ID: "sess-hidden", AgentID: "agent-a", CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	visible := &domain.Message{ID: "m1", SessionID: "sess-hidden", Role: domain.RoleUser, Content: "hi", CreatedAt: now.Add(time.Second)}
	hidden := &domain.Message{ID: "m2", SessionID: "sess-hidden", Role: domain.RoleSystem, Content: "internal note", Hidden: true, CreatedAt: now.Add(2 * time.Second)}
	if err := st.AppendMessage(ctx, visible); err != nil {
		t.Fatalf("AppendMessage visible: %v", err)
	}
	if err := st.AppendMessage(ctx, hidden); err != nil {
		t.Fatalf("AppendMessage hidden: %v", err)
	}

	got, err := st.GetSession(ctx, "sess-hidden")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.MessageCount != 1 {
		t.Errorf("expected message_count to count only non-hidden messages, got %d", got.MessageCount)
	}

	msgs, err := st.ListMessages(ctx, "sess-hidden", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected both messages in the log, got %d", len(msgs))
	}
}

func TestClearMessagesResetsRollupButKeepsSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	sess := &domain.Session{ID: "sess-clear", AgentID: "agent-a", CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	msg := &domain.Message{ID: "m1", SessionID: "sess-clear", Role: domain.RoleUser, Content: "hi", CreatedAt: now.Add(time.Second)}
	if err := st.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := st.ClearMessages(ctx, "sess-clear"); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}

	got, err := st.GetSession(ctx, "sess-clear")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session row to survive ClearMessages")
	}
	if got.MessageCount != 0 || got.LastMessagePreview != "" {
		t.Errorf("expected rollup reset, got count=%d preview=%q", got.MessageCount, got.LastMessagePreview)
	}

	msgs, err := st.ListMessages(ctx, "sess-clear", 0, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages after ClearMessages, got %d", len(msgs))
	}
}

func TestListSessionsOrderedByUpdatedDesc(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"a", "b", "c"} {
		sess := &domain.Session{
			ID:        id,
			AgentID:   "agent-a",
			CreatedAt: base,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.UpsertSession(ctx, sess); err != nil {
			t.Fatalf("UpsertSession(%s): %v", id, err)
		}
	}

	list, err := st.ListSessions(ctx, "agent-a", 10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	if list[0].ID != "c" || list[2].ID != "a" {
		t.Errorf("expected newest-first order, got %v, %v, %v", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestListSessionsWithoutAgentFilterReturnsAll(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	for _, s := range []*domain.Session{
		{ID: "s1", AgentID: "agent-a", CreatedAt: now, UpdatedAt: now},
		{ID: "s2", AgentID: "agent-b", CreatedAt: now, UpdatedAt: now.Add(time.Minute)},
	} {
		if err := st.UpsertSession(ctx, s); err != nil {
			t.Fatalf("UpsertSession(%s): %v", s.ID, err)
		}
	}

	list, err := st.ListSessions(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected sessions across all agents, got %d", len(list))
	}
}

func TestGetLastSessionReturnsNewestForAgent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, id := range []string{"old", "newer", "newest"} {
		sess := &domain.Session{ID: id, AgentID: "agent-a", CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := st.UpsertSession(ctx, sess); err != nil {
			t.Fatalf("UpsertSession(%s): %v", id, err)
		}
	}

	got, err := st.GetLastSession(ctx, "agent-a")
	if err != nil {
		t.Fatalf("GetLastSession: %v", err)
	}
	if got == nil || got.ID != "newest" {
		t.Errorf("expected newest session, got %+v", got)
	}

	none, err := st.GetLastSession(ctx, "agent-without-sessions")
	if err != nil {
		t.Fatalf("GetLastSession: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for agent with no sessions, got %+v", none)
	}
}

func TestDeleteSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	sess := &domain.Session{ID: "sess-del", AgentID: "agent-a", CreatedAt: now, UpdatedAt: now}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := st.DeleteSession(ctx, "sess-del"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, err := st.GetSession(ctx, "sess-del")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected session to be gone, got %+v", got)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	sess := &domain.Session{ID: "sess-old", AgentID: "agent-a", CreatedAt: old, UpdatedAt: old}
	if err := st.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	affected, err := st.CleanupExpiredSessions(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if affected != 1 {
		t.Errorf("expected 1 row cleaned up, got %d", affected)
	}
}

func TestPing(t *testing.T) {
	st := newTestStore(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
