package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wingman-ai/gateway/internal/attachments"
	"github.com/wingman-ai/gateway/internal/auth"
	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/fanout"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
	"github.com/wingman-ai/gateway/internal/groups"
	"github.com/wingman-ai/gateway/internal/registry"
	"github.com/wingman-ai/gateway/internal/scheduler"
)

// fakeStore is a minimal in-memory store.Repository for hub tests that
// don't need real persistence semantics.
type fakeStore struct {
	sessions map[string]*domain.Session
	messages map[string][]*domain.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*domain.Session), messages: make(map[string][]*domain.Message)}
}

func (s *fakeStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.NotFound, "no such session")
	}
	return sess, nil
}

func (s *fakeStore) ListSessions(ctx context.Context, agentID string, limit, offset int) ([]*domain.Session, error) {
	var out []*domain.Session
	for _, sess := range s.sessions {
		if agentID == "" || sess.AgentID == agentID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *fakeStore) GetLastSession(ctx context.Context, agentID string) (*domain.Session, error) {
	var last *domain.Session
	for _, sess := range s.sessions {
		if sess.AgentID != agentID {
			continue
		}
		if last == nil || sess.UpdatedAt.After(last.UpdatedAt) {
			last = sess
		}
	}
	return last, nil
}

func (s *fakeStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	s.sessions[session.ID] = session
	return nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, sessionID string) error {
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	if sess, ok := s.sessions[msg.SessionID]; ok {
		if !msg.Hidden {
			sess.MessageCount++
		}
		sess.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	return s.messages[sessionID], nil
}

func (s *fakeStore) ClearMessages(ctx context.Context, sessionID string) error {
	delete(s.messages, sessionID)
	if sess, ok := s.sessions[sessionID]; ok {
		sess.MessageCount = 0
		sess.LastMessagePreview = ""
	}
	return nil
}

func (s *fakeStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	cfg := &config.Config{}
	cfg.Gateway.MailboxDepth = 16
	cfg.Gateway.MaxFrameBytes = 1 << 20
	cfg.Gateway.PollTimeoutMs = config.Millis(50 * time.Millisecond)
	cfg.DefaultAgent = "coder"

	reg := registry.New(registry.Options{MaxNodes: 10, MessageRateLimit: 1000, MessageWindow: time.Minute})
	grp := groups.New()
	fo := fanout.New(nil)
	sched := scheduler.New(scheduler.Options{MaxConcurrentRequests: 4}, func(ctx context.Context, req *domain.Request) error { return nil })
	authn := auth.New(config.AuthConfig{Mode: config.AuthNone})

	return New(cfg, reg, grp, fo, sched, newFakeStore(), authn, nil, attachments.New(t.TempDir()), "test")
}

func registerTestNode(h *Hub) (*domain.Node, *nodeConn) {
	nodeID, _ := registry.NewNodeID()
	node := &domain.Node{ID: nodeID}
	_ = h.Registry.Register(node)
	c := &nodeConn{nodeID: nodeID, kind: transportBridge, mailbox: NewMailbox(16)}
	h.mu.Lock()
	h.conns[nodeID] = c
	h.mu.Unlock()
	return node, c
}

func TestSendEnqueuesToNodeMailbox(t *testing.T) {
	h := newTestHub(t)
	node, c := registerTestNode(h)

	if err := h.Send(node.ID, Frame{Type: TypePong, ID: "p1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frames := c.mailbox.PopAll()
	if len(frames) != 1 || frames[0].ID != "p1" {
		t.Errorf("expected frame to land in node's mailbox, got %v", frames)
	}
}

func TestSendToUnknownNodeFailsNotFound(t *testing.T) {
	h := newTestHub(t)
	err := h.Send("does-not-exist", Frame{Type: TypePong})
	if err == nil || gatewayerr.As(err).Code != gatewayerr.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestBroadcastCountsOnlyConnectedNodes(t *testing.T) {
	h := newTestHub(t)
	node1, _ := registerTestNode(h)
	node2, _ := registerTestNode(h)

	count := h.Broadcast([]string{node1.ID, node2.ID, "ghost"}, Frame{Type: TypePong})
	if count != 2 {
		t.Errorf("expected 2 successful sends, got %d", count)
	}
}

func TestCloseRemovesNodeFromAllRegistries(t *testing.T) {
	h := newTestHub(t)
	node, _ := registerTestNode(h)

	if _, err := h.Groups.JoinGroup("room", node.ID, node.ID, domain.StrategyParallel, true); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	h.Fanout.Subscribe("sess-1", node.ID)

	h.Close(node.ID, "test teardown")

	if h.Registry.Get(node.ID) != nil {
		t.Error("expected node removed from registry after Close")
	}
	g := h.Groups.Get("room")
	if g != nil && g.HasMember(node.ID) {
		t.Error("expected node removed from group after Close")
	}
	subs := h.Fanout.Subscribers("sess-1")
	for _, id := range subs {
		if id == node.ID {
			t.Error("expected node removed from fanout subscriptions after Close")
		}
	}

	// Close is idempotent.
	h.Close(node.ID, "second close")
}

func TestDispatchPingUpdatesHeartbeatAndRepliesPong(t *testing.T) {
	h := newTestHub(t)
	node, c := registerTestNode(h)
	before := h.Registry.Get(node.ID).LastHeartbeat

	time.Sleep(time.Millisecond)
	h.dispatch(context.Background(), node.ID, Frame{Type: TypePing, ID: "ping-1"})

	after := h.Registry.Get(node.ID).LastHeartbeat
	if !after.After(before) {
		t.Error("expected LastHeartbeat to advance on ping")
	}

	frames := c.mailbox.PopAll()
	if len(frames) != 1 || frames[0].Type != TypePong {
		t.Errorf("expected a pong reply, got %v", frames)
	}
}

func TestDispatchJoinGroupThenLeaveGroup(t *testing.T) {
	h := newTestHub(t)
	node, c := registerTestNode(h)

	payload, _ := json.Marshal(JoinGroupPayload{GroupID: "room-1"})
	h.dispatch(context.Background(), node.ID, Frame{Type: TypeJoinGroup, ID: "j1", Payload: payload})
	c.mailbox.PopAll()

	g := h.Groups.Get("room-1")
	if g == nil || !g.HasMember(node.ID) {
		t.Fatal("expected node to join room-1")
	}

	leavePayload, _ := json.Marshal(LeaveGroupPayload{GroupID: "room-1"})
	h.dispatch(context.Background(), node.ID, Frame{Type: TypeLeaveGroup, ID: "l1", Payload: leavePayload})
	if g.HasMember(node.ID) {
		t.Error("expected node to leave room-1")
	}
}

func TestDispatchSessionSubscribeAndUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	node, _ := registerTestNode(h)

	sub, _ := json.Marshal(SubscribePayload{SessionID: "sess-a"})
	h.dispatch(context.Background(), node.ID, Frame{Type: TypeSessionSubscribe, ID: "s1", Payload: sub})
	if subs := h.Fanout.Subscribers("sess-a"); len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}

	h.dispatch(context.Background(), node.ID, Frame{Type: TypeSessionUnsubscribe, ID: "s2", Payload: sub})
	if subs := h.Fanout.Subscribers("sess-a"); len(subs) != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", len(subs))
	}
}

// TestDispatchReqAgentAdmitsExactlyRateLimitThenRejects pins the
// check-before-record ordering: the rate limit must be consulted before
// this frame is recorded against it, so exactly messageRateLimit req:agent
// frames are admitted and only the next is rejected.
func TestDispatchReqAgentAdmitsExactlyRateLimitThenRejects(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.MailboxDepth = 16
	cfg.Gateway.MaxFrameBytes = 1 << 20
	cfg.DefaultAgent = "coder"

	reg := registry.New(registry.Options{MaxNodes: 10, MessageRateLimit: 2, MessageWindow: time.Minute})
	grp := groups.New()
	fo := fanout.New(nil)
	sched := scheduler.New(scheduler.Options{MaxConcurrentRequests: 4}, func(ctx context.Context, req *domain.Request) error { return nil })
	authn := auth.New(config.AuthConfig{Mode: config.AuthNone})
	h := New(cfg, reg, grp, fo, sched, newFakeStore(), authn, nil, attachments.New(t.TempDir()), "test")

	node, c := registerTestNode(h)

	send := func(id string) []Frame {
		payload, _ := json.Marshal(ReqAgentPayload{Content: "hi", SessionKey: "sess-" + id})
		h.dispatch(context.Background(), node.ID, Frame{Type: TypeReqAgent, ID: id, Payload: payload})
		return c.mailbox.PopAll()
	}

	for _, id := range []string{"r1", "r2"} {
		for _, f := range send(id) {
			if f.Type == TypeError {
				t.Fatalf("expected request %s within messageRateLimit to be admitted, got error frame: %s", id, f.Payload)
			}
		}
	}

	var rejected bool
	for _, f := range send("r3") {
		if f.Type != TypeError {
			continue
		}
		var ep ErrorPayload
		_ = json.Unmarshal(f.Payload, &ep)
		if ep.Code == string(gatewayerr.RateLimited) {
			rejected = true
		}
	}
	if !rejected {
		t.Error("expected the request beyond messageRateLimit to be rejected with RateLimited")
	}
}

func TestEnsureSessionCreatesWhenMissing(t *testing.T) {
	h := newTestHub(t)
	fs := h.Store.(*fakeStore)

	if err := h.ensureSession(context.Background(), "agent:coder:main", "coder"); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	if _, ok := fs.sessions["agent:coder:main"]; !ok {
		t.Error("expected session to be created")
	}
}

func TestEnsureSessionIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	fs := h.Store.(*fakeStore)
	createdAt := time.Now().Add(-time.Hour)
	fs.sessions["agent:coder:main"] = &domain.Session{ID: "agent:coder:main", AgentID: "coder", CreatedAt: createdAt, UpdatedAt: createdAt}

	if err := h.ensureSession(context.Background(), "agent:coder:main", "coder"); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	if !fs.sessions["agent:coder:main"].CreatedAt.Equal(createdAt) {
		t.Error("expected existing session to be left untouched")
	}
}
