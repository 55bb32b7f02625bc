package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wingman-ai/gateway/internal/agentrunner"
	"github.com/wingman-ai/gateway/internal/attachments"
	"github.com/wingman-ai/gateway/internal/auth"
	"github.com/wingman-ai/gateway/internal/config"
	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/fanout"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
	"github.com/wingman-ai/gateway/internal/groups"
	"github.com/wingman-ai/gateway/internal/registry"
	"github.com/wingman-ai/gateway/internal/router"
	"github.com/wingman-ai/gateway/internal/scheduler"
	"github.com/wingman-ai/gateway/internal/store"
)

// Hub ties the Connection Hub, Node Registry, Broadcast Groups, Session
// Router, Request Scheduler, and Event Fanout together behind the
// WebSocket and HTTP long-poll-bridge transports.
type Hub struct {
	Cfg       *config.Config
	Registry  *registry.Registry
	Groups    *groups.Registry
	Fanout    *fanout.Fanout
	Scheduler *scheduler.Scheduler
	Store     store.Repository
	Auth      *auth.Authenticator
	Runner    *agentrunner.Client
	Blobs     *attachments.Store

	mu    sync.Mutex
	conns map[string]*nodeConn

	originMu    sync.Mutex
	originating map[string]map[string]struct{} // nodeID -> requestIDs it originated

	startedAt         time.Time
	messagesProcessed atomic.Int64
	version           string
}

// New wires a Hub from its component dependencies. Scheduler is
// constructed by the caller (its Executor closure should be
// hub.ExecuteRequest, obtained by constructing the Hub first and
// wrapping it — see cmd/wingman-gateway for the full wiring order).
func New(cfg *config.Config, reg *registry.Registry, grp *groups.Registry, fo *fanout.Fanout, sched *scheduler.Scheduler, repo store.Repository, authn *auth.Authenticator, runner *agentrunner.Client, blobs *attachments.Store, version string) *Hub {
	h := &Hub{
		Cfg:         cfg,
		Registry:    reg,
		Groups:      grp,
		Fanout:      fo,
		Scheduler:   sched,
		Store:       repo,
		Auth:        authn,
		Runner:      runner,
		Blobs:       blobs,
		conns:       make(map[string]*nodeConn),
		originating: make(map[string]map[string]struct{}),
		startedAt:   time.Now(),
		version:     version,
	}
	reg.SetOnEvict(func(nodeID string) { h.Close(nodeID, "heartbeat timeout") })
	fo.SetDeliverer(h.Deliver)
	return h
}

// Send enqueues a single frame to nodeID's mailbox. Fails with NotFound
// if the node is not currently connected.
func (h *Hub) Send(nodeID string, f Frame) error {
	h.mu.Lock()
	c, ok := h.conns[nodeID]
	h.mu.Unlock()
	if !ok {
		return gatewayerr.New(gatewayerr.NotFound, "node not connected: "+nodeID)
	}
	if err := c.mailbox.Enqueue(f); err != nil {
		ge := gatewayerr.As(err)
		if ge.Code == gatewayerr.Backpressure {
			h.Close(nodeID, "Backpressure")
		}
		return err
	}
	return nil
}

// Broadcast sends f to every id in nodeIDs, returning the count of
// successful enqueues. It never returns an error itself.
func (h *Hub) Broadcast(nodeIDs []string, f Frame) int {
	count := 0
	for _, id := range nodeIDs {
		if err := h.Send(id, f); err == nil {
			count++
		}
	}
	return count
}

// Close idempotently tears down nodeID's connection and removes it from
// every registry it participates in.
func (h *Hub) Close(nodeID string, reason string) {
	h.mu.Lock()
	c, ok := h.conns[nodeID]
	if ok {
		delete(h.conns, nodeID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mailbox.Close()
	if c.cancel != nil {
		c.cancel()
	}
	if c.kind == transportWebSocket && c.ws != nil {
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	}

	h.Registry.Unregister(nodeID)
	h.Groups.LeaveAll(nodeID)
	h.Fanout.UnsubscribeAll(nodeID)

	h.originMu.Lock()
	reqs := h.originating[nodeID]
	delete(h.originating, nodeID)
	h.originMu.Unlock()
	for requestID := range reqs {
		h.cancelRequest(requestID)
	}
}

// cancelRequest cancels requestID on the Scheduler and explicitly signals
// the Agent Runner to stop executing it. The runner signal is best-effort
// and asynchronous: the Scheduler's context cancellation already tears the
// stream down, and completion is reported when the runner acknowledges by
// ending the stream.
func (h *Hub) cancelRequest(requestID string) {
	h.Scheduler.Cancel(requestID)
	if h.Runner == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Runner.Cancel(ctx, requestID); err != nil {
			slog.Debug("agent runner cancel signal failed", "request_id", requestID, "error", err)
		}
	}()
}

func (h *Hub) trackOriginator(nodeID, requestID string) {
	h.originMu.Lock()
	defer h.originMu.Unlock()
	if h.originating[nodeID] == nil {
		h.originating[nodeID] = make(map[string]struct{})
	}
	h.originating[nodeID][requestID] = struct{}{}
}

func (h *Hub) untrackOriginator(nodeID, requestID string) {
	h.originMu.Lock()
	defer h.originMu.Unlock()
	if set, ok := h.originating[nodeID]; ok {
		delete(set, requestID)
	}
}

// ServeHTTP upgrades r to a WebSocket, performs the connect handshake,
// then dispatches every subsequent frame until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}
	ws.SetReadLimit(int64(h.maxFrameBytes()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	node, _, err := h.handshake(ctx, ws, r.RemoteAddr)
	if err != nil {
		slog.Info("websocket handshake failed", "error", err, "remote", r.RemoteAddr)
		_ = ws.Close(websocket.StatusPolicyViolation, gatewayerr.As(err).Message)
		return
	}

	mailbox := NewMailbox(h.Cfg.Gateway.MailboxDepth)
	c := &nodeConn{nodeID: node.ID, kind: transportWebSocket, mailbox: mailbox, ws: ws, cancel: cancel}
	h.mu.Lock()
	h.conns[node.ID] = c
	h.mu.Unlock()

	go c.writeLoop(ctx)
	defer h.Close(node.ID, "disconnect")

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
				slog.Info("websocket frame exceeded max size, closing", "node_id", node.ID)
			}
			return
		}
		h.messagesProcessed.Add(1)

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.sendError(node.ID, "", gatewayerr.Invalid, "malformed frame")
			continue
		}
		h.dispatch(ctx, node.ID, f)
	}
}

func (h *Hub) maxFrameBytes() int {
	if h.Cfg.Gateway.MaxFrameBytes <= 0 {
		return 1 << 20
	}
	return h.Cfg.Gateway.MaxFrameBytes
}

func (h *Hub) handshake(ctx context.Context, ws *websocket.Conn, remoteAddr string) (*domain.Node, Frame, error) {
	readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		return nil, Frame{}, gatewayerr.Wrap(gatewayerr.Unauthorized, "connect frame not received", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, Frame{}, gatewayerr.New(gatewayerr.Invalid, "first frame is not valid JSON")
	}

	node, err := h.authenticateConnect(f, remoteAddr)
	if err != nil {
		return nil, f, err
	}

	reply := Frame{Type: TypeRes, ID: f.ID, ClientID: node.ID, OK: boolPtr(true), Timestamp: time.Now().UnixMilli()}
	replyData, _ := json.Marshal(reply)
	writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer writeCancel()
	if err := ws.Write(writeCtx, websocket.MessageText, replyData); err != nil {
		h.Registry.Unregister(node.ID)
		return nil, f, gatewayerr.Wrap(gatewayerr.Internal, "failed to send handshake reply", err)
	}
	return node, f, nil
}

// authenticateConnect validates a connect frame's credentials and, on
// success, mints and registers a new Node. Shared by the WebSocket
// handshake and the HTTP bridge's connect step.
func (h *Hub) authenticateConnect(f Frame, remoteAddr string) (*domain.Node, error) {
	if f.Type != TypeConnect {
		return nil, gatewayerr.New(gatewayerr.Invalid, "first frame must be connect")
	}

	creds := auth.Credentials{}
	if f.Auth != nil {
		creds.Token = f.Auth.Token
		creds.Password = f.Auth.Password
		creds.TailscaleIdent = f.Auth.TailscaleIdent
	}
	sourceIP := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx >= 0 {
		sourceIP = remoteAddr[:idx]
	}
	if err := h.Auth.Authenticate(sourceIP, creds); err != nil {
		return nil, err
	}

	nodeID, err := registry.NewNodeID()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.Internal, "failed to mint node id", err)
	}

	node := &domain.Node{ID: nodeID, RemoteAddr: remoteAddr}
	if f.Client != nil {
		node.Name = f.Client.Name
		node.Capabilities = make(map[string]struct{}, len(f.Client.Capabilities))
		for _, c := range f.Client.Capabilities {
			node.Capabilities[c] = struct{}{}
		}
	}
	if err := h.Registry.Register(node); err != nil {
		return nil, err
	}
	return node, nil
}

func (h *Hub) sendError(nodeID, replyTo string, code gatewayerr.Code, message string) {
	payload := ErrorPayload{Code: string(code), Message: message}
	_ = h.Send(nodeID, Frame{Type: TypeError, ID: replyTo, Payload: mustMarshal(payload), Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) sendOK(nodeID, replyTo string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw = mustMarshal(payload)
	}
	_ = h.Send(nodeID, Frame{Type: TypeRes, ID: replyTo, OK: boolPtr(true), Payload: raw, Timestamp: time.Now().UnixMilli()})
}

// dispatch handles every frame type a client may send once connected.
//
// The rate limit is checked before this frame is recorded against it, not
// after: recording first would count this very frame against its own
// admission check and reject the messageRateLimit-th message one early.
func (h *Hub) dispatch(ctx context.Context, nodeID string, f Frame) {
	if f.Type == TypeReqAgent && h.Registry.IsRateLimited(nodeID) {
		h.sendError(nodeID, f.ID, gatewayerr.RateLimited, "message rate limit exceeded")
		return
	}
	h.Registry.RecordMessage(nodeID)

	switch f.Type {
	case TypeRegister:
		var p ClientDescriptor
		_ = json.Unmarshal(f.Payload, &p)
		if node := h.Registry.Get(nodeID); node != nil {
			node.Name = p.Name
			if len(p.Capabilities) > 0 {
				node.Capabilities = make(map[string]struct{}, len(p.Capabilities))
				for _, c := range p.Capabilities {
					node.Capabilities[c] = struct{}{}
				}
			}
		}
		_ = h.Send(nodeID, Frame{Type: TypeRegistered, ID: f.ID, NodeID: nodeID, Payload: mustMarshal(map[string]string{"nodeId": nodeID}), Timestamp: time.Now().UnixMilli()})

	case TypeUnregister:
		h.Close(nodeID, "unregister")

	case TypeJoinGroup:
		var p JoinGroupPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.sendError(nodeID, f.ID, gatewayerr.Invalid, "malformed join_group payload")
			return
		}
		createIfMissing := true
		if p.CreateIfMissing != nil {
			createIfMissing = *p.CreateIfMissing
		}
		strategy := domain.Strategy(p.Strategy)
		if strategy == "" {
			strategy = domain.StrategyParallel
		}
		if _, err := h.Groups.JoinGroup(p.GroupID, nodeID, nodeID, strategy, createIfMissing); err != nil {
			h.sendError(nodeID, f.ID, gatewayerr.As(err).Code, err.Error())
			return
		}
		if node := h.Registry.Get(nodeID); node != nil {
			node.Groups[p.GroupID] = struct{}{}
		}
		h.sendOK(nodeID, f.ID, nil)

	case TypeLeaveGroup:
		var p LeaveGroupPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.sendError(nodeID, f.ID, gatewayerr.Invalid, "malformed leave_group payload")
			return
		}
		h.Groups.LeaveGroup(p.GroupID, nodeID)
		if node := h.Registry.Get(nodeID); node != nil {
			delete(node.Groups, p.GroupID)
		}
		h.sendOK(nodeID, f.ID, nil)

	case TypeBroadcast:
		send := func(targetID string, payload any) error {
			raw, _ := payload.(json.RawMessage)
			return h.Send(targetID, Frame{Type: TypeBroadcast, NodeID: nodeID, GroupID: f.GroupID, Payload: raw, Timestamp: time.Now().UnixMilli()})
		}
		count, err := h.Groups.Broadcast(f.GroupID, nodeID, f.Payload, send)
		if err != nil {
			h.sendError(nodeID, f.ID, gatewayerr.As(err).Code, err.Error())
			return
		}
		h.sendOK(nodeID, f.ID, map[string]int{"count": count})

	case TypeDirect:
		if f.TargetNodeID == "" {
			h.sendError(nodeID, f.ID, gatewayerr.Invalid, "direct requires targetNodeId")
			return
		}
		if err := h.Send(f.TargetNodeID, Frame{Type: TypeDirect, NodeID: nodeID, Payload: f.Payload, Timestamp: time.Now().UnixMilli()}); err != nil {
			h.sendError(nodeID, f.ID, gatewayerr.As(err).Code, err.Error())
			return
		}
		h.sendOK(nodeID, f.ID, nil)

	case TypePing:
		h.Registry.Heartbeat(nodeID)
		_ = h.Send(nodeID, Frame{Type: TypePong, ID: f.ID, Timestamp: time.Now().UnixMilli()})

	case TypeSessionSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.SessionID == "" {
			h.sendError(nodeID, f.ID, gatewayerr.Invalid, "malformed session_subscribe payload")
			return
		}
		h.Fanout.Subscribe(p.SessionID, nodeID)
		h.sendOK(nodeID, f.ID, nil)

	case TypeSessionUnsubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.SessionID == "" {
			h.sendError(nodeID, f.ID, gatewayerr.Invalid, "malformed session_unsubscribe payload")
			return
		}
		h.Fanout.Unsubscribe(p.SessionID, nodeID)
		h.sendOK(nodeID, f.ID, nil)

	case TypeReqAgent:
		h.handleReqAgent(ctx, nodeID, f)

	case TypeReqAgentCancel:
		var p CancelPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.RequestID == "" {
			h.sendError(nodeID, f.ID, gatewayerr.Invalid, "malformed req:agent:cancel payload")
			return
		}
		h.cancelRequest(p.RequestID)
		_ = h.Send(nodeID, Frame{Type: TypeAck, ID: f.ID, Payload: mustMarshal(map[string]string{"requestId": p.RequestID}), Timestamp: time.Now().UnixMilli()})

	default:
		h.sendError(nodeID, f.ID, gatewayerr.Invalid, "unrecognized frame type: "+string(f.Type))
	}
}

func (h *Hub) handleReqAgent(ctx context.Context, nodeID string, f Frame) {
	var p ReqAgentPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		h.sendError(nodeID, f.ID, gatewayerr.Invalid, "malformed req:agent payload")
		return
	}

	routing := wireToRouting(p.Routing)
	agentID, sessionKey := router.Resolve(h.Cfg, p.AgentID, p.SessionKey, routing)
	if agentID == "" {
		h.sendError(nodeID, f.ID, gatewayerr.Invalid, "no agent resolved for request")
		return
	}

	if err := h.ensureSession(ctx, sessionKey, agentID); err != nil {
		h.sendError(nodeID, f.ID, gatewayerr.Internal, "failed to initialize session")
		return
	}

	now := time.Now()
	userMsg := &domain.Message{
		ID:          uuid.New().String(),
		SessionID:   sessionKey,
		Role:        domain.RoleUser,
		CreatedAt:   now,
		Content:     p.Content,
		Attachments: wireToAttachments(p.Attachments),
	}
	if h.Store != nil {
		if err := h.Store.AppendMessage(ctx, userMsg); err != nil {
			slog.Warn("failed to persist user message", "session_id", sessionKey, "error", err)
		}
	}

	req := &domain.Request{
		ID:             uuid.New().String(),
		OriginatorNode: nodeID,
		AgentID:        agentID,
		SessionKey:     sessionKey,
		SessionID:      sessionKey,
		Routing:        routing,
		Input:          p.Content,
		Attachments:    userMsg.Attachments,
		StartedAt:      now,
		Deadline:       effectiveDeadline(now, p.DeadlineMs, h.Cfg.Scheduler.ServerMaxRequestDur.Duration()),
		State:          domain.RequestQueued,
		QueueIfBusy:    p.QueueIfBusy,
	}

	h.trackOriginator(nodeID, req.ID)
	if err := h.Scheduler.Submit(req); err != nil {
		h.untrackOriginator(nodeID, req.ID)
		h.sendError(nodeID, f.ID, gatewayerr.As(err).Code, err.Error())
		return
	}
	h.sendOK(nodeID, f.ID, map[string]string{"requestId": req.ID, "sessionKey": sessionKey})
	h.emitLifecycle(req, "request-queued", EventAgentPayload{})
}

// effectiveDeadline computes min(clientDeadline, serverMaxRequestDuration)
// per the Request Scheduler's timeout rule. Either side of the min is
// skipped if unset: a non-positive serverMax leaves the server cap off,
// and a zero clientDeadlineMs leaves the client cap off.
func effectiveDeadline(now time.Time, clientDeadlineMs int64, serverMax time.Duration) time.Time {
	var deadline time.Time
	if serverMax > 0 {
		deadline = now.Add(serverMax)
	}
	if clientDeadlineMs > 0 {
		if clientDeadline := time.UnixMilli(clientDeadlineMs); deadline.IsZero() || clientDeadline.Before(deadline) {
			deadline = clientDeadline
		}
	}
	return deadline
}

func (h *Hub) ensureSession(ctx context.Context, sessionKey, agentID string) error {
	if h.Store == nil {
		return nil
	}
	existing, err := h.Store.GetSession(ctx, sessionKey)
	if err == nil && existing != nil {
		return nil
	}
	now := time.Now()
	return h.Store.UpsertSession(ctx, &domain.Session{
		ID:        sessionKey,
		AgentID:   agentID,
		Name:      sessionKey,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// ExecuteRequest is the scheduler.Executor Hub provides: it drives the
// Agent Runner for req, streams lifecycle events through Fanout, and
// persists the assistant's final message. Construct the Scheduler with
// this method as its Executor once the Hub exists.
func (h *Hub) ExecuteRequest(ctx context.Context, req *domain.Request) error {
	defer h.untrackOriginator(req.OriginatorNode, req.ID)

	h.emitLifecycle(req, "agent-start", EventAgentPayload{})

	if h.Runner == nil {
		err := gatewayerr.New(gatewayerr.Internal, "agent runner not configured")
		h.emitError(req, err)
		return err
	}

	var content strings.Builder
	messageID := ""
	targets := newStreamTargets(req.ID)
	var pendingAttachments []domain.Attachment

	for evt, err := range h.Runner.Run(ctx, req) {
		if err != nil {
			ge := streamErrorCode(ctx, err)
			h.emitError(req, ge)
			return ge
		}
		switch evt.Type {
		case "delta":
			messageID = targets.resolve(evt.MessageID, evt.EventKey, evt.StreamMessageID, true)
			content.WriteString(evt.Delta)
			h.emitLifecycle(req, "agent-stream", EventAgentPayload{MessageID: messageID, Chunk: evt.Delta, IsDelta: true, EventKey: evt.EventKey, StreamMessageID: evt.StreamMessageID})
		case "message":
			messageID = targets.resolve(evt.MessageID, evt.EventKey, evt.StreamMessageID, false)
			content.WriteString(evt.Content)
			if len(evt.Attachments) > 0 {
				pendingAttachments = append(pendingAttachments, evt.Attachments...)
			}
			h.emitLifecycle(req, "agent-stream", EventAgentPayload{MessageID: messageID, Chunk: evt.Content, EventKey: evt.EventKey, StreamMessageID: evt.StreamMessageID})
		case "tool-start", "tool-end":
			h.emitLifecycle(req, evt.Type, EventAgentPayload{ToolName: evt.ToolName})
		case "tool-error":
			h.emitLifecycle(req, "tool-error", EventAgentPayload{ToolName: evt.ToolName, Code: evt.ErrorCode, Message: evt.ErrorMsg})
		case "done":
			if len(evt.Attachments) > 0 {
				pendingAttachments = append(pendingAttachments, evt.Attachments...)
			}
			return h.finishRequest(ctx, req, content.String(), messageID, pendingAttachments)
		case "error":
			code := gatewayerr.Code(evt.ErrorCode)
			if code == "" {
				code = gatewayerr.Internal
			}
			ge := gatewayerr.New(code, evt.ErrorMsg)
			h.emitError(req, ge)
			return ge
		}
	}
	return h.finishRequest(ctx, req, content.String(), messageID, pendingAttachments)
}

// finishRequest persists the assistant's reply and emits agent-complete.
// Any attachment carrying inline image bytes is rewritten to a
// content-addressed blob path per the session persistence component's
// attachment rules before it is stored or placed on the wire, so that
// identical images produced across messages are deduplicated to one file.
func (h *Hub) finishRequest(ctx context.Context, req *domain.Request, content, messageID string, atts []domain.Attachment) error {
	if h.Blobs != nil && len(atts) > 0 {
		atts = h.Blobs.RewriteAssistant(atts)
	}
	if h.Store != nil && (content != "" || len(atts) > 0) {
		msg := &domain.Message{ID: orDefault(messageID, uuid.New().String()), SessionID: req.SessionID, Role: domain.RoleAssistant, CreatedAt: time.Now(), Content: content, Attachments: atts}
		if err := h.Store.AppendMessage(ctx, msg); err != nil {
			// Surface the persistence failure on the stream without
			// terminating it; agent-complete still follows.
			slog.Warn("failed to persist assistant message", "session_id", req.SessionID, "error", err)
			h.emitError(req, gatewayerr.Wrap(gatewayerr.Internal, "failed to persist assistant message", err))
		}
	}
	h.emitLifecycle(req, "agent-complete", EventAgentPayload{MessageID: messageID, Content: content, Attachments: attachmentsToWire(atts)})
	return nil
}

func attachmentsToWire(in []domain.Attachment) []AttachmentWire {
	if len(in) == 0 {
		return nil
	}
	out := make([]AttachmentWire, len(in))
	for i, a := range in {
		out[i] = AttachmentWire{Kind: string(a.Kind), DataURL: a.DataURL, Path: a.Path, MimeType: a.MimeType, Name: a.Name, Size: a.Size}
	}
	return out
}

func (h *Hub) emitLifecycle(req *domain.Request, subtype string, payload EventAgentPayload) {
	payload.Type = subtype
	payload.RequestID = req.ID
	payload.AgentID = req.AgentID
	payload.SessionKey = req.SessionKey
	payload.SessionID = req.SessionID
	h.Fanout.Emit(req.OriginatorNode, fanout.Event{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Payload:   Frame{Type: TypeEventAgent, Payload: mustMarshal(payload), Timestamp: time.Now().UnixMilli()},
	})
}

func (h *Hub) emitError(req *domain.Request, err *gatewayerr.Error) {
	h.emitLifecycle(req, "agent-error", EventAgentPayload{Code: string(err.Code), Message: err.Message})
}

// streamErrorCode classifies an Agent Runner stream error: one surfaced
// because ctx was cancelled (by Scheduler.Cancel or a deadline) must
// report Cancelled, not Transient, so clients see the terminal frame the
// cancellation they asked for, not a spurious retryable failure.
func streamErrorCode(ctx context.Context, err error) *gatewayerr.Error {
	if ctx.Err() != nil {
		return gatewayerr.Wrap(gatewayerr.Cancelled, "request cancelled", err)
	}
	return gatewayerr.Wrap(gatewayerr.Transient, "agent runner stream error", err)
}

// ReportCancellationTimeout is the Scheduler's OnCancellationTimeout hook:
// invoked when a running request doesn't observe cancellation within
// gracefulShutdownMs and the Scheduler abandons it. The stuck Executor
// call may still be running when this fires; it is left to finish (and
// return, its result discarded) on its own, after one last explicit stop
// signal to the runner. Deadline-expiry cancellations reach the runner
// only through this path, since no req:agent:cancel frame precedes them.
func (h *Hub) ReportCancellationTimeout(req *domain.Request) {
	if h.Runner != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Runner.Cancel(ctx, req.ID); err != nil {
				slog.Debug("agent runner cancel signal failed", "request_id", req.ID, "error", err)
			}
		}()
	}
	h.emitError(req, gatewayerr.New(gatewayerr.CancellationTimeout, "agent runner did not observe cancellation in time"))
}

// Deliver adapts fanout.Deliverer onto the Hub's Send; New installs it on
// the Fanout with SetDeliverer.
func (h *Hub) Deliver(nodeID string, evt fanout.Event) error {
	f, ok := evt.Payload.(Frame)
	if !ok {
		return gatewayerr.New(gatewayerr.Internal, "fanout payload is not a Frame")
	}
	return h.Send(nodeID, f)
}

func wireToRouting(r *RoutingWire) domain.Routing {
	if r == nil {
		return domain.Routing{}
	}
	out := domain.Routing{Channel: r.Channel, AccountID: r.AccountID, GuildID: r.GuildID, TeamID: r.TeamID, ThreadID: r.ThreadID}
	if r.Peer != nil {
		out.Peer = &domain.PeerRef{Kind: r.Peer.Kind, ID: r.Peer.ID}
	}
	return out
}

func wireToAttachments(in []AttachmentWire) []domain.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Attachment, len(in))
	for i, a := range in {
		out[i] = domain.Attachment{Kind: domain.AttachmentKind(a.Kind), DataURL: a.DataURL, Path: a.Path, MimeType: a.MimeType, Name: a.Name, Size: a.Size}
	}
	return out
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// HealthStats is the body shared by GET /health and the stats portion of
// GET /stats.
type HealthStats struct {
	Uptime            float64   `json:"uptime"`
	TotalNodes        int       `json:"totalNodes"`
	TotalGroups       int       `json:"totalGroups"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	StartedAt         time.Time `json:"startedAt"`
	ActiveSessions    int       `json:"activeSessions"`
}

func (h *Hub) stats() HealthStats {
	return HealthStats{
		Uptime:            time.Since(h.startedAt).Seconds(),
		TotalNodes:        h.Registry.Count(),
		TotalGroups:       h.Groups.Count(),
		MessagesProcessed: h.messagesProcessed.Load(),
		StartedAt:         h.startedAt,
		ActiveSessions:    h.Fanout.ActiveSessionCount(),
	}
}

// HandleHealth implements GET /health. Status is "degraded" rather than
// "healthy" when the Agent Runner is unreachable or fails its health
// probe, since req:agent handling will fail until it reconnects.
func (h *Hub) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.Runner == nil {
		status = "degraded"
	} else {
		probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Runner.Health(probeCtx); err != nil {
			slog.Debug("agent runner health probe failed", "error", err)
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   h.version,
		"stats":     h.stats(),
		"timestamp": time.Now(),
	})
}

// HandleStats implements GET /stats.
func (h *Hub) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   h.stats(),
		"version": h.version,
		"nodes":   h.Registry.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
