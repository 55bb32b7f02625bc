// Package agentrunner is the gateway's client to the external Agent
// Runner: a thin gRPC interface the gateway invokes to execute a single
// agent turn and stream back lifecycle events. It never owns the LLM
// call or tool implementations — those live entirely on the runner side.
package agentrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wingman-ai/gateway/internal/domain"
)

var (
	errConnectionShutdown       = errors.New("agent runner connection shutdown")
	errConnectionStateUnchanged = errors.New("agent runner connection state did not change")
)

// Runs the given unary/streaming RPC methods by full gRPC path, since no
// generated stub is available for the Agent Runner protocol; payloads are
// carried as a generic structpb.Struct rather than a typed message.
const (
	methodRun    = "/wingman.agentrunner.v1.AgentRunner/Run"
	methodCancel = "/wingman.agentrunner.v1.AgentRunner/Cancel"
	methodHealth = "/wingman.agentrunner.v1.AgentRunner/Health"
)

// Event is a single lifecycle event streamed back from the Agent Runner
// for one Request.
type Event struct {
	Type string // "delta" | "message" | "tool-start" | "tool-end" | "tool-error" | "done" | "error"

	// MessageID, EventKey, and StreamMessageID address the stream message
	// a text event belongs to; the Hub resolves them to the messageId put
	// on the wire.
	MessageID       string
	EventKey        string
	StreamMessageID string

	Delta       string
	Content     string
	ToolName    string
	Attachments []domain.Attachment
	ErrorCode   string
	ErrorMsg    string
}

// Client is a gRPC client to the Agent Runner.
type Client struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// Config holds Client connection parameters.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns the Client's default connection parameters.
func DefaultConfig() Config {
	return Config{
		Address:          "localhost:50061",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewClient dials addr and blocks until the connection is ready or
// cfg.ConnectTimeout elapses.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to agent runner at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close agent runner connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent runner at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to agent runner", "address", cfg.Address)
	return &Client{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close agent runner connection", "error", err)
	}
}

// Health reports whether the Agent Runner process considers itself
// healthy.
func (c *Client) Health(ctx context.Context) error {
	req, err := structpb.NewStruct(nil)
	if err != nil {
		return err
	}

	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodHealth, req, reply); err != nil {
		return fmt.Errorf("agent runner health check failed: %w", err)
	}
	return nil
}

// Run streams a single agent turn for req and yields lifecycle Events as
// the Agent Runner produces them, honoring ctx cancellation.
func (c *Client) Run(ctx context.Context, req *domain.Request) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		payload, err := requestToStruct(req)
		if err != nil {
			yield(nil, fmt.Errorf("marshal agent runner request: %w", err))
			return
		}

		desc := &grpc.StreamDesc{StreamName: "Run", ServerStreams: true}
		stream, err := c.conn.NewStream(ctx, desc, methodRun)
		if err != nil {
			yield(nil, fmt.Errorf("start agent runner stream: %w", err))
			return
		}
		if err := stream.SendMsg(payload); err != nil {
			yield(nil, fmt.Errorf("send agent runner request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("close agent runner send side: %w", err))
			return
		}

		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("agent runner stream error: %w", err))
				return
			}

			evt, err := structToEvent(msg)
			if err != nil {
				yield(nil, fmt.Errorf("decode agent runner event: %w", err))
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

// Cancel asks the Agent Runner to stop executing requestID. It is
// best-effort: the caller should still tear down its local context.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	req, err := structpb.NewStruct(map[string]any{"requestId": requestID})
	if err != nil {
		return err
	}
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodCancel, req, reply); err != nil {
		return fmt.Errorf("agent runner cancel failed: %w", err)
	}
	return nil
}

func requestToStruct(req *domain.Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"requestId":  req.ID,
		"agentId":    req.AgentID,
		"sessionKey": req.SessionKey,
		"sessionId":  req.SessionID,
		"input":      req.Input,
	}
	return structpb.NewStruct(fields)
}

func structToEvent(s *structpb.Struct) (*Event, error) {
	fields := s.AsMap()
	evt := &Event{}
	if v, ok := fields["type"].(string); ok {
		evt.Type = v
	}
	if v, ok := fields["messageId"].(string); ok {
		evt.MessageID = v
	}
	if v, ok := fields["eventKey"].(string); ok {
		evt.EventKey = v
	}
	if v, ok := fields["streamMessageId"].(string); ok {
		evt.StreamMessageID = v
	}
	if v, ok := fields["delta"].(string); ok {
		evt.Delta = v
	}
	if v, ok := fields["toolName"].(string); ok {
		evt.ToolName = v
	}
	if v, ok := fields["content"].(string); ok {
		evt.Content = v
	}
	if v, ok := fields["errorCode"].(string); ok {
		evt.ErrorCode = v
	}
	if v, ok := fields["errorMessage"].(string); ok {
		evt.ErrorMsg = v
	}
	if v, ok := fields["attachments"].([]any); ok {
		evt.Attachments = attachmentsFromAny(v)
	}
	return evt, nil
}

func attachmentsFromAny(in []any) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in))
	for _, raw := range in {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		a := domain.Attachment{}
		if v, ok := m["kind"].(string); ok {
			a.Kind = domain.AttachmentKind(v)
		}
		if v, ok := m["dataUrl"].(string); ok {
			a.DataURL = v
		}
		if v, ok := m["path"].(string); ok {
			a.Path = v
		}
		if v, ok := m["mimeType"].(string); ok {
			a.MimeType = v
		}
		if v, ok := m["name"].(string); ok {
			a.Name = v
		}
		if v, ok := m["size"].(float64); ok {
			a.Size = int64(v)
		}
		out = append(out, a)
	}
	return out
}
