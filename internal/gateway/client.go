package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	dialTimeout   = 10 * time.Second
	writeDeadline = 10 * time.Second
	readDeadline  = 90 * time.Second

	chunkBuffer = 256
)

// frame is the wire envelope on the shared gateway link. Requests carry
// id/method/params; responses carry id plus one of result, chunk, or error.
// The gateway announces itself with a hello frame on every (re)connect.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Chunk   *Chunk          `json:"chunk,omitempty"`
	Error   string          `json:"error,omitempty"`
	Version string          `json:"version,omitempty"`
}

const (
	frameHello  = "hello"
	frameResult = "result"
	frameChunk  = "chunk"
	frameError  = "error"
)

type pendingCall struct {
	result chan *frame
	chunks chan Chunk
}

// Client is the shared upstream gateway connection: one long-lived WebSocket
// multiplexing every user's traffic by session key, with jittered backoff
// reconnect. In-flight calls fail recoverably when the link drops; callers
// decide whether to wait for the next connect.
type Client struct {
	url               string
	authToken         string
	versionConstraint string
	logger            *zap.Logger
	backoff           *Backoff
	state             *connState

	conn   *websocket.Conn
	connMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	cancel context.CancelFunc
	done   chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBackoff(b *Backoff) ClientOption {
	return func(c *Client) { c.backoff = b }
}

func WithVersionConstraint(constraint string) ClientOption {
	return func(c *Client) { c.versionConstraint = constraint }
}

func NewClient(url, authToken string, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:               url,
		authToken:         authToken,
		versionConstraint: DefaultVersionConstraint,
		logger:            logger,
		backoff:           DefaultBackoff(),
		state:             newConnState(),
		pending:           make(map[string]*pendingCall),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the reconnect loop in a background goroutine.
func (c *Client) Connect(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.connectLoop(ctx)
}

// Close stops the reconnect loop and closes the active connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	<-c.done
	return nil
}

func (c *Client) Connected() bool {
	return c.state.isConnected()
}

func (c *Client) AwaitConnected(ctx context.Context, timeout time.Duration) error {
	return c.state.await(ctx, timeout)
}

// Chat sends a prompt and returns the chunk stream for this call. The
// returned channel is closed after the terminal done or error chunk.
func (c *Client) Chat(ctx context.Context, text string, opts ChatOptions) (<-chan Chunk, error) {
	params, err := json.Marshal(struct {
		Text string `json:"text"`
		ChatOptions
	}{Text: text, ChatOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("marshal chat params: %w", err)
	}

	pc := &pendingCall{chunks: make(chan Chunk, chunkBuffer)}
	if _, err := c.sendCall(ctx, "chat", params, pc); err != nil {
		return nil, err
	}
	return pc.chunks, nil
}

func (c *Client) SessionHistory(ctx context.Context, sessionKey string) ([]HistoryMessage, error) {
	params, _ := json.Marshal(map[string]string{"sessionKey": sessionKey})

	result, err := c.unaryCall(ctx, "sessions.history", params)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return payload.Messages, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	result, err := c.unaryCall(ctx, "sessions.list", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return payload.Sessions, nil
}

func (c *Client) unaryCall(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	pc := &pendingCall{result: make(chan *frame, 1)}
	id, err := c.sendCall(ctx, method, params, pc)
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-pc.result:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Type == frameError {
			return nil, fmt.Errorf("%w: %s", ErrUpstream, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Client) sendCall(ctx context.Context, method string, params json.RawMessage, pc *pendingCall) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	id := uuid.NewString()
	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()

	req := frame{ID: id, Method: method, Params: params}
	if err := c.writeFrame(&req); err != nil {
		c.removePending(id)
		return "", err
	}
	return id, nil
}

func (c *Client) writeFrame(f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Client) connectLoop(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.dialAndServe(ctx)
		if ctx.Err() != nil {
			c.logger.Info("gateway client shutting down")
			return
		}
		if err != nil {
			c.logger.Error("gateway connection error", zap.Error(err))
		}

		wait := c.backoff.Duration()
		c.logger.Info("reconnecting to gateway",
			zap.Duration("backoff", wait),
			zap.Int("attempt", c.backoff.Attempt()),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) dialAndServe(ctx context.Context) error {
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.state.setConnected(false)
		c.closeConn()
		c.failPending()
	}()

	return c.readLoop(ctx, conn)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid frame from gateway", zap.Error(err))
			continue
		}

		switch f.Type {
		case frameHello:
			if err := CheckGatewayVersion(f.Version, c.versionConstraint); err != nil {
				return fmt.Errorf("gateway version check failed: %w", err)
			}
			c.backoff.Reset()
			c.state.setConnected(true)
			c.logger.Info("gateway connected",
				zap.String("url", c.url),
				zap.String("gateway_version", f.Version),
			)
		case frameChunk:
			c.dispatchChunk(ctx, &f)
		case frameResult, frameError:
			c.dispatchResult(&f)
		default:
			c.logger.Warn("unknown frame type from gateway", zap.String("frame_type", f.Type))
		}
	}
}

func (c *Client) dispatchChunk(ctx context.Context, f *frame) {
	if f.Chunk == nil {
		return
	}

	c.pendingMu.Lock()
	pc, ok := c.pending[f.ID]
	c.pendingMu.Unlock()
	if !ok || pc.chunks == nil {
		return
	}

	select {
	case pc.chunks <- *f.Chunk:
	case <-ctx.Done():
		return
	}

	if f.Chunk.Type == ChunkDone || f.Chunk.Type == ChunkError {
		c.removePending(f.ID)
		close(pc.chunks)
	}
}

func (c *Client) dispatchResult(f *frame) {
	c.pendingMu.Lock()
	pc, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if pc.result != nil {
		pc.result <- f
		return
	}
	// Stream call answered with a bare error frame: surface it as an error
	// chunk so the consumer sees a terminal event.
	if pc.chunks != nil {
		if f.Type == frameError {
			pc.chunks <- Chunk{Type: ChunkError, Text: f.Error}
		}
		close(pc.chunks)
	}
}

// failPending terminates every in-flight call after a disconnect. Stream
// consumers get a terminal error chunk; unary callers get a closed channel.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.pendingMu.Unlock()

	for _, pc := range pending {
		if pc.result != nil {
			close(pc.result)
		}
		if pc.chunks != nil {
			select {
			case pc.chunks <- Chunk{Type: ChunkError, Text: "gateway connection lost"}:
			default:
			}
			close(pc.chunks)
		}
	}
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
