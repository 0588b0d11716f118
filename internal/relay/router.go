package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/internal/audit"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/storage"
	"go.uber.org/zap"
)

// Client-visible error strings. Categories 2-3 of the error taxonomy are
// deliberately low-information; only terminal denials say why.
const (
	msgAgentNotFound  = "Agent not found"
	msgAccessDenied   = "Access denied"
	msgUnavailable    = "Agent service is not available right now. Please try again."
	msgUpstreamFailed = "Something went wrong while talking to the agent. Please try again."
)

const defaultReconnectWait = 5 * time.Second

// Sender delivers one outbound frame to the browser, dropping silently if
// the connection is no longer open.
type Sender interface {
	TrySend(frame interface{})
}

// Router is the protocol state machine for one authenticated user's traffic.
// It validates access, derives session keys, forwards prompts upstream,
// relays streamed chunks downstream, and emits audit events for tool
// activity and denials.
type Router struct {
	user    UserIdentity
	store   *storage.Storage
	gw      gateway.Gateway
	fresh   *FreshnessCache
	auditor *audit.Log
	alerts  *Alerts
	metrics *Metrics
	logger  *zap.Logger

	reconnectWait time.Duration
}

// RouterDeps bundles the shared collaborators a Router needs; the hub builds
// one Router per connection around them.
type RouterDeps struct {
	Store         *storage.Storage
	Gateway       gateway.Gateway
	Freshness     *FreshnessCache
	Audit         *audit.Log
	Alerts        *Alerts
	Metrics       *Metrics
	Logger        *zap.Logger
	ReconnectWait time.Duration
}

func NewRouter(user UserIdentity, deps RouterDeps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := deps.ReconnectWait
	if wait <= 0 {
		wait = defaultReconnectWait
	}
	return &Router{
		user:          user,
		store:         deps.Store,
		gw:            deps.Gateway,
		fresh:         deps.Freshness,
		auditor:       deps.Audit,
		alerts:        deps.Alerts,
		metrics:       deps.Metrics,
		logger:        logger.With(zap.String("user_id", user.ID)),
		reconnectWait: wait,
	}
}

// HandleMessage processes one inbound frame end to end.
func (r *Router) HandleMessage(ctx context.Context, conn Sender, msg *protocol.ClientMessage) {
	start := time.Now()
	r.metrics.RecordMessage(msg.Type)
	defer func() {
		r.metrics.ObserveResponseDuration(msg.Type, time.Since(start).Seconds())
	}()

	agent, err := r.store.GetAgent(ctx, msg.AgentID)
	if errors.Is(err, storage.ErrAgentNotFound) {
		conn.TrySend(protocol.NewErrorFrame(msgAgentNotFound))
		return
	}
	if err != nil {
		r.logger.Error("agent lookup failed", zap.String("agent_id", msg.AgentID), zap.Error(err))
		r.metrics.RecordError("router", "storage")
		conn.TrySend(protocol.NewErrorFrame(msgUpstreamFailed))
		return
	}

	if err := AssertAgentAccess(agent, r.user.ID, r.user.Role); err != nil {
		r.denyAccess(ctx, conn, agent)
		return
	}

	if err := r.ensureGatewayLink(ctx); err != nil {
		conn.TrySend(protocol.NewErrorFrame(msgUnavailable))
		return
	}

	switch msg.Type {
	case protocol.TypeHistory:
		r.handleHistory(ctx, conn, agent)
	case protocol.TypeMessage:
		r.handleChat(ctx, conn, agent, msg)
	}
}

// denyAccess sends the terminal denial and records it. The audit write is a
// side effect, not a gate: its failure never masks the denial response.
func (r *Router) denyAccess(ctx context.Context, conn Sender, agent *storage.Agent) {
	conn.TrySend(protocol.NewErrorFrame(msgAccessDenied))
	r.metrics.RecordAccessDenied()

	r.auditor.Record(ctx, audit.Entry{
		ActorType: audit.ActorUser,
		ActorID:   r.user.ID,
		EventType: audit.EventToolDenied,
		Resource:  "agent:" + agent.ID,
		Detail:    map[string]string{"reason": "access_denied"},
	})
	r.alerts.AccessDenied(r.user.ID, agent.ID)

	r.logger.Warn("agent access denied",
		zap.String("agent_id", agent.ID),
		zap.String("role", r.user.Role),
	)
}

// ensureGatewayLink converts a transient upstream blip into a bounded wait.
// If the link does not come back within the window the request fails with a
// deterministic, client-visible unavailability error.
func (r *Router) ensureGatewayLink(ctx context.Context) error {
	if r.gw.Connected() {
		return nil
	}

	waitStart := time.Now()
	err := r.gw.AwaitConnected(ctx, r.reconnectWait)
	r.metrics.ObserveUpstreamWait(time.Since(waitStart).Seconds())
	if err != nil {
		r.logger.Warn("gateway link unavailable", zap.Error(err))
		r.metrics.RecordError("router", "gateway_unavailable")
		return err
	}
	return nil
}

func (r *Router) handleHistory(ctx context.Context, conn Sender, agent *storage.Agent) {
	session, err := r.store.GetOrCreateSession(ctx, r.user.ID, agent.ID)
	if err != nil {
		r.logger.Error("session resolution failed", zap.Error(err))
		r.metrics.RecordError("router", "storage")
		conn.TrySend(protocol.NewErrorFrame(msgUpstreamFailed))
		return
	}
	key := session.SessionKey

	if !r.fresh.Has(key) {
		// Cold or stale cache (e.g. after a restart): one bulk listing
		// confirms whether the session exists upstream before we give up.
		known, err := r.gw.ListSessions(ctx)
		if err != nil {
			r.logger.Error("upstream session listing failed", zap.Error(err))
			r.metrics.RecordError("router", "upstream")
			conn.TrySend(protocol.NewErrorFrame(msgUpstreamFailed))
			return
		}
		r.fresh.Refresh(known)
	}

	if !r.fresh.Has(key) {
		conn.TrySend(protocol.NewHistoryFrame(r.greetingTranscript(agent)))
		return
	}

	raw, err := r.gw.SessionHistory(ctx, key)
	if err != nil {
		r.logger.Error("history fetch failed", zap.String("session_key", key), zap.Error(err))
		r.metrics.RecordError("router", "upstream")
		conn.TrySend(protocol.NewErrorFrame(msgUpstreamFailed))
		return
	}

	conn.TrySend(protocol.NewHistoryFrame(normalizeHistory(raw)))
}

// greetingTranscript synthesizes the transcript for a session the gateway
// has never seen: the agent's configured greeting, or nothing.
func (r *Router) greetingTranscript(agent *storage.Agent) []protocol.HistoryMessage {
	if agent.GreetingMessage == "" {
		return nil
	}
	return []protocol.HistoryMessage{{
		Role:    "assistant",
		Content: agent.GreetingMessage,
	}}
}

// normalizeHistory reduces raw gateway transcript rows to what the browser
// renders: user/assistant roles only, structured content flattened to text,
// the timestamp prefix convention stripped from user messages.
func normalizeHistory(raw []gateway.HistoryMessage) []protocol.HistoryMessage {
	var out []protocol.HistoryMessage
	for _, m := range raw {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}

		var content protocol.Content
		if err := json.Unmarshal(m.Content, &content); err != nil {
			continue
		}
		text, _ := content.Flatten()
		if m.Role == "user" {
			text = protocol.StripTimestampPrefix(text)
		}

		out = append(out, protocol.HistoryMessage{
			Role:      m.Role,
			Content:   text,
			Timestamp: m.Timestamp,
		})
	}
	return out
}

func (r *Router) handleChat(ctx context.Context, conn Sender, agent *storage.Agent, msg *protocol.ClientMessage) {
	session, err := r.store.GetOrCreateSession(ctx, r.user.ID, agent.ID)
	if err != nil {
		r.logger.Error("session resolution failed", zap.Error(err))
		r.metrics.RecordError("router", "storage")
		conn.TrySend(protocol.NewErrorFrame(msgUpstreamFailed))
		return
	}
	key := session.SessionKey

	text, attachments := msg.Content.Flatten()

	opts := gateway.ChatOptions{
		AgentID:    agent.ID,
		SessionKey: key,
	}
	for _, att := range attachments {
		opts.Attachments = append(opts.Attachments, gateway.Attachment{
			MimeType: att.MimeType,
			Content:  att.Content,
		})
	}

	// First message on a never-activated session gets the greeting as a
	// one-time scene-setting hint. Never again after that.
	if !session.RuntimeActivated && agent.GreetingMessage != "" {
		opts.ExtraSystemPrompt = fmt.Sprintf(
			"You have already greeted the user with: %q. Continue the conversation from there.",
			agent.GreetingMessage,
		)
	}

	chunks, err := r.gw.Chat(ctx, text, opts)
	if err != nil {
		if errors.Is(err, gateway.ErrNotConnected) {
			conn.TrySend(protocol.NewErrorFrame(msgUnavailable))
			return
		}
		r.logger.Error("upstream chat call failed", zap.String("session_key", key), zap.Error(err))
		r.metrics.RecordError("router", "upstream")
		conn.TrySend(protocol.NewErrorFrame(msgUpstreamFailed))
		return
	}

	r.relayChunks(ctx, conn, agent, key, chunks)
}

// relayChunks pumps one streamed response to the browser. messageID is
// minted once and reused on every frame of the response so the client can
// coalesce them into a single bubble.
func (r *Router) relayChunks(ctx context.Context, conn Sender, agent *storage.Agent, sessionKey string, chunks <-chan gateway.Chunk) {
	messageID := uuid.NewString()

	for chunk := range chunks {
		r.metrics.RecordChunk(string(chunk.Type))

		switch chunk.Type {
		case gateway.ChunkText:
			conn.TrySend(protocol.ChunkFrame{
				Type:      protocol.TypeChunk,
				Content:   chunk.Text,
				MessageID: messageID,
			})

		case gateway.ChunkToolUse, gateway.ChunkToolResult:
			// Tool activity never reaches the browser; the audit trail is
			// the only durable observer.
			r.auditor.Record(ctx, audit.Entry{
				ActorType: audit.ActorAgent,
				ActorID:   agent.ID,
				EventType: audit.EventToolExecute,
				Resource:  "agent:" + agent.ID,
				Detail: map[string]string{
					"chunkType": string(chunk.Type),
					"text":      chunk.Text,
				},
			})

		case gateway.ChunkError:
			// Full detail stays server-side; the browser gets a fixed
			// generic string.
			r.logger.Error("upstream reported stream error",
				zap.String("session_key", sessionKey),
				zap.String("detail", chunk.Text),
			)
			r.metrics.RecordError("router", "upstream_stream")
			conn.TrySend(protocol.ErrorFrame{
				Type:      protocol.TypeError,
				Message:   msgUpstreamFailed,
				MessageID: messageID,
			})
			return

		case gateway.ChunkDone:
			conn.TrySend(protocol.NewDoneFrame(messageID))
			if err := r.store.MarkSessionActivated(ctx, sessionKey); err != nil {
				r.logger.Warn("failed to mark session activated",
					zap.String("session_key", sessionKey),
					zap.Error(err),
				)
			}
			r.fresh.Add(sessionKey)
			return
		}
	}
}
