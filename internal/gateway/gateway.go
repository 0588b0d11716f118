package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ChunkType tags one increment of a streamed chat response.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkToolUse    ChunkType = "tool_use"
	ChunkToolResult ChunkType = "tool_result"
	ChunkError      ChunkType = "error"
	ChunkDone       ChunkType = "done"
)

// Chunk is one streamed response increment from the gateway.
type Chunk struct {
	Type ChunkType `json:"type"`
	Text string    `json:"text,omitempty"`
}

// Attachment is an inline image passed with a prompt.
type Attachment struct {
	MimeType string `json:"mimeType"`
	Content  string `json:"content"` // base64
}

// ChatOptions scope a chat call to one session on the shared link.
// ExtraSystemPrompt is a one-time scene-setting hint, not a standing prompt.
type ChatOptions struct {
	AgentID           string       `json:"agentId"`
	SessionKey        string       `json:"sessionKey"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ExtraSystemPrompt string       `json:"extraSystemPrompt,omitempty"`
}

// HistoryMessage is one raw transcript entry as the gateway stores it.
// Roles other than user/assistant may appear, and content may be either a
// plain string or a structured block list; both are normalized downstream.
type HistoryMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

var (
	// ErrNotConnected means the shared upstream link is down right now.
	// Callers may wait for reconnection via AwaitConnected.
	ErrNotConnected = errors.New("gateway not connected")
	// ErrConnectTimeout means the reconnect wait window elapsed.
	ErrConnectTimeout = errors.New("timed out waiting for gateway connection")
	// ErrUpstream wraps an error the gateway itself reported.
	ErrUpstream = errors.New("gateway error")
)

// Gateway is the upstream chat capability: one shared long-lived connection
// multiplexed by session key.
type Gateway interface {
	// Chat sends a prompt and returns the stream of response chunks. The
	// channel is closed after a done or error chunk.
	Chat(ctx context.Context, text string, opts ChatOptions) (<-chan Chunk, error)
	// SessionHistory fetches the stored transcript for a session key.
	SessionHistory(ctx context.Context, sessionKey string) ([]HistoryMessage, error)
	// ListSessions returns every session key the gateway currently knows.
	ListSessions(ctx context.Context) ([]string, error)
	// Connected reports whether the shared link is up right now.
	Connected() bool
	// AwaitConnected blocks until the link is up, the timeout elapses, or
	// ctx is cancelled.
	AwaitConnected(ctx context.Context, timeout time.Duration) error
}
