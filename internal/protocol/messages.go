package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client message types accepted over the browser WebSocket.
const (
	TypeMessage = "message"
	TypeHistory = "history"
)

// Server frame types sent back to the browser.
const (
	TypeChunk        = "chunk"
	TypeDone         = "done"
	TypeError        = "error"
	TypeHistoryReply = "history"
)

var (
	ErrMissingType    = errors.New("message type is required")
	ErrMissingAgentID = errors.New("agent id is required")
	ErrUnknownType    = errors.New("unknown message type")
)

// ClientMessage is one inbound frame from the browser. Content arrives either
// as a plain string or as a list of structured blocks.
type ClientMessage struct {
	Type       string  `json:"type"`
	Content    Content `json:"content"`
	AgentID    string  `json:"agentId"`
	SessionKey string  `json:"sessionKey,omitempty"`
}

// ChunkFrame carries one streamed increment of a response. MessageID is
// stable across every chunk of a single response so the client can coalesce
// them into one bubble.
type ChunkFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	MessageID string `json:"messageId"`
}

type DoneFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

type HistoryFrame struct {
	Type     string           `json:"type"`
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is one normalized transcript entry. Role is always "user"
// or "assistant"; other upstream roles are dropped before this point.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ParseClientMessage decodes and validates one inbound frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	if msg.Type != TypeMessage && msg.Type != TypeHistory {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if msg.AgentID == "" {
		return nil, ErrMissingAgentID
	}
	return &msg, nil
}

func NewChunkFrame(content, messageID string) ChunkFrame {
	return ChunkFrame{Type: TypeChunk, Content: content, MessageID: messageID}
}

func NewDoneFrame(messageID string) DoneFrame {
	return DoneFrame{Type: TypeDone, MessageID: messageID}
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

func NewHistoryFrame(messages []HistoryMessage) HistoryFrame {
	if messages == nil {
		messages = []HistoryMessage{}
	}
	return HistoryFrame{Type: TypeHistoryReply, Messages: messages}
}
