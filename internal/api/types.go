// ABOUTME: JSON request and response bodies of the HTTP API
// ABOUTME: Shared by the gateway handlers and the clients that talk to them

package api

import (
	"time"

	"github.com/2389/coven-sessions/internal/store"
)

// StreamEvent is the SSE event name of a stream batch.
const StreamEvent = "batch"

// Conversation is the JSON form of a conversation row.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	Slug         string    `json:"slug"`
	Cwd          string    `json:"cwd,omitempty"`
	Model        string    `json:"model"`
	AgentWorking bool      `json:"agent_working"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FromConversation converts a store row. working overrides the cached flag.
func FromConversation(c *store.Conversation, working bool) *Conversation {
	if c == nil {
		return nil
	}
	return &Conversation{
		ID:           c.ID,
		Slug:         c.Slug,
		Cwd:          c.Cwd,
		Model:        c.Model,
		AgentWorking: working,
		Archived:     c.Archived,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// StreamBatch is the payload of one "batch" event on the stream endpoint.
type StreamBatch struct {
	Messages          []*store.Message `json:"messages"`
	Conversation      *Conversation    `json:"conversation,omitempty"`
	AgentWorking      bool             `json:"agent_working"`
	ContextWindowSize uint64           `json:"context_window_size"`
	BuildFingerprint  string           `json:"build_fingerprint"`
}

// ConversationResponse is the body of GET /api/conversation/{id}.
type ConversationResponse struct {
	Conversation      *Conversation    `json:"conversation"`
	Messages          []*store.Message `json:"messages"`
	AgentWorking      bool             `json:"agent_working"`
	ContextWindowSize uint64           `json:"context_window_size"`
}

// ListResponse is the body of GET /api/conversations.
type ListResponse struct {
	Conversations []*Conversation `json:"conversations"`
}

// NewConversationRequest is the body of POST /api/conversations/new.
type NewConversationRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
}

// NewConversationResponse is returned by POST /api/conversations/new.
type NewConversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	SequenceID   int64         `json:"sequence_id"`
}

// ChatRequest is the body of POST /api/conversation/{id}/chat.
type ChatRequest struct {
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
	CancelFirst bool   `json:"cancel_first,omitempty"`
	// RequestID makes retries of the same submission idempotent.
	RequestID string `json:"request_id,omitempty"`
}

// ChatResponse is returned by POST /api/conversation/{id}/chat.
type ChatResponse struct {
	MessageID  string `json:"message_id"`
	SequenceID int64  `json:"sequence_id"`
}

// RenameRequest is the body of POST /api/conversation/{id}/rename.
type RenameRequest struct {
	Slug string `json:"slug"`
}

// RenameResponse carries the slug actually assigned.
type RenameResponse struct {
	Slug string `json:"slug"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version          string `json:"version"`
	BuildFingerprint string `json:"build_fingerprint"`
}
