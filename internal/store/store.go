// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message and the append-only Message Log contract

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-sessions/internal/content"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationExists is returned when creating a conversation whose id is taken
var ErrConversationExists = errors.New("conversation already exists")

// ErrInvalidMessage is returned when an append carries an unusable payload
var ErrInvalidMessage = errors.New("invalid message")

// Conversation is the durable row describing one conversation.
type Conversation struct {
	ID            string
	Slug          string
	Cwd           string
	Model         string
	AgentWorking  bool // cached hint, the log is authoritative
	ContextWindow uint64
	Archived      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one immutable entry of a conversation's log.
type Message struct {
	ID             string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	SequenceID     int64           `json:"sequence_id"`
	Kind           content.Kind    `json:"type"`
	Content        []content.Block `json:"content"`
	Usage          *content.Usage  `json:"usage,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewMessage is the caller-supplied part of an append. The log assigns id,
// sequence and (when zero) the timestamp.
type NewMessage struct {
	Kind      content.Kind
	Content   []content.Block
	Usage     *content.Usage
	CreatedAt time.Time
}

func (m *NewMessage) validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidMessage, content.ErrUnknownKind, m.Kind)
	}
	for _, b := range m.Content {
		switch b.Type {
		case content.BlockText:
		case content.BlockToolInvocation:
			if b.Invocation == nil || b.Invocation.ID == "" {
				return fmt.Errorf("%w: tool invocation without id", ErrInvalidMessage)
			}
		case content.BlockToolResult:
			if b.Result == nil || b.Result.InvocationID == "" {
				return fmt.Errorf("%w: tool result without invocation id", ErrInvalidMessage)
			}
		default:
			return fmt.Errorf("%w: %w: %q", ErrInvalidMessage, content.ErrUnknownBlockType, b.Type)
		}
	}
	return nil
}

// ListParams filters and pages ListConversations.
type ListParams struct {
	Archived bool
	Limit    int // 0 means the default of 100
	Offset   int
}

// Store is the durable backing for conversations and their message logs.
//
// Append is linearizable per conversation: sequence ids start at 1 and are
// dense, and a failed append leaves no trace. Read returns a consistent
// snapshot in ascending sequence order.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation, slugBase string) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationBySlug(ctx context.Context, slug string) (*Conversation, error)
	ListConversations(ctx context.Context, p ListParams) ([]*Conversation, error)
	RenameConversation(ctx context.Context, id, slugBase string) (string, error)
	SetArchived(ctx context.Context, id string, archived bool) error
	SetAgentWorking(ctx context.Context, id string, working bool) error
	DeleteConversation(ctx context.Context, id string) error

	// Message Log
	Append(ctx context.Context, conversationID string, msg *NewMessage) (*Message, error)
	Read(ctx context.Context, conversationID string, afterSequence int64) ([]*Message, error)
	LastSequence(ctx context.Context, conversationID string) (int64, error)

	Close() error
}

// UnresolvedInvocations finds the most recent agent message that carries tool
// invocations and returns those of its invocations that no later message
// resolves. A non-empty result means the conversation is mid-turn.
func UnresolvedInvocations(messages []*Message) []*content.ToolInvocation {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Kind == content.KindAgent && len(content.Invocations(m.Content)) > 0 {
			last = i
			break
		}
	}
	if last < 0 {
		return nil
	}

	resolved := make(map[string]bool)
	for _, m := range messages[last+1:] {
		for _, r := range content.Results(m.Content) {
			resolved[r.InvocationID] = true
		}
	}
	// Results bundled in the same message count too.
	for _, r := range content.Results(messages[last].Content) {
		resolved[r.InvocationID] = true
	}

	var open []*content.ToolInvocation
	for _, inv := range content.Invocations(messages[last].Content) {
		if !resolved[inv.ID] {
			open = append(open, inv)
		}
	}
	return open
}

// ContextWindowSize returns the context window implied by the most recent
// message with non-zero usage.
func ContextWindowSize(messages []*Message) uint64 {
	for i := len(messages) - 1; i >= 0; i-- {
		if n := messages[i].Usage.ContextWindowUsed(); n > 0 {
			return n
		}
	}
	return 0
}
