// ABOUTME: Client-side view of one conversation built from stream batches
// ABOUTME: Merges by message id, holds one optimistic echo, and tracks working state

package reconcile

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/store"
)

// OptimisticPrefix marks the synthetic id of a message not yet confirmed.
const OptimisticPrefix = "optimistic-"

// State is the ordered, de-duplicated local copy of a conversation. It is not
// safe for concurrent use; the Client confines it to its event loop.
type State struct {
	messages   []*store.Message
	index      map[string]int // message id -> position in messages
	optimistic *store.Message

	lastSequence  int64
	working       bool
	contextWindow uint64
	conversation  *api.Conversation
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		index: make(map[string]int),
	}
}

// Apply merges a batch. Known messages are replaced where they stand and new
// ones are appended in arrival order, so applying a batch twice is the same
// as applying it once.
func (s *State) Apply(b *api.StreamBatch) {
	if b == nil {
		return
	}
	for _, m := range b.Messages {
		if m == nil || m.ID == "" {
			continue
		}
		if i, ok := s.index[m.ID]; ok {
			s.messages[i] = m
		} else {
			s.index[m.ID] = len(s.messages)
			s.messages = append(s.messages, m)
		}
		if m.SequenceID > s.lastSequence {
			s.lastSequence = m.SequenceID
		}
		if m.Kind == content.KindUser {
			s.optimistic = nil
		}
	}

	s.working = b.AgentWorking
	s.contextWindow = b.ContextWindowSize
	if b.Conversation != nil {
		s.conversation = b.Conversation
	}
}

// SendOptimistic shows text as a user message before the server confirms
// it. A previous unconfirmed message is replaced.
func (s *State) SendOptimistic(text string) *store.Message {
	s.optimistic = &store.Message{
		ID:        OptimisticPrefix + uuid.New().String(),
		Kind:      content.KindUser,
		Content:   []content.Block{content.Text(text)},
		CreatedAt: time.Now().UTC(),
	}
	return s.optimistic
}

// FailOptimistic drops the unconfirmed message after a failed send.
func (s *State) FailOptimistic() {
	s.optimistic = nil
}

// Optimistic returns the unconfirmed message, if any.
func (s *State) Optimistic() *store.Message {
	return s.optimistic
}

// Messages returns the confirmed messages in display order, followed by the
// optimistic one when present.
func (s *State) Messages() []*store.Message {
	out := slices.Clone(s.messages)
	if s.optimistic != nil {
		out = append(out, s.optimistic)
	}
	return out
}

// LastSequence is the highest sequence id applied; a reconnect resumes after it.
func (s *State) LastSequence() int64 { return s.lastSequence }

// Working reports the server's agent_working flag from the latest batch.
func (s *State) Working() bool { return s.working }

// ContextWindow is the latest context window size.
func (s *State) ContextWindow() uint64 { return s.contextWindow }

// Conversation is the latest conversation row seen, or nil.
func (s *State) Conversation() *api.Conversation { return s.conversation }
