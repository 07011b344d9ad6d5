// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Supports fault injection on appends and reads to exercise retry paths

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for testing.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	slugs         map[string]string        // slug -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID

	failAppends int
	appendErr   error
	failReads   int
	readErr     error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		slugs:         make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

// FailAppends makes the next n calls to Append return err without writing.
func (m *MemoryStore) FailAppends(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppends = n
	m.appendErr = err
}

// FailReads makes the next n calls to Read return err.
func (m *MemoryStore) FailReads(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
	m.readErr = err
}

func (m *MemoryStore) freeSlug(base, ownID string) string {
	for n := 1; ; n++ {
		slug := slugCandidate(base, n)
		if id, taken := m.slugs[slug]; !taken || id == ownID {
			return slug
		}
	}
}

// CreateConversation stores a copy of conv under a deduplicated slug.
func (m *MemoryStore) CreateConversation(ctx context.Context, conv *Conversation, slugBase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, ok := m.conversations[conv.ID]; ok {
		return ErrConversationExists
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt
	conv.Slug = m.freeSlug(Slugify(slugBase), "")

	c := *conv
	m.conversations[c.ID] = &c
	m.slugs[c.Slug] = c.ID
	return nil
}

// GetConversation returns a copy of the conversation.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetConversationBySlug returns a copy of the conversation with slug.
func (m *MemoryStore) GetConversationBySlug(ctx context.Context, slug string) (*Conversation, error) {
	m.mu.RLock()
	id, ok := m.slugs[slug]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetConversation(ctx, id)
}

// ListConversations mirrors the SQLite ordering: newest update first.
func (m *MemoryStore) ListConversations(ctx context.Context, p ListParams) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for _, c := range m.conversations {
		if c.Archived == p.Archived {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})

	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if p.Offset >= len(out) {
		return nil, nil
	}
	out = out[p.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RenameConversation moves the conversation to a free slug.
func (m *MemoryStore) RenameConversation(ctx context.Context, id, slugBase string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return "", ErrNotFound
	}
	slug := m.freeSlug(Slugify(slugBase), id)
	if slug != c.Slug {
		delete(m.slugs, c.Slug)
		c.Slug = slug
		m.slugs[slug] = id
		c.UpdatedAt = time.Now().UTC()
	}
	return slug, nil
}

// SetArchived archives or unarchives a conversation.
func (m *MemoryStore) SetArchived(ctx context.Context, id string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Archived = archived
	return nil
}

// SetAgentWorking updates the cached working hint.
func (m *MemoryStore) SetAgentWorking(ctx context.Context, id string, working bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.AgentWorking = working
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.slugs, c.Slug)
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// Append adds a message under the store lock, which serializes every append.
func (m *MemoryStore) Append(ctx context.Context, conversationID string, msg *NewMessage) (*Message, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAppends > 0 {
		m.failAppends--
		return nil, fmt.Errorf("inserting message: %w", m.appendErr)
	}

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	stored := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SequenceID:     int64(len(m.messages[conversationID])) + 1,
		Kind:           msg.Kind,
		Content:        msg.Content,
		Usage:          msg.Usage,
		CreatedAt:      createdAt.UTC(),
	}
	m.messages[conversationID] = append(m.messages[conversationID], stored)

	c.UpdatedAt = stored.CreatedAt
	if window := msg.Usage.ContextWindowUsed(); window > 0 {
		c.ContextWindow = window
	}

	cp := *stored
	return &cp, nil
}

// Read returns copies of the messages after afterSequence.
func (m *MemoryStore) Read(ctx context.Context, conversationID string, afterSequence int64) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failReads > 0 {
		m.failReads--
		return nil, fmt.Errorf("querying messages: %w", m.readErr)
	}

	var out []*Message
	for _, msg := range m.messages[conversationID] {
		if msg.SequenceID > afterSequence {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

// LastSequence returns the highest sequence id, or 0.
func (m *MemoryStore) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.messages[conversationID])), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
