// ABOUTME: Service is the facade the HTTP layer uses to drive conversations
// ABOUTME: Routes mutations through the per-conversation Manager and reads through the log

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

// ErrEmptySlug is returned when a rename carries no usable slug.
var ErrEmptySlug = errors.New("slug is empty")

// Service is the central conversation layer. Every mutation of a live
// conversation goes through its Manager; reads go straight to the log.
type Service struct {
	store    store.Store
	registry *Registry
	bcast    *Broadcaster
	runners  *runner.Registry
	logger   *slog.Logger
}

// New creates a Service
func New(st store.Store, registry *Registry, bcast *Broadcaster, runners *runner.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		registry: registry,
		bcast:    bcast,
		runners:  runners,
		logger:   logger.With("component", "conversation"),
	}
}

// NewConversationRequest starts a conversation with its first message.
type NewConversationRequest struct {
	Message string
	Model   string
	Cwd     string
}

// Snapshot is the current state of a conversation as viewers see it.
type Snapshot struct {
	Conversation  *store.Conversation
	Working       bool
	ContextWindow uint64
}

// NewConversation creates the conversation row, slugged from the first
// message, and sends that message.
func (s *Service) NewConversation(ctx context.Context, req NewConversationRequest) (*store.Conversation, *store.Message, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, nil, ErrEmptyMessage
	}
	_, model, err := s.runners.Resolve(req.Model)
	if err != nil {
		return nil, nil, err
	}

	conv := &store.Conversation{Model: model, Cwd: req.Cwd}
	if err := s.store.CreateConversation(ctx, conv, req.Message); err != nil {
		return nil, nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID, "slug", conv.Slug, "model", model)

	msg, err := s.Send(ctx, conv.ID, SendRequest{Text: req.Message, Model: model})
	if err != nil {
		return conv, nil, err
	}
	return conv, msg, nil
}

// evictionRetries bounds how often an operation is retried after racing a
// sweep of its manager.
const evictionRetries = 3

// withManager runs fn against the live manager for id, fetching a fresh one
// if the registry swept it in between.
func (s *Service) withManager(ctx context.Context, id string, fn func(*Manager) error) error {
	for attempt := 0; ; attempt++ {
		m, err := s.registry.GetOrCreate(ctx, id)
		if err != nil {
			return err
		}
		err = fn(m)
		if !errors.Is(err, errEvicted) || attempt == evictionRetries {
			return err
		}
	}
}

// Send delivers a user turn to the conversation's manager.
func (s *Service) Send(ctx context.Context, id string, req SendRequest) (*store.Message, error) {
	var msg *store.Message
	err := s.withManager(ctx, id, func(m *Manager) error {
		var err error
		msg, err = m.Send(ctx, req)
		return err
	})
	return msg, err
}

// Cancel stops any in-flight work. It is a no-op for idle conversations.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if m, ok := s.registry.Get(id); ok {
		return m.Cancel(ctx)
	}
	// No live manager: nothing can be running, but still report unknown ids.
	_, err := s.store.GetConversation(ctx, id)
	return err
}

// Resume restarts the agent on the conversation's transcript.
func (s *Service) Resume(ctx context.Context, id, model string) error {
	return s.withManager(ctx, id, func(m *Manager) error {
		return m.Resume(ctx, model)
	})
}

// Rename moves the conversation to a new slug and returns the slug chosen.
func (s *Service) Rename(ctx context.Context, id, slug string) (string, error) {
	if strings.TrimSpace(slug) == "" {
		return "", ErrEmptySlug
	}
	final, err := s.store.RenameConversation(ctx, id, slug)
	if err != nil {
		return "", err
	}
	s.bcast.Notify(id)
	return final, nil
}

// Archive hides a conversation from the default listing.
func (s *Service) Archive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, true)
}

// Unarchive restores a conversation to the default listing.
func (s *Service) Unarchive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, false)
}

func (s *Service) setArchived(ctx context.Context, id string, archived bool) error {
	if err := s.store.SetArchived(ctx, id, archived); err != nil {
		return err
	}
	s.bcast.Notify(id)
	return nil
}

// Delete cancels any work, drops the manager and removes the conversation
// with its log. Live viewers are disconnected.
func (s *Service) Delete(ctx context.Context, id string) error {
	if m, ok := s.registry.Get(id); ok {
		if err := m.Cancel(ctx); err != nil {
			return fmt.Errorf("stopping conversation: %w", err)
		}
		s.registry.Remove(id)
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	s.bcast.CloseConversation(id)
	s.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// Get returns the conversation row.
func (s *Service) Get(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// GetBySlug returns the conversation row with slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*store.Conversation, error) {
	return s.store.GetConversationBySlug(ctx, slug)
}

// List returns conversations, newest activity first.
func (s *Service) List(ctx context.Context, p store.ListParams) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, p)
}

// Messages returns the log after afterSequence.
func (s *Service) Messages(ctx context.Context, id string, afterSequence int64) ([]*store.Message, error) {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Read(ctx, id, afterSequence)
}

// Subscribe opens a live view of the conversation from afterSequence.
func (s *Service) Subscribe(ctx context.Context, id string, afterSequence int64) (<-chan *Batch, string, error) {
	if _, err := s.store.GetConversation(ctx, id); err != nil {
		return nil, "", err
	}
	if m, ok := s.registry.Get(id); ok {
		m.Touch()
	}
	ch, subID := s.bcast.Subscribe(ctx, id, afterSequence)
	return ch, subID, nil
}

// Snapshot reports the conversation with its working state.
func (s *Service) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Conversation:  conv,
		Working:       s.IsWorking(conv),
		ContextWindow: conv.ContextWindow,
	}, nil
}

// IsWorking reports whether agent work is in flight on conv. A live manager
// is authoritative; without one the cached flag is used.
func (s *Service) IsWorking(conv *store.Conversation) bool {
	if m, ok := s.registry.Get(conv.ID); ok {
		return m.IsWorking()
	}
	return conv.AgentWorking
}
