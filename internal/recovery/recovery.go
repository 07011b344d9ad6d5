// ABOUTME: Startup repair of conversations a crash or restart left mid-turn
// ABOUTME: Closes unresolved tool invocations with error results, then resumes the agent

package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/metrics"
	"github.com/2389/coven-sessions/internal/store"
)

// InterruptedResultText is the error output recorded for every invocation a
// restart left without a result.
const InterruptedResultText = "Tool execution was interrupted by a server restart; the tool may or may not have completed."

const (
	defaultPageSize    = 100
	defaultConcurrency = 4
)

// Store is what recovery needs from storage.
type Store interface {
	ListConversations(ctx context.Context, p store.ListParams) ([]*store.Conversation, error)
	Read(ctx context.Context, conversationID string, afterSequence int64) ([]*store.Message, error)
	Append(ctx context.Context, conversationID string, msg *store.NewMessage) (*store.Message, error)
	SetAgentWorking(ctx context.Context, id string, working bool) error
}

// Resumer restarts the agent on a repaired conversation.
type Resumer interface {
	Resume(ctx context.Context, conversationID, model string) error
}

// Config tunes a recovery pass.
type Config struct {
	PageSize    int
	Concurrency int
}

// Report summarizes one recovery pass.
type Report struct {
	Scanned     int
	Interrupted int
	Repaired    int
	Failed      int
	Duration    time.Duration
}

// Manager repairs interrupted conversations.
type Manager struct {
	store   Store
	resumer Resumer
	cfg     Config
	logger  *slog.Logger

	resumes sync.WaitGroup
}

// New creates a recovery Manager. resumer may be nil to repair without
// resuming. Pass nil logger for default.
func New(st Store, resumer Resumer, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Manager{
		store:   st,
		resumer: resumer,
		cfg:     cfg,
		logger:  logger.With("component", "recovery"),
	}
}

// Run scans every non-archived conversation and repairs the interrupted ones.
// It returns once every repair is durable; resumes continue in the
// background (see Wait). Only a failure to list conversations is an error.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	convs, err := m.candidates(ctx)
	if err != nil {
		return nil, err
	}

	var interrupted, repaired, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, conv := range convs {
		g.Go(func() error {
			wasInterrupted, err := m.repair(gctx, conv)
			if wasInterrupted {
				interrupted.Add(1)
			}
			if err != nil {
				failed.Add(1)
				metrics.RecoveryFailures.Inc()
				m.logger.Error("failed to recover conversation",
					"conversation_id", conv.ID,
					"error", err)
				return nil
			}
			if wasInterrupted {
				repaired.Add(1)
			}
			return nil
		})
	}
	// Per-conversation failures are counted, never returned.
	_ = g.Wait()

	report := &Report{
		Scanned:     len(convs),
		Interrupted: int(interrupted.Load()),
		Repaired:    int(repaired.Load()),
		Failed:      int(failed.Load()),
		Duration:    time.Since(start),
	}
	m.logger.Info("recovery complete",
		"scanned", report.Scanned,
		"interrupted", report.Interrupted,
		"repaired", report.Repaired,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// Wait blocks until every resume started by Run has returned.
func (m *Manager) Wait() {
	m.resumes.Wait()
}

// candidates pages through the listing before any repair, since a repair
// moves the conversation to the front of it.
func (m *Manager) candidates(ctx context.Context) ([]*store.Conversation, error) {
	var all []*store.Conversation
	for offset := 0; ; offset += m.cfg.PageSize {
		page, err := m.store.ListConversations(ctx, store.ListParams{
			Limit:  m.cfg.PageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		all = append(all, page...)
		if len(page) < m.cfg.PageSize {
			return all, nil
		}
	}
}

func (m *Manager) repair(ctx context.Context, conv *store.Conversation) (bool, error) {
	msgs, err := m.store.Read(ctx, conv.ID, 0)
	if err != nil {
		return false, fmt.Errorf("reading log: %w", err)
	}

	open := store.UnresolvedInvocations(msgs)
	if len(open) == 0 {
		if conv.AgentWorking {
			if err := m.store.SetAgentWorking(ctx, conv.ID, false); err != nil {
				return false, fmt.Errorf("clearing stale working flag: %w", err)
			}
			m.logger.Info("cleared stale working flag", "conversation_id", conv.ID)
		}
		return false, nil
	}

	now := time.Now().UTC()
	blocks := make([]content.Block, 0, len(open))
	for _, inv := range open {
		blocks = append(blocks, content.ErrorResult(inv.ID, InterruptedResultText, now))
	}
	if _, err := m.store.Append(ctx, conv.ID, &store.NewMessage{
		Kind:    content.KindTool,
		Content: blocks,
	}); err != nil {
		return true, fmt.Errorf("recording interrupted results: %w", err)
	}
	metrics.RecoveredInvocations.Add(float64(len(open)))

	if err := m.store.SetAgentWorking(ctx, conv.ID, false); err != nil {
		m.logger.Warn("failed to clear working flag", "conversation_id", conv.ID, "error", err)
	}

	m.logger.Info("closed interrupted invocations",
		"conversation_id", conv.ID,
		"count", len(open))

	if m.resumer != nil {
		m.resumes.Go(func() {
			rctx := context.WithoutCancel(ctx)
			if err := m.resumer.Resume(rctx, conv.ID, conv.Model); err != nil {
				m.logger.Warn("failed to resume recovered conversation",
					"conversation_id", conv.ID,
					"error", err)
			}
		})
	}
	return true, nil
}
