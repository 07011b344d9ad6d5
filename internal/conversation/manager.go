// ABOUTME: Per-conversation actor that owns the single in-flight unit of agent work
// ABOUTME: Records first, then runs the agent, appending and publishing each message as it lands

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-sessions/internal/content"
	"github.com/2389/coven-sessions/internal/metrics"
	"github.com/2389/coven-sessions/internal/runner"
	"github.com/2389/coven-sessions/internal/store"
)

// ErrAgentWorking is returned by Send when a unit of work is already in flight.
var ErrAgentWorking = errors.New("agent is working")

// ErrEmptyMessage is returned when a send carries no text.
var ErrEmptyMessage = errors.New("message is empty")

// Cancellation causes. A shutdown leaves the log mid-turn on purpose so the
// next start recovers it.
var (
	errCancelledByUser = errors.New("cancelled by user")
	errShutdown        = errors.New("server shutting down")
	errAppendFailed    = errors.New("could not record agent output")

	// errEvicted is returned by a manager the registry has swept. Callers
	// go back through the registry for a fresh one.
	errEvicted = errors.New("conversation manager evicted")
)

const (
	cancelledResultText = "Tool execution was cancelled by user."
	abandonedResultText = "The agent stopped before this tool returned."
)

// ManagerStore is what a Manager needs from storage.
type ManagerStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	SetAgentWorking(ctx context.Context, id string, working bool) error
	Append(ctx context.Context, conversationID string, msg *store.NewMessage) (*store.Message, error)
	Read(ctx context.Context, conversationID string, afterSequence int64) ([]*store.Message, error)
}

// ManagerConfig tunes manager timing and retry behaviour.
type ManagerConfig struct {
	// CancelTimeout bounds how long Cancel waits for the runner to stop.
	// After it the unit is abandoned and its output dropped.
	CancelTimeout time.Duration
	// AppendRetries is how many times a failed append is retried.
	AppendRetries int
	// RetryBackoff is the first retry delay; it doubles on each attempt.
	RetryBackoff time.Duration
	// AppendTimeout bounds each append attempt.
	AppendTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.AppendRetries < 0 {
		c.AppendRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 5 * time.Second
	}
	return c
}

// SendRequest is a user turn.
type SendRequest struct {
	Text  string
	Model string
	// CancelFirst cancels in-flight work instead of failing with ErrAgentWorking.
	CancelFirst bool
}

// Manager serializes every mutating operation on one conversation and owns
// at most one running unit of agent work.
type Manager struct {
	id      string
	store   ManagerStore
	runners *runner.Registry
	bcast   *Broadcaster
	cfg     ManagerConfig
	logger  *slog.Logger

	// opMu serializes Send, Cancel, Resume and Shutdown.
	opMu sync.Mutex

	// writeMu is held by a unit while it records output, and by a takeover
	// while it retires an unresponsive unit.
	writeMu sync.Mutex

	mu           sync.Mutex
	working      bool
	evicted      bool
	gen          uint64
	cancelRun    context.CancelCauseFunc
	done         chan struct{}
	lastActivity time.Time
	model        string
}

func newManager(id string, st ManagerStore, runners *runner.Registry, bcast *Broadcaster, cfg ManagerConfig, logger *slog.Logger) *Manager {
	return &Manager{
		id:           id,
		store:        st,
		runners:      runners,
		bcast:        bcast,
		cfg:          cfg.withDefaults(),
		logger:       logger.With("conversation_id", id),
		lastActivity: time.Now(),
	}
}

// ID returns the conversation id.
func (m *Manager) ID() string { return m.id }

// IsWorking reports whether a unit of work is in flight.
func (m *Manager) IsWorking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.working
}

// Touch records viewer activity so the janitor keeps the manager alive.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// LastActivity returns the time of the last operation or viewer touch.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// current reports whether gen is still the live unit.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) isEvicted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}

// evictIfIdle marks the manager evicted when it has no work in flight and no
// activity since cutoff. A manager in the middle of an operation is kept.
func (m *Manager) evictIfIdle(cutoff time.Time) bool {
	if !m.opMu.TryLock() {
		return false
	}
	defer m.opMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.working || m.lastActivity.After(cutoff) {
		return false
	}
	m.evicted = true
	return true
}

// Model returns the model of the current or most recent run.
func (m *Manager) Model() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// Send durably records a user message, publishes it and starts the agent.
// The returned message is already in the log. With work in flight it fails
// with ErrAgentWorking unless req.CancelFirst is set.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.isEvicted() {
		return nil, errEvicted
	}
	m.Touch()

	if m.IsWorking() {
		if !req.CancelFirst {
			return nil, ErrAgentWorking
		}
		if err := m.stopLocked(ctx, errCancelledByUser); err != nil {
			return nil, fmt.Errorf("cancelling in-flight work: %w", err)
		}
	}

	conv, err := m.store.GetConversation(ctx, m.id)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = conv.Model
	}
	r, model, err := m.runners.Resolve(model)
	if err != nil {
		return nil, err
	}

	// Record first, then act.
	msg, err := m.appendWithRetry(ctx, &store.NewMessage{
		Kind:    content.KindUser,
		Content: []content.Block{content.Text(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	m.bcast.Publish(m.id, msg)
	m.start(r, model, conv.Cwd)

	m.logger.Debug("user message recorded", "sequence_id", msg.SequenceID, "model", model)
	return msg, nil
}

// Resume starts the agent on the existing transcript without a new user
// message. It is a no-op if work is already in flight.
func (m *Manager) Resume(ctx context.Context, model string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.isEvicted() {
		return errEvicted
	}
	m.Touch()

	if m.IsWorking() {
		return nil
	}

	conv, err := m.store.GetConversation(ctx, m.id)
	if err != nil {
		return err
	}
	if model == "" {
		model = conv.Model
	}
	r, model, err := m.runners.Resolve(model)
	if err != nil {
		return err
	}

	m.start(r, model, conv.Cwd)
	m.bcast.Notify(m.id)

	m.logger.Info("resumed agent", "model", model)
	return nil
}

// Cancel stops in-flight work and waits for it to wind down. Invocations the
// cancelled unit left open are closed with error results before it returns.
// Cancel is idempotent.
func (m *Manager) Cancel(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.Touch()
	return m.stopLocked(ctx, errCancelledByUser)
}

// Shutdown stops in-flight work without closing open invocations, leaving
// the conversation for recovery on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx, errShutdown)
}

// stopLocked cancels the running unit and waits for it. A unit that has not
// stopped within CancelTimeout is taken over: its output is dropped from
// then on and the manager winds it down itself.
func (m *Manager) stopLocked(ctx context.Context, cause error) error {
	m.mu.Lock()
	if !m.working {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancelRun
	done := m.done
	gen := m.gen
	m.mu.Unlock()

	cancel(cause)

	timer := time.NewTimer(m.cfg.CancelTimeout)
	defer timer.Stop()

	select {
	case <-done:
		m.logger.Info("agent work stopped", "cause", cause)
		return nil
	case <-timer.C:
		if m.abandon(gen, cause) {
			m.logger.Warn("agent ignored cancellation, abandoned its run",
				"cause", cause, "timeout", m.cfg.CancelTimeout)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent to stop: %w", ctx.Err())
	}
}

// abandon retires unit gen if it is still live. It reports false when the
// unit finished on its own first.
func (m *Manager) abandon(gen uint64, cause error) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if !m.working || m.gen != gen {
		m.mu.Unlock()
		return false
	}
	m.gen++
	m.mu.Unlock()

	m.windDown(context.Background(), cause)
	return true
}

// start launches the run loop. Callers hold opMu and have checked !working.
func (m *Manager) start(r runner.Runner, model, cwd string) {
	runCtx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.working = true
	m.gen++
	gen := m.gen
	m.cancelRun = cancel
	m.done = done
	m.model = model
	m.mu.Unlock()

	metrics.WorkingConversations.Inc()
	if err := m.setWorkingHint(true); err != nil {
		m.logger.Warn("failed to set working hint", "error", err)
	}

	go m.loop(runCtx, cancel, gen, r, model, cwd, done)
}

func (m *Manager) loop(ctx context.Context, cancel context.CancelCauseFunc, gen uint64, r runner.Runner, model, cwd string, done chan struct{}) {
	defer m.finish(ctx, cancel, gen, done)

	transcript, err := m.store.Read(ctx, m.id, 0)
	if err != nil {
		if ctx.Err() == nil {
			m.recordError(ctx, fmt.Sprintf("Failed to load conversation: %v", err))
		}
		return
	}

	events, err := r.Run(ctx, &runner.Request{
		ConversationID: m.id,
		Model:          model,
		Cwd:            cwd,
		Transcript:     runner.TranscriptFrom(transcript),
	})
	if err != nil {
		if ctx.Err() == nil {
			m.recordError(ctx, fmt.Sprintf("Agent failed to start: %v", err))
		}
		return
	}

	stopped := false
	for ev := range events {
		if stopped {
			continue // drain until the runner closes
		}
		stopped = !m.record(ctx, cancel, gen, ev)
	}
}

// record appends one runner event. It reports false once the unit should
// stop recording: an append failed, or the unit was abandoned.
func (m *Manager) record(ctx context.Context, cancel context.CancelCauseFunc, gen uint64, ev *runner.Event) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if !m.current(gen) {
		m.logger.Warn("dropping output of abandoned agent run", "event", ev.Type)
		return false
	}

	switch ev.Type {
	case runner.EventMessage:
		// Output the runner already produced is kept even after cancellation.
		msg, err := m.appendWithRetry(context.WithoutCancel(ctx), &store.NewMessage{
			Kind:    ev.Kind,
			Content: ev.Content,
			Usage:   ev.Usage,
		})
		if err != nil {
			m.logger.Error("failed to record agent output", "error", err)
			m.recordError(ctx, fmt.Sprintf("Failed to record agent output: %v", err))
			cancel(errAppendFailed)
			return false
		}
		m.bcast.Publish(m.id, msg)

	case runner.EventError:
		m.recordError(ctx, ev.Error)

	case runner.EventDone:
	}
	return true
}

// finish winds the unit down unless it was abandoned, in which case the
// takeover already did.
func (m *Manager) finish(ctx context.Context, cancel context.CancelCauseFunc, gen uint64, done chan struct{}) {
	cause := context.Cause(ctx)
	cancel(nil)
	defer close(done)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !m.current(gen) {
		return
	}
	m.windDown(ctx, cause)
}

// windDown closes any invocation the unit left open, clears the working
// state and tells viewers. On shutdown the log is left as is for recovery.
// Callers hold writeMu.
func (m *Manager) windDown(ctx context.Context, cause error) {
	if !errors.Is(cause, errShutdown) {
		text := abandonedResultText
		if errors.Is(cause, errCancelledByUser) {
			text = cancelledResultText
		}
		m.closeOpenInvocations(ctx, text)
		if err := m.setWorkingHint(false); err != nil {
			m.logger.Warn("failed to clear working hint", "error", err)
		}
	}

	// working flips only once the unit is fully wound down, so a new unit
	// cannot start while this one is still writing.
	m.mu.Lock()
	m.working = false
	m.cancelRun = nil
	m.lastActivity = time.Now()
	m.mu.Unlock()

	metrics.WorkingConversations.Dec()
	m.bcast.Notify(m.id)
}

func (m *Manager) closeOpenInvocations(ctx context.Context, text string) {
	rctx, cancel := m.detached(ctx)
	defer cancel()

	msgs, err := m.store.Read(rctx, m.id, 0)
	if err != nil {
		m.logger.Error("failed to read log for open invocations", "error", err)
		return
	}
	open := store.UnresolvedInvocations(msgs)
	if len(open) == 0 {
		return
	}

	now := time.Now().UTC()
	blocks := make([]content.Block, 0, len(open))
	for _, inv := range open {
		blocks = append(blocks, content.ErrorResult(inv.ID, text, now))
	}
	msg, err := m.appendWithRetry(context.WithoutCancel(ctx), &store.NewMessage{Kind: content.KindTool, Content: blocks})
	if err != nil {
		m.logger.Error("failed to close open invocations", "count", len(open), "error", err)
		return
	}
	m.bcast.Publish(m.id, msg)
	m.logger.Info("closed open invocations", "count", len(open), "reason", text)
}

// recordError appends an error-kind message. If even that fails the failure
// is only logged.
func (m *Manager) recordError(ctx context.Context, text string) {
	msg, err := m.appendOnce(ctx, &store.NewMessage{
		Kind:    content.KindError,
		Content: []content.Block{content.Text(text)},
	})
	if err != nil {
		m.logger.Error("failed to record error message", "text", text, "error", err)
		return
	}
	m.bcast.Publish(m.id, msg)
}

// detached derives a context that survives run cancellation, so output the
// runner already produced still lands.
func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.AppendTimeout)
}

func (m *Manager) appendOnce(ctx context.Context, msg *store.NewMessage) (*store.Message, error) {
	actx, cancel := m.detached(ctx)
	defer cancel()

	stored, err := m.store.Append(actx, m.id, msg)
	if err != nil {
		metrics.AppendFailures.Inc()
		return nil, err
	}
	metrics.MessagesAppended.WithLabelValues(string(stored.Kind)).Inc()
	return stored, nil
}

// appendWithRetry retries transient append failures with exponential
// backoff. ctx only bounds the waits between attempts.
func (m *Manager) appendWithRetry(ctx context.Context, msg *store.NewMessage) (*store.Message, error) {
	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.AppendRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			}
			backoff *= 2
		}

		stored, err := m.appendOnce(ctx, msg)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, store.ErrInvalidMessage) || errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("append failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (m *Manager) setWorkingHint(working bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AppendTimeout)
	defer cancel()
	return m.store.SetAgentWorking(ctx, m.id, working)
}
