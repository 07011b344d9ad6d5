// ABOUTME: Client keeps a State in sync with a conversation stream
// ABOUTME: One event loop owns the state; reconnects follow a fixed backoff schedule

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-sessions/internal/api"
	"github.com/2389/coven-sessions/internal/store"
)

// Status is the connection state shown to the user.
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusReconnecting   Status = "reconnecting"
	StatusDisconnected   Status = "disconnected"
	StatusReloadRequired Status = "reload_required"
)

// DefaultBackoff is the reconnect schedule. After the last delay fails the
// client stays disconnected until Retry.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 10 * time.Second}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("reconcile client closed")

// Source opens a stream of batches for a conversation, starting after the
// given sequence id.
type Source interface {
	Subscribe(ctx context.Context, conversationID string, afterSequence int64) (*Stream, error)
}

// Stream is an open subscription. C closes when the stream ends; Err then
// reports why, nil for a clean close by the server.
type Stream struct {
	C <-chan *api.StreamBatch

	err error
}

// Err returns the error that ended the stream. It is only meaningful once C
// has closed.
func (s *Stream) Err() error { return s.err }

// Sender submits user messages.
type Sender interface {
	Chat(ctx context.Context, conversationID string, req *api.ChatRequest) (*api.ChatResponse, error)
}

// PermanentError marks a subscribe failure that retrying cannot fix, such as
// a deleted conversation or a rejected token.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Snapshot is a copy of the client's view, handed to OnChange.
type Snapshot struct {
	Status        Status
	Conversation  *api.Conversation
	Messages      []*store.Message
	Turns         []Turn
	Working       bool
	ContextWindow uint64
	LastSequence  int64
	Err           error
}

// Options configures a Client.
type Options struct {
	// Backoff overrides DefaultBackoff.
	Backoff []time.Duration
	// Sender enables Send. Without it Send fails.
	Sender Sender
	// OnChange receives a snapshot after every state or status change. It
	// runs on the event loop and must not call back into the Client.
	OnChange func(*Snapshot)
	Logger   *slog.Logger
}

// Client reconciles one conversation. All state lives on a single event-loop
// goroutine; stream readers and timers only post work to it.
type Client struct {
	src    Source
	sender Sender
	convID string
	opts   Options
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop.
	state        *State
	status       Status
	attempt      int
	fingerprint  string
	gen          int
	streamCancel context.CancelFunc
	timer        *time.Timer
	lastErr      error
}

// NewClient creates a client for conversationID and starts its event loop.
// Call Start to connect.
func NewClient(src Source, conversationID string, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		src:    src,
		sender: opts.Sender,
		convID: conversationID,
		opts:   opts,
		logger: opts.Logger.With("component", "reconcile", "conversation_id", conversationID),
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  NewState(),
		status: StatusConnecting,
	}
	go c.loop()
	return c
}

func (c *Client) loop() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.quit:
			c.stopTimer()
			c.stopStream()
			c.cancel()
			return
		}
	}
}

// post queues fn on the loop. It reports false once the client is closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.cmds <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Client) call(fn func()) bool {
	ran := make(chan struct{})
	if !c.post(func() { fn(); close(ran) }) {
		return false
	}
	<-ran
	return true
}

// Start opens the stream.
func (c *Client) Start() {
	c.post(c.connect)
}

// Retry reconnects immediately with a fresh backoff schedule. It does
// nothing while connected or after a reload is required.
func (c *Client) Retry() {
	c.post(func() {
		if c.status == StatusConnected || c.status == StatusReloadRequired {
			return
		}
		c.stopTimer()
		c.attempt = 0
		c.connect()
	})
}

// Close stops the stream and any pending reconnect. It is safe to call
// more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

// Snapshot returns the current view.
func (c *Client) Snapshot() *Snapshot {
	var snap *Snapshot
	if !c.call(func() { snap = c.snapshot() }) {
		return &Snapshot{Status: StatusDisconnected, Err: ErrClosed}
	}
	return snap
}

// Send shows text immediately as an optimistic message and submits it. The
// optimistic copy is dropped when the server's copy arrives, or on failure.
func (c *Client) Send(ctx context.Context, text string) error {
	if c.sender == nil {
		return errors.New("reconcile client has no sender")
	}
	if !c.call(func() {
		c.state.SendOptimistic(text)
		c.notify()
	}) {
		return ErrClosed
	}

	_, err := c.sender.Chat(ctx, c.convID, &api.ChatRequest{
		Message:   text,
		RequestID: uuid.New().String(),
	})
	if err != nil {
		c.post(func() {
			c.state.FailOptimistic()
			c.lastErr = err
			c.notify()
		})
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (c *Client) connect() {
	c.stopStream()
	c.gen++
	gen := c.gen
	after := c.state.LastSequence()

	ctx, cancel := context.WithCancel(c.ctx)
	c.streamCancel = cancel

	if c.attempt > 0 {
		c.status = StatusReconnecting
	} else if c.status != StatusReconnecting {
		c.status = StatusConnecting
	}
	c.notify()
	c.logger.Debug("subscribing", "after", after, "attempt", c.attempt)

	go func() {
		stream, err := c.src.Subscribe(ctx, c.convID, after)
		if err != nil {
			c.post(func() { c.onStreamEnd(gen, err) })
			return
		}
		c.post(func() { c.onConnected(gen) })
		for batch := range stream.C {
			if !c.post(func() { c.onBatch(gen, batch) }) {
				return
			}
		}
		err = stream.Err()
		if err == nil {
			err = ctx.Err()
		}
		c.post(func() { c.onStreamEnd(gen, err) })
	}()
}

func (c *Client) onConnected(gen int) {
	if gen != c.gen || c.status == StatusReloadRequired {
		return
	}
	c.status = StatusConnected
	c.lastErr = nil
	c.notify()
}

func (c *Client) onBatch(gen int, b *api.StreamBatch) {
	if gen != c.gen || c.status == StatusReloadRequired {
		return
	}

	if b.BuildFingerprint != "" {
		if c.fingerprint == "" {
			c.fingerprint = b.BuildFingerprint
		} else if b.BuildFingerprint != c.fingerprint {
			c.logger.Info("server build changed, reload required",
				"was", c.fingerprint,
				"now", b.BuildFingerprint)
			c.stopStream()
			c.stopTimer()
			c.status = StatusReloadRequired
			c.notify()
			return
		}
	}

	// A delivered batch proves the connection; the schedule starts over.
	c.attempt = 0
	c.status = StatusConnected
	c.state.Apply(b)
	c.notify()
}

func (c *Client) onStreamEnd(gen int, err error) {
	if gen != c.gen || c.status == StatusReloadRequired {
		return
	}
	c.streamCancel = nil
	if err != nil {
		c.lastErr = err
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		c.logger.Warn("stream rejected", "error", err)
		c.status = StatusDisconnected
		c.notify()
		return
	}

	if c.attempt >= len(c.opts.Backoff) {
		c.logger.Warn("giving up on stream", "attempts", c.attempt, "error", err)
		c.status = StatusDisconnected
		c.notify()
		return
	}

	delay := c.opts.Backoff[c.attempt]
	c.attempt++
	c.status = StatusReconnecting
	c.logger.Debug("stream ended, reconnecting", "delay", delay, "error", err)

	c.timer = time.AfterFunc(delay, func() {
		c.post(func() {
			if c.gen != gen || c.status != StatusReconnecting {
				return
			}
			c.timer = nil
			c.connect()
		})
	})
	c.notify()
}

func (c *Client) stopStream() {
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
}

func (c *Client) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) snapshot() *Snapshot {
	return &Snapshot{
		Status:        c.status,
		Conversation:  c.state.Conversation(),
		Messages:      c.state.Messages(),
		Turns:         c.state.Turns(),
		Working:       c.state.Working(),
		ContextWindow: c.state.ContextWindow(),
		LastSequence:  c.state.LastSequence(),
		Err:           c.lastErr,
	}
}

func (c *Client) notify() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.snapshot())
	}
}
