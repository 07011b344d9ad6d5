// ABOUTME: In-memory fan-out of appended messages to live conversation viewers
// ABOUTME: Each subscriber gets a catch-up batch, then live batches, resyncing from the log on overflow

package conversation

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-sessions/internal/metrics"
	"github.com/2389/coven-sessions/internal/store"
)

const (
	// defaultSubscriberBuffer bounds how many live messages a slow subscriber
	// may lag before its buffer is dropped and it is resynced from the log.
	defaultSubscriberBuffer = 64

	// maxBatchMessages and maxBatchBytes bound one delivery. A longer
	// catch-up or resync goes out as several consecutive batches.
	maxBatchMessages = 256
	maxBatchBytes    = 1 << 20
)

// LogReader is what the broadcaster needs to catch subscribers up.
type LogReader interface {
	Read(ctx context.Context, conversationID string, afterSequence int64) ([]*store.Message, error)
}

// Batch is one delivery to a subscriber. Messages are in ascending sequence
// order with no gaps relative to the previous batch. A batch with no messages
// signals a state change only (for example, the agent stopped working).
type Batch struct {
	Messages []*store.Message
}

// LastSequence returns the sequence id of the final message, or 0.
func (b *Batch) LastSequence() int64 {
	if len(b.Messages) == 0 {
		return 0
	}
	return b.Messages[len(b.Messages)-1].SequenceID
}

type subscriber struct {
	id             string
	conversationID string
	out            chan *Batch
	wake           chan struct{}
	done           chan struct{}
	stopOnce       sync.Once

	mu       sync.Mutex
	pending  []*store.Message
	notify   bool
	overflow bool
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Broadcaster delivers appended messages to every live subscriber of a
// conversation. Publish never blocks: each subscriber has its own pump
// goroutine and bounded buffer. A subscriber that falls behind loses its
// buffer and is caught up from the log instead, so it never skips or
// repeats a message.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // conversationID -> subID -> sub
	log         LogReader
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster that catches subscribers up from log.
// bufferSize <= 0 uses the default. Pass nil logger for default.
func NewBroadcaster(log LogReader, bufferSize int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		log:         log,
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a viewer of conversationID that has already seen every
// message up to afterSequence. The first batch holds everything after it
// (possibly nothing); later batches carry live messages. The channel closes
// when ctx is cancelled, on Unsubscribe, on Close, or if the log cannot be
// read, in which case the viewer should resubscribe from its last sequence.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string, afterSequence int64) (<-chan *Batch, string) {
	sub := &subscriber{
		id:             uuid.New().String(),
		conversationID: conversationID,
		out:            make(chan *Batch, 1),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	// Registration precedes the catch-up read so nothing appended in
	// between can be missed; the pump drops the duplicates by sequence.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, sub.id
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*subscriber)
	}
	b.subscribers[conversationID][sub.id] = sub
	b.mu.Unlock()

	metrics.Subscribers.Inc()
	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", sub.id,
		"after", afterSequence)

	go b.pump(ctx, sub, afterSequence)

	return sub.out, sub.id
}

func (b *Broadcaster) pump(ctx context.Context, sub *subscriber, last int64) {
	defer func() {
		b.remove(sub)
		close(sub.out)
	}()

	catchUp, err := b.log.Read(ctx, sub.conversationID, last)
	if err != nil {
		b.logger.Warn("catch-up read failed",
			"conversation_id", sub.conversationID,
			"sub_id", sub.id,
			"error", err)
		return
	}
	if !b.deliverAll(ctx, sub, catchUp) {
		return
	}
	if n := len(catchUp); n > 0 {
		last = catchUp[n-1].SequenceID
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.wake:
		}

		sub.mu.Lock()
		pending := sub.pending
		notify := sub.notify
		overflow := sub.overflow
		sub.pending = nil
		sub.notify = false
		sub.overflow = false
		sub.mu.Unlock()

		msgs, resync := fresh(pending, last)
		if overflow || resync {
			metrics.SubscriberResyncs.Inc()
			b.logger.Debug("resyncing subscriber from log",
				"conversation_id", sub.conversationID,
				"sub_id", sub.id,
				"after", last,
				"overflow", overflow)
			msgs, err = b.log.Read(ctx, sub.conversationID, last)
			if err != nil {
				b.logger.Warn("resync read failed",
					"conversation_id", sub.conversationID,
					"sub_id", sub.id,
					"error", err)
				return
			}
		}

		if len(msgs) == 0 && !notify {
			continue
		}
		if !b.deliverAll(ctx, sub, msgs) {
			return
		}
		if n := len(msgs); n > 0 {
			last = msgs[n-1].SequenceID
		}
	}
}

// fresh orders pending, drops anything at or below last and reports whether
// the remainder is not contiguous with last.
func fresh(pending []*store.Message, last int64) ([]*store.Message, bool) {
	if len(pending) == 0 {
		return nil, false
	}
	slices.SortFunc(pending, func(a, b *store.Message) int {
		switch {
		case a.SequenceID < b.SequenceID:
			return -1
		case a.SequenceID > b.SequenceID:
			return 1
		}
		return 0
	})

	out := pending[:0]
	next := last + 1
	for _, m := range pending {
		if m.SequenceID < next {
			continue
		}
		if m.SequenceID > next {
			return nil, true
		}
		out = append(out, m)
		next++
	}
	return out, false
}

// deliverAll sends msgs as one or more bounded batches. Empty msgs still
// sends one empty batch.
func (b *Broadcaster) deliverAll(ctx context.Context, sub *subscriber, msgs []*store.Message) bool {
	for {
		n := batchLen(msgs)
		if !b.deliver(ctx, sub, &Batch{Messages: msgs[:n]}) {
			return false
		}
		msgs = msgs[n:]
		if len(msgs) == 0 {
			return true
		}
	}
}

// batchLen returns how many leading messages of msgs fit in one batch. It is
// at least one unless msgs is empty, so an oversized message goes out alone.
func batchLen(msgs []*store.Message) int {
	size := 0
	for i, m := range msgs {
		size += messageSize(m)
		if i > 0 && (i >= maxBatchMessages || size > maxBatchBytes) {
			return i
		}
	}
	return len(msgs)
}

// messageSize estimates the encoded size of m.
func messageSize(m *store.Message) int {
	n := 256
	for _, blk := range m.Content {
		n += 64 + len(blk.Text)
		if blk.Invocation != nil {
			n += len(blk.Invocation.ID) + len(blk.Invocation.Name) + len(blk.Invocation.Input)
		}
		if blk.Result != nil {
			n += len(blk.Result.InvocationID) + len(blk.Result.Output)
		}
	}
	return n
}

func (b *Broadcaster) deliver(ctx context.Context, sub *subscriber, batch *Batch) bool {
	select {
	case sub.out <- batch:
		return true
	case <-ctx.Done():
		return false
	case <-sub.done:
		return false
	}
}

func (b *Broadcaster) targets(conversationID string) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		return nil
	}
	out := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

// Publish hands a durably appended message to every subscriber of its
// conversation. It never blocks on a subscriber.
func (b *Broadcaster) Publish(conversationID string, msg *store.Message) {
	for _, sub := range b.targets(conversationID) {
		sub.mu.Lock()
		if !sub.overflow {
			if len(sub.pending) >= b.bufferSize {
				// Subscriber is too far behind; the pump will reread the log.
				sub.pending = nil
				sub.overflow = true
			} else {
				sub.pending = append(sub.pending, msg)
			}
		}
		sub.mu.Unlock()
		sub.poke()
	}
}

// Notify sends a state-only batch to every subscriber of conversationID, for
// changes that carry no new message.
func (b *Broadcaster) Notify(conversationID string) {
	for _, sub := range b.targets(conversationID) {
		sub.mu.Lock()
		sub.notify = true
		sub.mu.Unlock()
		sub.poke()
	}
}

// SubscriberCount returns the number of live subscribers of conversationID.
func (b *Broadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe ends a subscription. Its channel is closed by the pump.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.RLock()
	sub, ok := b.subscribers[conversationID][subID]
	b.mu.RUnlock()
	if ok {
		sub.stop()
	}
}

func (b *Broadcaster) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.conversationID]
	if !ok {
		return
	}
	if _, exists := subs[sub.id]; !exists {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(b.subscribers, sub.conversationID)
	}
	metrics.Subscribers.Dec()

	b.logger.Debug("subscriber removed",
		"conversation_id", sub.conversationID,
		"sub_id", sub.id)
}

// CloseConversation ends every subscription to conversationID, used when the
// conversation is deleted.
func (b *Broadcaster) CloseConversation(conversationID string) {
	for _, sub := range b.targets(conversationID) {
		sub.stop()
	}
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*subscriber
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	b.logger.Debug("broadcaster closed")
}
