// ABOUTME: Per-conversation token buckets for chat submissions
// ABOUTME: Limiters are created on demand and dropped once idle

package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one rate.Limiter per conversation.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether conversationID may submit now, and if not how long
// until it may.
func (p *limiterPool) allow(conversationID string) (bool, time.Duration) {
	p.mu.Lock()
	e, ok := p.limiters[conversationID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[conversationID] = e
	}
	now := time.Now()
	e.lastSeen = now
	p.mu.Unlock()

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (p *limiterPool) remove(conversationID string) {
	p.mu.Lock()
	delete(p.limiters, conversationID)
	p.mu.Unlock()
}

// sweep drops limiters unused for longer than idle.
func (p *limiterPool) sweep(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	n := 0
	for id, e := range p.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(p.limiters, id)
			n++
		}
	}
	return n
}

func (p *limiterPool) run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(idle)
		}
	}
}
