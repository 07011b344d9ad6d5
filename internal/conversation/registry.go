// ABOUTME: Keyed registry guaranteeing at most one live Manager per conversation
// ABOUTME: Creation is deduplicated with singleflight; idle managers are swept by a janitor

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tailscale.com/util/singleflight"

	"github.com/2389/coven-sessions/internal/metrics"
	"github.com/2389/coven-sessions/internal/runner"
)

// ErrRegistryClosed is returned by GetOrCreate after Shutdown.
var ErrRegistryClosed = errors.New("conversation registry closed")

// Registry holds the live Manager of each conversation.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
	group    singleflight.Group[string, *Manager]

	store   ManagerStore
	runners *runner.Registry
	bcast   *Broadcaster
	cfg     ManagerConfig
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(st ManagerStore, runners *runner.Registry, bcast *Broadcaster, cfg ManagerConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		managers: make(map[string]*Manager),
		store:    st,
		runners:  runners,
		bcast:    bcast,
		cfg:      cfg,
		logger:   logger.With("component", "conversation"),
	}
}

// Get returns the live manager for id, if any.
func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	return m, ok
}

// GetOrCreate returns the live manager for id, creating it if the
// conversation exists. Concurrent callers for the same id share one creation.
// The manager is touched so a sweep does not evict it from under the caller.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Manager, error) {
	r.mu.Lock()
	if m, ok := r.managers[id]; ok {
		m.Touch()
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m, err, _ := r.group.Do(id, func() (*Manager, error) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if m, ok := r.managers[id]; ok {
			m.Touch()
			r.mu.Unlock()
			return m, nil
		}
		r.mu.Unlock()

		if _, err := r.store.GetConversation(ctx, id); err != nil {
			return nil, err
		}

		m := newManager(id, r.store, r.runners, r.bcast, r.cfg, r.logger)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, ErrRegistryClosed
		}
		r.managers[id] = m
		metrics.ActiveManagers.Inc()
		r.logger.Debug("manager created", "conversation_id", id, "active", len(r.managers))
		return m, nil
	})
	return m, err
}

// Remove drops the manager for id. The caller is responsible for stopping
// any work it still has in flight.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.managers[id]; ok {
		delete(r.managers, id)
		metrics.ActiveManagers.Dec()
		r.logger.Debug("manager removed", "conversation_id", id, "active", len(r.managers))
	}
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Working returns the ids of conversations with work in flight.
func (r *Registry) Working() []string {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	var ids []string
	for _, m := range managers {
		if m.IsWorking() {
			ids = append(ids, m.ID())
		}
	}
	return ids
}

// Sweep evicts managers that are not working, have no live subscribers and
// have been idle longer than idle. It returns how many were evicted. An
// evicted manager refuses further sends.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, m := range r.managers {
		if r.bcast != nil && r.bcast.SubscriberCount(id) > 0 {
			continue
		}
		if !m.evictIfIdle(cutoff) {
			continue
		}
		delete(r.managers, id)
		metrics.ActiveManagers.Dec()
		evicted++
	}
	if evicted > 0 {
		r.logger.Info("evicted idle managers", "count", evicted, "remaining", len(r.managers))
	}
	return evicted
}

// RunJanitor sweeps on every tick of interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(idle)
		}
	}
}

// Shutdown stops every manager's in-flight work without repairing the log,
// and refuses new managers.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range managers {
		wg.Go(func() {
			if err := m.Shutdown(ctx); err != nil {
				r.logger.Warn("manager did not stop", "conversation_id", m.ID(), "error", err)
			}
		})
	}
	wg.Wait()
}
