// Package sessions implements the long-poll session registry: one
// bounded, deduplicated event queue per client, with suspend/resume
// through waiters, keepalive and expiry.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qtoggle/qtoggleserver/events"
)

// ExpiryFactor scales a session's timeout into its eviction horizon.
const ExpiryFactor = 10

// Session carries one client's event queue. The queue is kept
// newest-first: pushes insert at the front, overflow drops from the
// back (the oldest pushed event).
type Session struct {
	ID          string
	accessLevel events.AccessLevel
	timeout     time.Duration
	accessedAt  time.Time
	queue       []events.Event
	waiter      chan []events.Event // at most one outstanding
}

// AccessLevel returns the access level recorded at the last wait.
func (s *Session) AccessLevel() events.AccessLevel { return s.accessLevel }

// QueueLen returns the number of queued events.
func (s *Session) QueueLen() int { return len(s.queue) }

// Registry tracks sessions by ID.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	queueSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates a session registry with the given per-session
// queue capacity.
func NewRegistry(queueSize int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Registry{
		sessions:  map[string]*Session{},
		queueSize: queueSize,
		logger:    logger.With("component", "sessions"),
		now:       time.Now,
	}
}

// Get returns the session with the given ID, creating it on first use.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, accessedAt: r.now()}
		r.sessions[id] = s
		r.logger.Debug("session created", "session", id)
	}
	return s
}

// ResetAndWait records the client's access level and timeout, resolves
// any previous waiter, and blocks until events arrive, the keepalive
// timeout elapses (empty result) or ctx is cancelled. Delivery order
// within the returned batch is newest-first.
func (r *Registry) ResetAndWait(ctx context.Context, id string, timeout time.Duration,
	accessLevel events.AccessLevel) ([]events.Event, error) {

	r.mu.Lock()
	s := r.getLocked(id)

	// A superseded waiter gets whatever is queued right away.
	if s.waiter != nil {
		s.waiter <- s.takeQueue()
		s.waiter = nil
	}

	s.accessLevel = accessLevel
	s.timeout = timeout
	s.accessedAt = r.now()

	if len(s.queue) > 0 {
		queued := s.takeQueue()
		r.mu.Unlock()
		return queued, nil
	}

	waiter := make(chan []events.Event, 1)
	s.waiter = waiter
	r.mu.Unlock()

	select {
	case queued := <-waiter:
		return queued, nil
	case <-ctx.Done():
		r.mu.Lock()
		if s.waiter == waiter {
			s.waiter = nil
		} else {
			// Push resolved this waiter concurrently with the
			// cancellation; the batch goes back to the queue so the
			// session does not lose it. The batch predates anything
			// queued since, so it belongs at the back.
			select {
			case batch := <-waiter:
				s.queue = append(s.queue, batch...)
				if len(s.queue) > r.queueSize {
					s.queue = s.queue[:r.queueSize]
				}
			default:
			}
		}
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// takeQueue returns and clears the queue; caller holds the lock.
func (s *Session) takeQueue() []events.Event {
	queued := s.queue
	s.queue = nil
	return queued
}

// Push delivers the event to every session whose access level admits
// it, dropping queued duplicates first and evicting the oldest entry
// on overflow. Sessions with a waiter resolve immediately.
func (r *Registry) Push(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.accessLevel < event.RequiredAccess() {
			continue
		}

		kept := s.queue[:0]
		for _, queued := range s.queue {
			if !event.IsDuplicate(queued) {
				kept = append(kept, queued)
			}
		}
		s.queue = append([]events.Event{event}, kept...)

		if len(s.queue) > r.queueSize {
			// Dropping oldest event (the back of the queue).
			s.queue = s.queue[:r.queueSize]
			r.logger.Warn("session queue full, dropping oldest event",
				"session", s.ID)
		}

		if s.waiter != nil {
			s.waiter <- s.takeQueue()
			s.waiter = nil
		}
	}
}

// Update services keepalives and expiry; called periodically from the
// main loop. Waiters older than their timeout resolve empty; sessions
// inactive for timeout×ExpiryFactor with no waiter are evicted.
func (r *Registry) Update() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, s := range r.sessions {
		inactive := now.Sub(s.accessedAt)

		if s.waiter != nil {
			if s.timeout > 0 && inactive > s.timeout {
				s.waiter <- nil
				s.waiter = nil
				s.accessedAt = now
			}
			continue
		}

		if s.timeout > 0 && inactive > s.timeout*ExpiryFactor {
			delete(r.sessions, id)
			r.logger.Debug("session expired", "session", id)
		}
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
