package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler consumes events from the bus. Fire-and-forget handlers are
// dispatched on their own goroutine and their errors only logged;
// serialized handlers run in registration order on the triggering
// goroutine.
type Handler interface {
	HandleEvent(ctx context.Context, event Event) error
	FireAndForget() bool
}

// HandlerFunc adapts a function to a serialized Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// FireAndForget implements Handler.
func (f HandlerFunc) FireAndForget() bool { return false }

// Bus dispatches events to registered handlers. Bulk operations
// disable it to suppress intermediate events, then emit a synthetic
// FullUpdate after re-enabling.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	disabled atomic.Bool
	pending  sync.WaitGroup
	logger   *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// AddHandler registers a handler.
func (b *Bus) AddHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Disable suppresses event dispatch until Enable. The caller is
// expected to trigger a FullUpdate after re-enabling.
func (b *Bus) Disable() {
	b.disabled.Store(true)
}

// Enable resumes event dispatch.
func (b *Bus) Enable() {
	b.disabled.Store(false)
}

// IsEnabled reports whether the bus dispatches events.
func (b *Bus) IsEnabled() bool {
	return !b.disabled.Load()
}

// Trigger snapshots the event params and dispatches to all handlers.
// Handler errors never propagate to the caller.
func (b *Bus) Trigger(ctx context.Context, event Event) {
	if b.disabled.Load() {
		return
	}

	if err := event.InitParams(ctx); err != nil {
		b.logger.Error("event params init failed",
			"type", event.Type(), "error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h.FireAndForget() {
			b.pending.Add(1)
			go func(h Handler) {
				defer b.pending.Done()
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("event handler panicked",
							"type", event.Type(), "panic", r)
					}
				}()
				if err := h.HandleEvent(ctx, event); err != nil {
					b.logger.Error("event handler failed",
						"type", event.Type(), "error", err)
				}
			}(h)
			continue
		}

		if err := h.HandleEvent(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				"type", event.Type(), "error", err)
		}
	}
}

// Wait blocks until all fire-and-forget dispatches completed or the
// timeout elapsed.
func (b *Bus) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
