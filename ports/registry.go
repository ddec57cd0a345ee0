package ports

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/expressions"
	"github.com/qtoggle/qtoggleserver/persist"
)

// CollPorts is the collection holding persisted port attributes.
const CollPorts = "ports"

// Registry tracks all live ports by ID.
type Registry struct {
	mu     sync.RWMutex
	ports  map[string]Port
	bus    *events.Bus
	store  *persist.Store
	logger *slog.Logger
}

// NewRegistry creates an empty port registry.
func NewRegistry(store *persist.Store, bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ports:  map[string]Port{},
		bus:    bus,
		store:  store,
		logger: logger.With("component", "ports"),
	}
}

// Add registers a port, restores its persisted attributes and fires a
// port-add event.
func (r *Registry) Add(ctx context.Context, p Port) error {
	if !IDRegexp.MatchString(p.ID()) {
		return errors.InvalidField("id")
	}

	r.mu.Lock()
	if _, exists := r.ports[p.ID()]; exists {
		r.mu.Unlock()
		return errors.ErrDuplicatePort
	}
	r.ports[p.ID()] = p
	r.mu.Unlock()

	if base, ok := p.(interface{ attach(*Registry) }); ok {
		base.attach(r)
	}
	if base, ok := p.(interface {
		loadPersisted(context.Context) error
	}); ok && p.IsPersisted() {
		if err := base.loadPersisted(ctx); err != nil {
			r.logger.Warn("cannot restore port attributes",
				"port", p.ID(), "error", err)
		}
	}

	r.logger.Info("port added", "port", p.ID())
	r.bus.Trigger(ctx, events.NewPortAdd(p.ID(),
		func(ctx context.Context) (any, error) { return p.ToJSON(ctx) }))
	return nil
}

// Remove unregisters a port and fires a port-remove event. When
// forgetPersisted is set, the stored attributes are dropped too.
func (r *Registry) Remove(ctx context.Context, id string, forgetPersisted bool) error {
	r.mu.Lock()
	p, ok := r.ports[id]
	if ok {
		delete(r.ports, id)
	}
	r.mu.Unlock()

	if !ok {
		return errors.ErrNoSuchPort
	}
	p.Close(ctx)

	if forgetPersisted && r.store != nil {
		if _, err := r.store.Remove(ctx, CollPorts,
			map[string]any{"id": id}); err != nil {
			r.logger.Error("cannot drop persisted port attributes",
				"port", id, "error", err)
		}
	}

	r.logger.Info("port removed", "port", id)
	r.bus.Trigger(ctx, events.NewPortRemove(id))
	return nil
}

// Get looks a port up by ID.
func (r *Registry) Get(id string) (Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[id]
	return p, ok
}

// All returns every registered port in ID order.
func (r *Registry) All() []Port {
	r.mu.RLock()
	all := make([]Port, 0, len(r.ports))
	for _, p := range r.ports {
		all = append(all, p)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID() < all[j].ID() })
	return all
}

// CheckLoops rejects an expression that transitively depends on its
// owning port. A direct self reference (bare $) is allowed; anything
// deeper is a cycle.
func (r *Registry) CheckLoops(ownerID string, expr *expressions.Expression) error {
	var (
		cycleErr error
		visited  = map[string]bool{}
		visit    func(id string, depth int)
	)
	visit = func(id string, depth int) {
		if cycleErr != nil {
			return
		}
		if id == ownerID {
			if depth > 1 {
				cycleErr = &expressions.CircularDependency{PortID: id}
			}
			// Never traverse through the owner: its registered
			// expression is the one being replaced.
			return
		}
		if visited[id] {
			return
		}
		visited[id] = true

		p, ok := r.Get(id)
		if !ok {
			return
		}
		next := p.Expression()
		if next == nil {
			return
		}
		next.PortValueIDs(func(dep string) { visit(dep, depth+1) })
	}

	expr.PortValueIDs(func(dep string) { visit(dep, 1) })
	return cycleErr
}

// attach is called by the registry when a base port is added.
func (p *BasePort) attach(r *Registry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry = r
	p.bus = r.bus
}
