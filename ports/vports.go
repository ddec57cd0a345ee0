package ports

import (
	"context"
	"log/slog"
	"sync"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/persist"
)

// CollVPorts is the collection holding virtual port definitions.
const CollVPorts = "vports"

// VirtualDriver is an in-memory value cell; virtual ports have no
// hardware behind them.
type VirtualDriver struct {
	mu    sync.Mutex
	value *float64
}

// NewVirtualDriver creates a cell holding the given initial value.
func NewVirtualDriver(initial *float64) *VirtualDriver {
	return &VirtualDriver{value: initial}
}

func (d *VirtualDriver) Read(context.Context) (*float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, nil
}

func (d *VirtualDriver) Write(_ context.Context, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.value = &value
	return nil
}

// VPortSpec is a persisted virtual port definition.
type VPortSpec struct {
	ID      string
	Type    Type
	Min     *float64
	Max     *float64
	Integer bool
	Step    *float64
	Choices []any
}

// VirtualPorts manages the persisted virtual port definitions and
// materializes them as runtime ports.
type VirtualPorts struct {
	registry *Registry
	store    *persist.Store
	logger   *slog.Logger
}

// NewVirtualPorts creates the virtual ports manager.
func NewVirtualPorts(registry *Registry, store *persist.Store,
	logger *slog.Logger) *VirtualPorts {

	if logger == nil {
		logger = slog.Default()
	}
	return &VirtualPorts{
		registry: registry,
		store:    store,
		logger:   logger.With("component", "vports"),
	}
}

// Init materializes all persisted virtual ports into the registry.
func (v *VirtualPorts) Init(ctx context.Context) error {
	records, err := v.store.Query(ctx, CollVPorts, nil, nil)
	if err != nil {
		return errors.Wrap(err, "vports", "init", "query definitions")
	}

	for _, record := range records {
		spec, err := specFromRecord(record)
		if err != nil {
			v.logger.Warn("dropping bad virtual port record", "error", err)
			continue
		}
		if err := v.materialize(ctx, spec); err != nil {
			v.logger.Error("cannot materialize virtual port",
				"port", spec.ID, "error", err)
		}
	}
	return nil
}

// Add persists a new virtual port definition and materializes it.
func (v *VirtualPorts) Add(ctx context.Context, spec VPortSpec) error {
	if !IDRegexp.MatchString(spec.ID) {
		return errors.InvalidField("id")
	}
	if spec.Type != TypeBoolean && spec.Type != TypeNumber {
		return errors.InvalidField("type")
	}
	if _, exists := v.registry.Get(spec.ID); exists {
		return errors.ErrDuplicatePort
	}

	if err := v.store.Replace(ctx, CollVPorts, spec.ID, specToRecord(spec)); err != nil {
		return errors.Wrap(err, "vports", "add", "persist "+spec.ID)
	}
	return v.materialize(ctx, spec)
}

// Remove drops a virtual port definition and its runtime port.
func (v *VirtualPorts) Remove(ctx context.Context, id string) error {
	records, err := v.store.Query(ctx, CollVPorts, map[string]any{"id": id}, nil)
	if err != nil {
		return errors.Wrap(err, "vports", "remove", "query "+id)
	}
	if len(records) == 0 {
		return errors.ErrNoSuchPort
	}

	if _, err := v.store.Remove(ctx, CollVPorts, map[string]any{"id": id}); err != nil {
		return errors.Wrap(err, "vports", "remove", "drop "+id)
	}
	return v.registry.Remove(ctx, id, true)
}

// IsVirtual reports whether the given port ID belongs to a persisted
// virtual port.
func (v *VirtualPorts) IsVirtual(ctx context.Context, id string) bool {
	records, err := v.store.Query(ctx, CollVPorts, map[string]any{"id": id}, nil)
	return err == nil && len(records) > 0
}

func (v *VirtualPorts) materialize(ctx context.Context, spec VPortSpec) error {
	port := NewBasePort(spec.ID, spec.Type, true,
		NewVirtualDriver(nil), v.logger)
	port.SetBounds(spec.Min, spec.Max, spec.Step, spec.Integer, spec.Choices)
	return v.registry.Add(ctx, port)
}

func specToRecord(spec VPortSpec) persist.Record {
	record := persist.Record{
		"id":   spec.ID,
		"type": string(spec.Type),
	}
	if spec.Min != nil {
		record["min"] = *spec.Min
	}
	if spec.Max != nil {
		record["max"] = *spec.Max
	}
	if spec.Step != nil {
		record["step"] = *spec.Step
	}
	if spec.Integer {
		record["integer"] = true
	}
	if len(spec.Choices) > 0 {
		record["choices"] = spec.Choices
	}
	return record
}

func specFromRecord(record persist.Record) (VPortSpec, error) {
	id, _ := record["id"].(string)
	typ, _ := record["type"].(string)
	if id == "" || typ == "" {
		return VPortSpec{}, errors.New("incomplete virtual port record")
	}

	spec := VPortSpec{ID: id, Type: Type(typ)}
	if n, ok := toNumber(record["min"]); ok {
		spec.Min = &n
	}
	if n, ok := toNumber(record["max"]); ok {
		spec.Max = &n
	}
	if n, ok := toNumber(record["step"]); ok {
		spec.Step = &n
	}
	if b, ok := record["integer"].(bool); ok {
		spec.Integer = b
	}
	if choices, ok := record["choices"].([]any); ok {
		spec.Choices = choices
	}
	return spec, nil
}
