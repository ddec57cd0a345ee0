// Package persist provides the persistence facade: named collections
// with get/set/query/replace/remove and a samples sub-API for
// time-keyed value history. Concrete storage is supplied by drivers
// registered at build time; unknown driver names fail configuration
// load, not runtime.
package persist

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/qtoggle/qtoggleserver/errors"
)

// Record is a persisted document. Every record carries an "id" field
// once stored.
type Record = map[string]any

// Sample is one time-series point for a port.
type Sample struct {
	Timestamp int64   // milliseconds since epoch
	Value     float64
}

// Driver is the KV/collection surface every persistence driver must
// implement. Reads and writes are serializable per key.
type Driver interface {
	GetValue(ctx context.Context, key string) (any, bool, error)
	SetValue(ctx context.Context, key string, value any) error
	RemoveValue(ctx context.Context, key string) error

	Get(ctx context.Context, coll, id string) (Record, error)
	Insert(ctx context.Context, coll string, record Record) (string, error)
	Replace(ctx context.Context, coll, id string, record Record) error
	Query(ctx context.Context, coll string, filter map[string]any, fields []string) ([]Record, error)
	Remove(ctx context.Context, coll string, filter map[string]any) (int, error)

	Close() error
}

// SamplesDriver is the optional time-series surface. Drivers that do
// not implement it make HISTORY and the history API unavailable.
type SamplesDriver interface {
	SaveSample(ctx context.Context, coll, portID string, timestampMS int64, value float64) error
	GetSamplesSlice(ctx context.Context, coll, portID string,
		fromMS, toMS *int64, limit int, desc bool) ([]Sample, error)
	GetSamplesByTimestamp(ctx context.Context, coll, portID string,
		timestamps []int64) ([]*float64, error)
	RemoveSamples(ctx context.Context, coll string, portIDs []string,
		fromMS, toMS *int64) (int, error)
	EnsureIndex(ctx context.Context, coll string) error
}

// Factory builds a driver from its configuration parameters.
type Factory func(params map[string]any, logger *slog.Logger) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterDriver adds a driver factory under the given name. Called
// from driver init() functions.
func RegisterDriver(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// DriverNames returns the registered driver names, sorted.
func DriverNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store wraps a driver behind the facade used by the rest of the
// system.
type Store struct {
	driver  Driver
	samples SamplesDriver // nil when unsupported
	logger  *slog.Logger
}

// Open builds a store from a registered driver name.
func Open(name string, params map[string]any, logger *slog.Logger) (*Store, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(errors.ErrUnknownDriver, "Store", "Open", name)
	}

	if logger == nil {
		logger = slog.Default()
	}
	driver, err := factory(params, logger.With("component", "persist"))
	if err != nil {
		return nil, errors.Wrap(err, "Store", "Open", "create driver "+name)
	}
	return NewStore(driver, logger), nil
}

// NewStore wraps an already-built driver.
func NewStore(driver Driver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	samples, _ := driver.(SamplesDriver)
	return &Store{driver: driver, samples: samples, logger: logger.With("component", "persist")}
}

// GetValue reads a single key, returning def when absent.
func (s *Store) GetValue(ctx context.Context, key string, def any) (any, error) {
	v, found, err := s.driver.GetValue(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "GetValue", key)
	}
	if !found {
		return def, nil
	}
	return v, nil
}

// SetValue writes a single key.
func (s *Store) SetValue(ctx context.Context, key string, value any) error {
	return s.driver.SetValue(ctx, key, value)
}

// RemoveValue deletes a single key.
func (s *Store) RemoveValue(ctx context.Context, key string) error {
	return s.driver.RemoveValue(ctx, key)
}

// Get fetches one record by ID; returns ErrRecordNotFound when absent.
func (s *Store) Get(ctx context.Context, coll, id string) (Record, error) {
	return s.driver.Get(ctx, coll, id)
}

// Insert stores a new record and returns its ID.
func (s *Store) Insert(ctx context.Context, coll string, record Record) (string, error) {
	return s.driver.Insert(ctx, coll, record)
}

// Replace overwrites the record with the given ID, creating it if
// missing (upsert).
func (s *Store) Replace(ctx context.Context, coll, id string, record Record) error {
	return s.driver.Replace(ctx, coll, id, record)
}

// Query returns records matching the equality filter, optionally
// projected to the given fields. A nil filter matches everything.
func (s *Store) Query(ctx context.Context, coll string, filter map[string]any, fields []string) ([]Record, error) {
	return s.driver.Query(ctx, coll, filter, fields)
}

// Remove deletes records matching the filter, returning the count.
func (s *Store) Remove(ctx context.Context, coll string, filter map[string]any) (int, error) {
	return s.driver.Remove(ctx, coll, filter)
}

// IsSamplesSupported reports whether the driver can store time series.
func (s *Store) IsSamplesSupported() bool {
	return s.samples != nil
}

// SaveSample persists one sample.
func (s *Store) SaveSample(ctx context.Context, coll, portID string, timestampMS int64, value float64) error {
	if s.samples == nil {
		return errors.ErrSamplesNotSupported
	}
	return s.samples.SaveSample(ctx, coll, portID, timestampMS, value)
}

// GetSamplesSlice returns samples in [fromMS, toMS], limited and
// sorted by timestamp (descending when desc).
func (s *Store) GetSamplesSlice(ctx context.Context, coll, portID string,
	fromMS, toMS *int64, limit int, desc bool) ([]Sample, error) {

	if s.samples == nil {
		return nil, errors.ErrSamplesNotSupported
	}
	return s.samples.GetSamplesSlice(ctx, coll, portID, fromMS, toMS, limit, desc)
}

// GetSamplesByTimestamp returns, for each requested timestamp, the
// value of the newest sample at or before it (nil when none).
func (s *Store) GetSamplesByTimestamp(ctx context.Context, coll, portID string,
	timestamps []int64) ([]*float64, error) {

	if s.samples == nil {
		return nil, errors.ErrSamplesNotSupported
	}
	return s.samples.GetSamplesByTimestamp(ctx, coll, portID, timestamps)
}

// RemoveSamples deletes samples for the given ports (all when nil)
// within the given time range.
func (s *Store) RemoveSamples(ctx context.Context, coll string, portIDs []string,
	fromMS, toMS *int64) (int, error) {

	if s.samples == nil {
		return 0, errors.ErrSamplesNotSupported
	}
	return s.samples.RemoveSamples(ctx, coll, portIDs, fromMS, toMS)
}

// EnsureIndex makes sure time-range queries on coll are indexed.
func (s *Store) EnsureIndex(ctx context.Context, coll string) error {
	if s.samples == nil {
		return nil
	}
	return s.samples.EnsureIndex(ctx, coll)
}

// Close releases driver resources.
func (s *Store) Close() error {
	return s.driver.Close()
}

// newRecordID generates an ID for records inserted without one.
func newRecordID() string {
	return uuid.NewString()
}

// matchFilter is shared by drivers implementing equality filters.
func matchFilter(record Record, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := record[k]
		if !ok {
			return false
		}
		if !valueEqual(got, want) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
