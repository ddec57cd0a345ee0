package persist

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/qtoggle/qtoggleserver/errors"
)

func init() {
	RegisterDriver("memory", func(_ map[string]any, _ *slog.Logger) (Driver, error) {
		return NewMemoryDriver(), nil
	})
}

// MemoryDriver keeps everything in process memory. It implements the
// samples sub-API too, which makes it the driver of choice for tests
// and for setups that accept losing state across restarts.
type MemoryDriver struct {
	mu      sync.RWMutex
	kv      map[string]any
	colls   map[string]map[string]Record
	samples map[string]map[string][]Sample // coll -> portID -> sorted by timestamp
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		kv:      map[string]any{},
		colls:   map[string]map[string]Record{},
		samples: map[string]map[string][]Sample{},
	}
}

// GetValue implements Driver.
func (d *MemoryDriver) GetValue(_ context.Context, key string) (any, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.kv[key]
	return v, ok, nil
}

// SetValue implements Driver.
func (d *MemoryDriver) SetValue(_ context.Context, key string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kv[key] = value
	return nil
}

// RemoveValue implements Driver.
func (d *MemoryDriver) RemoveValue(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.kv, key)
	return nil
}

// Get implements Driver.
func (d *MemoryDriver) Get(_ context.Context, coll, id string) (Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	records, ok := d.colls[coll]
	if !ok {
		return nil, errors.ErrRecordNotFound
	}
	record, ok := records[id]
	if !ok {
		return nil, errors.ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// Insert implements Driver.
func (d *MemoryDriver) Insert(_ context.Context, coll string, record Record) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, _ := record["id"].(string)
	if id == "" {
		id = newRecordID()
	}

	stored := cloneRecord(record)
	stored["id"] = id

	if d.colls[coll] == nil {
		d.colls[coll] = map[string]Record{}
	}
	d.colls[coll][id] = stored
	return id, nil
}

// Replace implements Driver (upsert semantics).
func (d *MemoryDriver) Replace(_ context.Context, coll, id string, record Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := cloneRecord(record)
	stored["id"] = id
	if d.colls[coll] == nil {
		d.colls[coll] = map[string]Record{}
	}
	d.colls[coll][id] = stored
	return nil
}

// Query implements Driver.
func (d *MemoryDriver) Query(_ context.Context, coll string, filter map[string]any, fields []string) ([]Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.colls[coll]))
	for id := range d.colls[coll] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var results []Record
	for _, id := range ids {
		record := d.colls[coll][id]
		if filter != nil && !matchFilter(record, filter) {
			continue
		}
		results = append(results, projectRecord(record, fields))
	}
	return results, nil
}

// Remove implements Driver.
func (d *MemoryDriver) Remove(_ context.Context, coll string, filter map[string]any) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, record := range d.colls[coll] {
		if filter != nil && !matchFilter(record, filter) {
			continue
		}
		delete(d.colls[coll], id)
		removed++
	}
	return removed, nil
}

// SaveSample implements SamplesDriver, keeping per-port slices sorted
// even for out-of-order inserts.
func (d *MemoryDriver) SaveSample(_ context.Context, coll, portID string, timestampMS int64, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.samples[coll] == nil {
		d.samples[coll] = map[string][]Sample{}
	}
	series := d.samples[coll][portID]
	sample := Sample{Timestamp: timestampMS, Value: value}

	idx := sort.Search(len(series), func(i int) bool {
		return series[i].Timestamp > timestampMS
	})
	series = append(series, Sample{})
	copy(series[idx+1:], series[idx:])
	series[idx] = sample
	d.samples[coll][portID] = series
	return nil
}

// GetSamplesSlice implements SamplesDriver.
func (d *MemoryDriver) GetSamplesSlice(_ context.Context, coll, portID string,
	fromMS, toMS *int64, limit int, desc bool) ([]Sample, error) {

	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []Sample
	for _, s := range d.samples[coll][portID] {
		if fromMS != nil && s.Timestamp < *fromMS {
			continue
		}
		if toMS != nil && s.Timestamp > *toMS {
			continue
		}
		results = append(results, s)
	}
	if desc {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// GetSamplesByTimestamp implements SamplesDriver.
func (d *MemoryDriver) GetSamplesByTimestamp(_ context.Context, coll, portID string,
	timestamps []int64) ([]*float64, error) {

	d.mu.RLock()
	defer d.mu.RUnlock()

	series := d.samples[coll][portID]
	results := make([]*float64, len(timestamps))
	for i, ts := range timestamps {
		idx := sort.Search(len(series), func(j int) bool {
			return series[j].Timestamp > ts
		})
		if idx > 0 {
			v := series[idx-1].Value
			results[i] = &v
		}
	}
	return results, nil
}

// RemoveSamples implements SamplesDriver.
func (d *MemoryDriver) RemoveSamples(_ context.Context, coll string, portIDs []string,
	fromMS, toMS *int64) (int, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	inRange := func(s Sample) bool {
		if fromMS != nil && s.Timestamp < *fromMS {
			return false
		}
		if toMS != nil && s.Timestamp > *toMS {
			return false
		}
		return true
	}

	ids := portIDs
	if ids == nil {
		for id := range d.samples[coll] {
			ids = append(ids, id)
		}
	}

	removed := 0
	for _, id := range ids {
		series := d.samples[coll][id]
		kept := series[:0]
		for _, s := range series {
			if inRange(s) {
				removed++
			} else {
				kept = append(kept, s)
			}
		}
		d.samples[coll][id] = kept
	}
	return removed, nil
}

// EnsureIndex implements SamplesDriver (no-op in memory).
func (d *MemoryDriver) EnsureIndex(_ context.Context, _ string) error {
	return nil
}

// Close implements Driver.
func (d *MemoryDriver) Close() error {
	return nil
}

func cloneRecord(record Record) Record {
	clone := make(Record, len(record))
	for k, v := range record {
		clone[k] = v
	}
	return clone
}

func projectRecord(record Record, fields []string) Record {
	if fields == nil {
		return cloneRecord(record)
	}
	projected := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := record[f]; ok {
			projected[f] = v
		}
	}
	return projected
}
