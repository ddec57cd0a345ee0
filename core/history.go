package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/expressions"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
)

// CollValueHistory is the samples collection for port values.
const CollValueHistory = "value_history"

// cacheableAgeMS: samples older than this are immutable and safe to
// cache by timestamp.
const cacheableAgeMS = 3600 * 1000

type sampleKey struct {
	portID      string
	timestampMS int64
}

// History persists port value samples: event-driven for ports sampling
// on change, periodic for interval-configured ports, with a retention
// janitor. It also serves the HISTORY expression function.
type History struct {
	store    *persist.Store
	registry *ports.Registry
	metrics  *metric.Metrics
	logger   *slog.Logger

	janitorInterval time.Duration

	mu          sync.Mutex
	lastSavedMS map[string]int64
	cache       map[sampleKey]float64

	now func() time.Time
}

// NewHistory creates the history engine.
func NewHistory(store *persist.Store, registry *ports.Registry,
	metrics *metric.Metrics, janitorInterval time.Duration,
	logger *slog.Logger) *History {

	if logger == nil {
		logger = slog.Default()
	}
	if janitorInterval <= 0 {
		janitorInterval = 3600 * time.Second
	}
	return &History{
		store:           store,
		registry:        registry,
		metrics:         metrics,
		logger:          logger.With("component", "history"),
		janitorInterval: janitorInterval,
		lastSavedMS:     map[string]int64{},
		cache:           map[sampleKey]float64{},
		now:             time.Now,
	}
}

// IsSupported reports whether the persistence driver stores samples.
func (h *History) IsSupported() bool { return h.store.IsSamplesSupported() }

// HandleEvent saves a sample on every value change of a port sampling
// on change (history_interval -1).
func (h *History) HandleEvent(ctx context.Context, event events.Event) error {
	change, ok := event.(*events.ValueChange)
	if !ok || !h.IsSupported() {
		return nil
	}
	p, ok := h.registry.Get(change.PortID)
	if !ok || p.HistoryInterval() != -1 {
		return nil
	}
	value := p.LastReadValue()
	if value == nil {
		return nil
	}
	return h.saveSample(ctx, p.ID(), h.now().UnixMilli(), *value)
}

// FireAndForget implements events.Handler; sampling must not slow the
// triggering writer down.
func (h *History) FireAndForget() bool { return true }

// RunSampler walks interval-configured ports once per second and
// persists due samples. Loop errors are logged, never fatal.
func (h *History) RunSampler(ctx context.Context) error {
	if !h.IsSupported() {
		h.logger.Info("samples not supported by persistence driver, sampler disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.sampleDuePorts(ctx)
		}
	}
}

func (h *History) sampleDuePorts(ctx context.Context) {
	nowMS := h.now().UnixMilli()

	for _, p := range h.registry.All() {
		interval := p.HistoryInterval()
		if !p.IsEnabled() || interval <= 0 {
			continue
		}

		h.mu.Lock()
		last := h.lastSavedMS[p.ID()]
		h.mu.Unlock()
		if nowMS-last < interval*1000 {
			continue
		}

		value := p.LastReadValue()
		if value == nil {
			continue
		}
		if err := h.saveSample(ctx, p.ID(), nowMS, *value); err != nil {
			h.logger.Error("cannot save sample", "port", p.ID(), "error", err)
		}
	}
}

func (h *History) saveSample(ctx context.Context, portID string,
	timestampMS int64, value float64) error {

	err := h.store.SaveSample(ctx, CollValueHistory, portID, timestampMS, value)
	if err != nil {
		return errors.Wrap(err, "history", "saveSample", "persist "+portID)
	}

	h.mu.Lock()
	h.lastSavedMS[portID] = timestampMS
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SamplesSaved.Inc()
	}
	return nil
}

// RunJanitor periodically drops samples beyond each port's retention.
func (h *History) RunJanitor(ctx context.Context) error {
	if !h.IsSupported() {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(h.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.purgeExpired(ctx)
		}
	}
}

func (h *History) purgeExpired(ctx context.Context) {
	nowMS := h.now().UnixMilli()

	for _, p := range h.registry.All() {
		retention := p.HistoryRetention()
		if retention <= 0 {
			continue
		}
		cutoff := nowMS - retention*1000
		removed, err := h.store.RemoveSamples(ctx, CollValueHistory,
			[]string{p.ID()}, nil, &cutoff)
		if err != nil {
			h.logger.Error("janitor purge failed", "port", p.ID(), "error", err)
			continue
		}
		if removed > 0 {
			h.logger.Debug("purged samples", "port", p.ID(), "count", removed)
		}
	}
}

// QuerySamples implements expressions.SamplesProvider. Samples older
// than one hour never change and are cached by timestamp.
func (h *History) QuerySamples(ctx context.Context, portID string,
	fromMS, toMS *int64, limit int, desc bool) ([]expressions.Sample, error) {

	records, err := h.store.GetSamplesSlice(ctx, CollValueHistory, portID,
		fromMS, toMS, limit, desc)
	if err != nil {
		return nil, errors.Wrap(err, "history", "querySamples", "query "+portID)
	}

	cutoffMS := h.now().UnixMilli() - cacheableAgeMS
	samples := make([]expressions.Sample, len(records))
	for i, record := range records {
		samples[i] = expressions.Sample{
			TimestampMS: record.Timestamp,
			Value:       record.Value,
		}
		if record.Timestamp < cutoffMS {
			h.mu.Lock()
			h.cache[sampleKey{portID, record.Timestamp}] = record.Value
			h.mu.Unlock()
		}
	}
	return samples, nil
}

// GetSamplesByTimestamp resolves exact timestamps, serving old ones
// from the cache.
func (h *History) GetSamplesByTimestamp(ctx context.Context, portID string,
	timestampsMS []int64) ([]*float64, error) {

	results := make([]*float64, len(timestampsMS))
	var missing []int64
	missingIdx := map[int64][]int{}

	h.mu.Lock()
	for i, ts := range timestampsMS {
		if v, ok := h.cache[sampleKey{portID, ts}]; ok {
			value := v
			results[i] = &value
			continue
		}
		if len(missingIdx[ts]) == 0 {
			missing = append(missing, ts)
		}
		missingIdx[ts] = append(missingIdx[ts], i)
	}
	h.mu.Unlock()

	if len(missing) == 0 {
		return results, nil
	}

	values, err := h.store.GetSamplesByTimestamp(ctx, CollValueHistory,
		portID, missing)
	if err != nil {
		return nil, errors.Wrap(err, "history", "getSamplesByTimestamp",
			"query "+portID)
	}

	cutoffMS := h.now().UnixMilli() - cacheableAgeMS
	for i, value := range values {
		if value == nil {
			continue
		}
		ts := missing[i]
		for _, idx := range missingIdx[ts] {
			v := *value
			results[idx] = &v
		}
		if ts < cutoffMS {
			h.mu.Lock()
			h.cache[sampleKey{portID, ts}] = *value
			h.mu.Unlock()
		}
	}
	return results, nil
}

// Remove drops samples for a port within the given range.
func (h *History) Remove(ctx context.Context, portID string,
	fromMS, toMS *int64) (int, error) {

	h.mu.Lock()
	for key := range h.cache {
		if key.portID == portID {
			delete(h.cache, key)
		}
	}
	delete(h.lastSavedMS, portID)
	h.mu.Unlock()

	return h.store.RemoveSamples(ctx, CollValueHistory, []string{portID},
		fromMS, toMS)
}
