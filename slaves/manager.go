package slaves

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
)

// CollSlaves is the persisted slave collection, keyed by slave name.
const CollSlaves = "slaves"

// Config carries the slaves section of the server configuration.
type Config struct {
	Timeout       time.Duration
	LongTimeout   time.Duration
	Keepalive     time.Duration
	RetryCount    int
	RetryInterval time.Duration
}

// DiscoveredDevice is one unadopted device a discovery driver found.
type DiscoveredDevice struct {
	Name   string
	Scheme string
	Host   string
	Port   int
	Path   string
}

// DiscoveryDriver locates qToggle devices on the network. Concrete
// mechanisms (mDNS, subnet scan) plug in here.
type DiscoveryDriver interface {
	Discover(ctx context.Context) ([]DiscoveredDevice, error)
}

// Manager owns the slave registry: adding, removing, renaming and
// restoring slaves, plus network discovery.
type Manager struct {
	mu     sync.Mutex
	slaves map[string]*Slave

	store     *persist.Store
	bus       *events.Bus
	registry  *ports.Registry
	metrics   *metric.Metrics
	cfg       Config
	discovery DiscoveryDriver

	deviceName func(ctx context.Context) string
	logger     *slog.Logger
}

// NewManager creates the slave manager. deviceName supplies the
// master's own device name, used for listen session ids.
func NewManager(store *persist.Store, registry *ports.Registry,
	bus *events.Bus, metrics *metric.Metrics, cfg Config,
	deviceName func(ctx context.Context) string,
	logger *slog.Logger) *Manager {

	if logger == nil {
		logger = slog.Default()
	}
	if deviceName == nil {
		deviceName = func(context.Context) string { return "qtoggleserver" }
	}
	return &Manager{
		slaves:     map[string]*Slave{},
		store:      store,
		bus:        bus,
		registry:   registry,
		metrics:    metrics,
		cfg:        cfg,
		deviceName: deviceName,
		logger:     logger.With("component", "slaves"),
	}
}

// SetDiscoveryDriver installs the network discovery mechanism.
func (m *Manager) SetDiscoveryDriver(driver DiscoveryDriver) {
	m.mu.Lock()
	m.discovery = driver
	m.mu.Unlock()
}

// Init restores persisted slaves. Ports of permanently-offline slaves
// are rebuilt from their persisted snapshots; loops for the rest start
// with Start.
func (m *Manager) Init(ctx context.Context) error {
	records, err := m.store.Query(ctx, CollSlaves, nil, nil)
	if err != nil {
		return errors.Wrap(err, "slaves", "Init", "load slaves")
	}

	for _, record := range records {
		name, _ := record["id"].(string)
		if name == "" {
			continue
		}
		s := m.slaveFromRecord(name, record)

		m.mu.Lock()
		m.slaves[name] = s
		m.mu.Unlock()

		if s.IsPermanentlyOffline() {
			m.materializeOfflinePorts(ctx, s, record)
		}
		m.logger.Debug("slave restored", "slave", name,
			"enabled", s.IsEnabled())
	}
	return nil
}

// Start launches the sync loops of every enabled slave.
func (m *Manager) Start() {
	for _, s := range m.All() {
		if s.IsEnabled() {
			s.startLoop()
		}
	}
}

// Stop cancels every slave's sync loop.
func (m *Manager) Stop() {
	for _, s := range m.All() {
		s.mu.Lock()
		cancel := s.loopCancel
		s.loopCancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// Add adopts a new slave. The device must answer a probe request; its
// reported name becomes the slave's key.
func (m *Manager) Add(ctx context.Context, scheme, host string, port int,
	path, adminPasswordHash string, pollInterval int64,
	listenEnabled bool) (*Slave, error) {

	s := newSlave(m, "", scheme, host, port, path, adminPasswordHash,
		pollInterval, listenEnabled)

	attrs, err := s.fetchDeviceAttrs(ctx)
	if err != nil {
		return nil, err
	}
	name, _ := attrs["name"].(string)
	if name == "" {
		return nil, errors.Wrap(errors.ErrInvalidDevice, "slaves", "Add",
			"device reports no name")
	}

	m.mu.Lock()
	if _, exists := m.slaves[name]; exists {
		m.mu.Unlock()
		return nil, errors.ErrDeviceAlreadyExists
	}
	m.slaves[name] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.name = name
	s.cachedAttrs = attrs
	s.enabled = true
	s.logger = m.logger.With("slave", name)
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		m.mu.Lock()
		delete(m.slaves, name)
		m.mu.Unlock()
		return nil, err
	}

	m.bus.Trigger(ctx, events.NewSlaveDeviceAdd(name,
		func(context.Context) (any, error) { return s.ToJSON(), nil }))
	s.startLoop()

	if s.IsPermanentlyOffline() {
		// Sleeping devices are reachable at adoption time; take the
		// one chance to fetch their state.
		s.setOnline(ctx)
		s.setOffline(ctx)
	}

	m.logger.Info("slave added", "slave", name, "host", host)
	m.updateOnlineGauge()
	return s, nil
}

// Remove forgets a slave entirely: ports, persisted attributes and
// the slave record itself.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	s, ok := m.slaves[name]
	if ok {
		delete(m.slaves, name)
	}
	m.mu.Unlock()
	if !ok {
		return errors.ErrNoSuchDevice
	}

	s.mu.Lock()
	cancel := s.loopCancel
	s.loopCancel = nil
	s.enabled = false
	s.online = false
	s.ready = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.removeLocalPorts(ctx, true)
	if _, err := m.store.Remove(ctx, CollSlaves, map[string]any{"id": name}); err != nil {
		return errors.Wrap(err, "slaves", "Remove", "drop record")
	}

	m.bus.Trigger(ctx, events.NewSlaveDeviceRemove(name))
	m.logger.Info("slave removed", "slave", name)
	m.updateOnlineGauge()
	return nil
}

// Get looks a slave up by name.
func (m *Manager) Get(name string) (*Slave, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slaves[name]
	return s, ok
}

// All lists the slaves, name-sorted.
func (m *Manager) All() []*Slave {
	m.mu.Lock()
	list := make([]*Slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		list = append(list, s)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})
	return list
}

// Discover runs the configured discovery driver and filters out
// already-adopted devices.
func (m *Manager) Discover(ctx context.Context) ([]DiscoveredDevice, error) {
	m.mu.Lock()
	driver := m.discovery
	m.mu.Unlock()
	if driver == nil {
		return nil, nil
	}

	found, err := driver.Discover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "slaves", "Discover", "run driver")
	}

	unadopted := make([]DiscoveredDevice, 0, len(found))
	for _, d := range found {
		if _, adopted := m.Get(d.Name); !adopted {
			unadopted = append(unadopted, d)
		}
	}
	return unadopted, nil
}

// renameSlave handles a slave announcing a new name. The new record
// is persisted before the old one goes away, so a crash mid-rename
// leaves at most a duplicate to clean up, never a lost slave.
func (m *Manager) renameSlave(ctx context.Context, s *Slave, newName string) error {
	oldName := s.Name()

	m.mu.Lock()
	if _, exists := m.slaves[newName]; exists {
		m.mu.Unlock()
		return errors.ErrDeviceAlreadyExists
	}
	m.slaves[newName] = s
	delete(m.slaves, oldName)
	m.mu.Unlock()

	m.logger.Info("slave renamed", "old_name", oldName, "new_name", newName)

	// Capture the mirrors before the id prefix changes underneath.
	mirrored := s.localPorts()

	s.mu.Lock()
	s.name = newName
	s.logger = m.logger.With("slave", newName)
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		return err
	}
	if err := m.rekeyPortRecords(ctx, oldName, newName); err != nil {
		return err
	}
	if _, err := m.store.Remove(ctx, CollSlaves, map[string]any{"id": oldName}); err != nil {
		return errors.Wrap(err, "slaves", "renameSlave", "drop old record")
	}

	// Re-register the mirrors under their new ids; master attributes
	// come back from the re-keyed records.
	for _, p := range mirrored {
		snapshot := p.remoteSnapshot()
		value := p.LastReadValue()
		if err := m.registry.Remove(ctx, p.ID(), false); err != nil {
			m.logger.Error("cannot drop old mirror", "port", p.ID(), "error", err)
			continue
		}
		if err := s.handlePortAdd(ctx, snapshot); err != nil {
			m.logger.Error("cannot re-register mirror",
				"remote_id", p.RemoteID(), "error", err)
			continue
		}
		if np, ok := s.localPort(p.RemoteID()); ok && value != nil {
			np.updateValue(ctx, value)
		}
	}

	m.bus.Trigger(ctx, events.NewSlaveDeviceRemove(oldName))
	m.bus.Trigger(ctx, events.NewSlaveDeviceAdd(newName,
		func(context.Context) (any, error) { return s.ToJSON(), nil }))
	return nil
}

// rekeyPortRecords moves persisted port attributes from the old name
// prefix to the new one. Running it twice is harmless: already-moved
// records simply no longer match the old prefix.
func (m *Manager) rekeyPortRecords(ctx context.Context, oldName, newName string) error {
	records, err := m.store.Query(ctx, ports.CollPorts, nil, nil)
	if err != nil {
		return errors.Wrap(err, "slaves", "rekeyPortRecords", "load ports")
	}

	prefix := oldName + "."
	for _, record := range records {
		id, _ := record["id"].(string)
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		newID := newName + "." + strings.TrimPrefix(id, prefix)
		record["id"] = newID
		if err := m.store.Replace(ctx, ports.CollPorts, newID, record); err != nil {
			return errors.Wrap(err, "slaves", "rekeyPortRecords", "save "+newID)
		}
		if _, err := m.store.Remove(ctx, ports.CollPorts, map[string]any{"id": id}); err != nil {
			return errors.Wrap(err, "slaves", "rekeyPortRecords", "drop "+id)
		}
	}
	return nil
}

func (m *Manager) triggerPortUpdate(ctx context.Context, p *SlavePort) {
	m.bus.Trigger(ctx, events.NewPortUpdate(p.ID(),
		func(pctx context.Context) (any, error) { return p.ToJSON(pctx) }))
}

func (m *Manager) updateOnlineGauge() {
	if m.metrics == nil {
		return
	}
	online := 0
	for _, s := range m.All() {
		if s.IsOnline() {
			online++
		}
	}
	m.metrics.SlavesOnline.Set(float64(online))
}

// slaveFromRecord rebuilds a slave from its persisted form.
func (m *Manager) slaveFromRecord(name string, record persist.Record) *Slave {
	scheme, _ := record["scheme"].(string)
	host, _ := record["host"].(string)
	port, _ := toInt(record["port"])
	path, _ := record["path"].(string)
	hash, _ := record["admin_password_hash"].(string)
	pollInterval, _ := toInt(record["poll_interval"])
	listenEnabled, _ := record["listen_enabled"].(bool)

	s := newSlave(m, name, scheme, host, int(port), path, hash,
		pollInterval, listenEnabled)

	s.mu.Lock()
	s.enabled, _ = record["enabled"].(bool)
	if lastSync, ok := toInt(record["last_sync"]); ok {
		s.lastSync = lastSync
	}
	if attrs, ok := record["attrs"].(map[string]any); ok {
		s.cachedAttrs = attrs
	}
	if webhooks, ok := record["webhooks"].(map[string]any); ok {
		s.cachedWebhooks = webhooks
	}
	if reverse, ok := record["reverse"].(map[string]any); ok {
		s.cachedReverse = reverse
	}
	s.provisioningAttrs = listToSet(record["provisioning_attrs"])
	s.provisioningWebhooks = listToSet(record["provisioning_webhooks"])
	s.provisioningReverse = listToSet(record["provisioning_reverse"])
	if queued, ok := record["provisioning_port_attrs"].(map[string]any); ok {
		for remoteID, attrs := range queued {
			if attrMap, ok := attrs.(map[string]any); ok {
				s.provisioningPortAttrs[remoteID] = attrMap
			}
		}
	}
	if queued, ok := record["provisioning_port_values"].(map[string]any); ok {
		for remoteID, value := range queued {
			if v, ok := toFloat(value); ok {
				s.provisioningPortValues[remoteID] = v
			}
		}
	}
	s.mu.Unlock()
	return s
}

// materializeOfflinePorts rebuilds the mirrors of a permanently
// offline slave from its persisted snapshot.
func (m *Manager) materializeOfflinePorts(ctx context.Context, s *Slave,
	record persist.Record) {

	snapshot, ok := record["port_attrs"].(map[string]any)
	if !ok {
		return
	}
	for remoteID, attrs := range snapshot {
		attrMap, ok := attrs.(map[string]any)
		if !ok {
			continue
		}
		attrMap["id"] = remoteID
		if err := s.handlePortAdd(ctx, attrMap); err != nil {
			m.logger.Error("cannot rebuild offline mirror",
				"slave", s.Name(), "remote_id", remoteID, "error", err)
		}
	}
}
