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
)

// Firmware update polling cadence and cap.
const (
	fwupdatePollInterval = 30 * time.Second
	fwupdateMaxDuration  = 300 * time.Second
)

// Slave mirrors one remote qToggle device. It is in exactly one of
// four states: disabled, enabled and offline, online but not ready, or
// online and ready (attributes and ports fetched).
type Slave struct {
	mu sync.Mutex

	name          string
	scheme        string
	host          string
	port          int
	path          string
	pollInterval  int64 // seconds; 0 disables polling
	listenEnabled bool

	enabled  bool
	online   bool
	ready    bool
	lastSync int64 // epoch seconds, -1 never

	cachedAttrs    map[string]any
	cachedWebhooks map[string]any
	cachedReverse  map[string]any

	provisioningAttrs    map[string]struct{}
	provisioningWebhooks map[string]struct{}
	provisioningReverse  map[string]struct{}

	listenSessionID string
	fwupdatePolling bool

	provisioningPortAttrs  map[string]map[string]any
	provisioningPortValues map[string]float64

	client     *Client
	manager    *Manager
	loopCancel context.CancelFunc
	now        func() time.Time
	logger     *slog.Logger
}

func newSlave(manager *Manager, name, scheme, host string, port int,
	path, adminPasswordHash string, pollInterval int64,
	listenEnabled bool) *Slave {

	s := &Slave{
		name:          name,
		scheme:        scheme,
		host:          host,
		port:          port,
		path:          path,
		pollInterval:  pollInterval,
		listenEnabled: listenEnabled,
		lastSync:      -1,

		cachedAttrs:          map[string]any{},
		cachedWebhooks:       map[string]any{},
		cachedReverse:        map[string]any{},
		provisioningAttrs:    map[string]struct{}{},
		provisioningWebhooks: map[string]struct{}{},
		provisioningReverse:  map[string]struct{}{},

		provisioningPortAttrs:  map[string]map[string]any{},
		provisioningPortValues: map[string]float64{},

		manager: manager,
		now:     time.Now,
		logger:  manager.logger.With("slave", name),
	}
	s.client = NewClient(ClientOptions{
		Scheme:            scheme,
		Host:              host,
		Port:              port,
		Path:              path,
		AdminPasswordHash: adminPasswordHash,
		Timeout:           manager.cfg.Timeout,
		LongTimeout:       manager.cfg.LongTimeout,
		Keepalive:         manager.cfg.Keepalive,
		RetryCount:        manager.cfg.RetryCount,
		RetryInterval:     manager.cfg.RetryInterval,
	}, manager.metrics, manager.logger)
	return s
}

// Name returns the slave's current name.
func (s *Slave) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// IsEnabled reports whether the slave participates in federation.
func (s *Slave) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// IsOnline reports reachability as of the last interaction.
func (s *Slave) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// IsReady reports whether attributes and ports have been fetched.
func (s *Slave) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// IsPermanentlyOffline reports a slave configured with neither polling
// nor listening; its state is mastered locally.
func (s *Slave) IsPermanentlyOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval == 0 && !s.listenEnabled
}

// PollInterval returns the polling cadence in seconds, 0 when polling
// is disabled.
func (s *Slave) PollInterval() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

// ListenEnabled reports whether the slave is synced via long-polling.
func (s *Slave) ListenEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenEnabled
}

// AdminPasswordHash exposes the credential used to authenticate
// device-origin events.
func (s *Slave) AdminPasswordHash() string {
	return s.client.adminPasswordHash
}

// CachedAttrs returns a copy of the remote attribute snapshot.
func (s *Slave) CachedAttrs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs := make(map[string]any, len(s.cachedAttrs))
	for k, v := range s.cachedAttrs {
		attrs[k] = v
	}
	return attrs
}

// ToJSON serializes the slave for the API and slave-device events.
func (s *Slave) ToJSON() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	provisioning := make([]string, 0, len(s.provisioningAttrs))
	for name := range s.provisioningAttrs {
		provisioning = append(provisioning, name)
	}
	sort.Strings(provisioning)

	attrs := make(map[string]any, len(s.cachedAttrs))
	for k, v := range s.cachedAttrs {
		attrs[k] = v
	}

	return map[string]any{
		"enabled":        s.enabled,
		"name":           s.name,
		"scheme":         s.scheme,
		"host":           s.host,
		"port":           s.port,
		"path":           s.path,
		"poll_interval":  s.pollInterval,
		"listen_enabled": s.listenEnabled,
		"last_sync":      s.lastSync,
		"online":         s.online,
		"provisioning":   provisioning,
		"attrs":          attrs,
	}
}

// Enable moves a disabled slave to enabled-offline and starts its
// listen or poll loop.
func (s *Slave) Enable(ctx context.Context) error {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return nil
	}
	s.enabled = true
	s.mu.Unlock()

	s.logger.Info("slave enabled")
	if err := s.save(ctx); err != nil {
		return err
	}
	s.startLoop()
	s.triggerUpdate(ctx)
	return nil
}

// Disable stops the loops, marks the slave offline and removes its
// ports from the local registry. Persisted port attributes are kept.
func (s *Slave) Disable(ctx context.Context) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil
	}
	s.enabled = false
	s.online = false
	s.ready = false
	cancel := s.loopCancel
	s.loopCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.removeLocalPorts(ctx, false)

	s.logger.Info("slave disabled")
	if err := s.save(ctx); err != nil {
		return err
	}
	s.triggerUpdate(ctx)
	return nil
}

// UpdateSettings changes the sync configuration and restarts the
// appropriate loop.
func (s *Slave) UpdateSettings(ctx context.Context, pollInterval int64,
	listenEnabled bool) error {

	if pollInterval < 0 {
		return errors.InvalidField("poll_interval")
	}

	s.mu.Lock()
	if s.pollInterval == pollInterval && s.listenEnabled == listenEnabled {
		s.mu.Unlock()
		return nil
	}
	s.pollInterval = pollInterval
	s.listenEnabled = listenEnabled
	cancel := s.loopCancel
	s.loopCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("slave sync settings changed", "poll_interval", pollInterval,
		"listen_enabled", listenEnabled)

	if err := s.save(ctx); err != nil {
		return err
	}
	s.startLoop()
	s.triggerUpdate(ctx)
	return nil
}

// Forward relays one API call to the slave. Long-poll endpoints would
// tie up the relay and are refused; mutating device, firmware and port
// calls get the long timeout.
func (s *Slave) Forward(ctx context.Context, method, path string,
	body any) (any, error) {

	if strings.HasPrefix(path, "/listen") || strings.HasSuffix(path, "/listen") {
		return nil, errors.NoSuch("function")
	}
	if !s.IsEnabled() {
		return nil, errors.ErrDeviceDisabled
	}
	if !s.IsOnline() {
		return nil, errors.ErrDeviceOffline
	}

	var timeout time.Duration
	if method != "GET" && (strings.HasPrefix(path, "/device") ||
		strings.HasPrefix(path, "/firmware") ||
		strings.HasPrefix(path, "/ports")) {
		timeout = s.client.longTimeout
	}
	return s.client.Request(ctx, method, path, body, timeout)
}

// startLoop launches the listen or poll goroutine. Permanently-offline
// slaves have no loop; their ports come from persistence.
func (s *Slave) startLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.loopCancel != nil {
		return
	}
	if s.pollInterval == 0 && !s.listenEnabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	if s.listenEnabled {
		go s.runListen(ctx)
	} else {
		go s.runPoll(ctx)
	}
}

// setOnline transitions to online-notready and fetches state to reach
// readiness. Provisioning queued while offline is replayed first.
func (s *Slave) setOnline(ctx context.Context) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = true
	s.mu.Unlock()

	if !wasOnline {
		s.logger.Info("slave is online")
	}

	if err := s.applyProvisioning(ctx); err != nil {
		s.logger.Error("provisioning replay failed", "error", err)
	}

	if err := s.fetchAll(ctx); err != nil {
		s.logger.Warn("cannot fetch slave state", "error", err)
		s.setOffline(ctx)
		return
	}

	s.mu.Lock()
	s.ready = true
	s.lastSync = s.now().Unix()
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		s.logger.Error("cannot persist slave", "error", err)
	}
	s.triggerUpdate(ctx)
}

// setOffline transitions to enabled-offline and removes the mirrored
// ports.
func (s *Slave) setOffline(ctx context.Context) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = false
	s.ready = false
	s.mu.Unlock()

	if !wasOnline {
		return
	}
	s.logger.Info("slave is offline")
	// Permanently-offline slaves master their mirrors locally; the
	// mirrors outlive the wake cycle.
	if !s.IsPermanentlyOffline() {
		s.removeLocalPorts(ctx, false)
	}
	s.triggerUpdate(ctx)
}

// fetchAll retrieves the device attributes and the port list.
func (s *Slave) fetchAll(ctx context.Context) error {
	attrs, err := s.fetchDeviceAttrs(ctx)
	if err != nil {
		return err
	}
	if err := s.handleDeviceAttrs(ctx, attrs); err != nil {
		return err
	}

	result, err := s.client.Request(ctx, "GET", "/ports", nil, 0)
	if err != nil {
		return err
	}
	portList, ok := result.([]any)
	if !ok {
		return errors.Wrap(errors.ErrInvalidDevice, "slaves", "fetchAll",
			"unexpected ports payload")
	}

	for _, entry := range portList {
		portAttrs, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if err := s.handlePortAdd(ctx, portAttrs); err != nil {
			s.logger.Error("cannot mirror port", "error", err)
		}
	}
	return nil
}

func (s *Slave) fetchDeviceAttrs(ctx context.Context) (map[string]any, error) {
	result, err := s.client.Request(ctx, "GET", "/device", nil, 0)
	if err != nil {
		return nil, err
	}
	attrs, ok := result.(map[string]any)
	if !ok {
		return nil, errors.Wrap(errors.ErrInvalidDevice, "slaves",
			"fetchDeviceAttrs", "unexpected device payload")
	}
	return attrs, nil
}

// handleDeviceAttrs diffs a fresh attribute snapshot against the
// cache. A changed name means the slave was renamed remotely.
func (s *Slave) handleDeviceAttrs(ctx context.Context, attrs map[string]any) error {
	newName, _ := attrs["name"].(string)

	s.mu.Lock()
	currentName := s.name
	changed := !attrsEqual(s.cachedAttrs, attrs)
	if changed {
		s.cachedAttrs = attrs
	}
	s.mu.Unlock()

	if newName != "" && newName != currentName {
		return s.manager.renameSlave(ctx, s, newName)
	}
	if changed {
		if err := s.save(ctx); err != nil {
			return err
		}
		s.triggerUpdate(ctx)
	}
	return nil
}

// triggerUpdate announces the slave's state on the bus.
func (s *Slave) triggerUpdate(ctx context.Context) {
	s.manager.bus.Trigger(ctx, events.NewSlaveDeviceUpdate(s.Name(),
		func(context.Context) (any, error) { return s.ToJSON(), nil }))
}

func attrsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(v, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && attrsEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
