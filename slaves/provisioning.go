package slaves

import (
	"context"
	"sort"
	"time"

	"github.com/qtoggle/qtoggleserver/errors"
)

// SetDeviceAttrs applies attribute changes to the slave's device.
// While the slave cannot be reached the changes land in the local
// cache and their names are queued for provisioning.
func (s *Slave) SetDeviceAttrs(ctx context.Context, attrs map[string]any) error {
	if len(attrs) == 0 {
		return nil
	}

	if !s.IsOnline() {
		if !s.IsEnabled() && !s.IsPermanentlyOffline() {
			return errors.ErrDeviceOffline
		}
		s.mu.Lock()
		for name, value := range attrs {
			s.cachedAttrs[name] = value
			s.provisioningAttrs[name] = struct{}{}
		}
		s.mu.Unlock()
		if err := s.save(ctx); err != nil {
			return err
		}
		s.triggerUpdate(ctx)
		return nil
	}

	if _, err := s.client.RequestRetried(ctx, "PATCH", "/device", attrs, 0); err != nil {
		return err
	}

	s.mu.Lock()
	for name, value := range attrs {
		s.cachedAttrs[name] = value
	}
	s.mu.Unlock()
	if err := s.save(ctx); err != nil {
		return err
	}
	s.triggerUpdate(ctx)
	return nil
}

// SetWebhooksParams forwards or queues the slave's webhooks settings.
func (s *Slave) SetWebhooksParams(ctx context.Context, params map[string]any) error {
	return s.setServiceParams(ctx, "/webhooks", params,
		func() map[string]any { return s.cachedWebhooks },
		s.provisioningWebhooks)
}

// SetReverseParams forwards or queues the slave's reverse settings.
func (s *Slave) SetReverseParams(ctx context.Context, params map[string]any) error {
	return s.setServiceParams(ctx, "/reverse", params,
		func() map[string]any { return s.cachedReverse },
		s.provisioningReverse)
}

func (s *Slave) setServiceParams(ctx context.Context, path string,
	params map[string]any, cache func() map[string]any,
	provisioning map[string]struct{}) error {

	if !s.IsOnline() {
		if !s.IsEnabled() && !s.IsPermanentlyOffline() {
			return errors.ErrDeviceOffline
		}
		s.mu.Lock()
		cached := cache()
		for name, value := range params {
			cached[name] = value
			provisioning[name] = struct{}{}
		}
		s.mu.Unlock()
		return s.save(ctx)
	}

	if _, err := s.client.RequestRetried(ctx, "PUT", path, params, 0); err != nil {
		return err
	}
	s.mu.Lock()
	cached := cache()
	for name, value := range params {
		cached[name] = value
	}
	s.mu.Unlock()
	return s.save(ctx)
}

// queuePortAttrs records a mirrored-port attribute update for replay
// on the slave's next wake.
func (s *Slave) queuePortAttrs(ctx context.Context, remoteID string,
	attrs map[string]any) {

	s.mu.Lock()
	queued := s.provisioningPortAttrs[remoteID]
	if queued == nil {
		queued = map[string]any{}
		s.provisioningPortAttrs[remoteID] = queued
	}
	for name, value := range attrs {
		queued[name] = value
	}
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		s.logger.Error("cannot persist provisioning", "error", err)
	}
}

// queuePortValue records a mirrored-port value write for replay.
func (s *Slave) queuePortValue(ctx context.Context, remoteID string,
	value float64) {

	s.mu.Lock()
	s.provisioningPortValues[remoteID] = value
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		s.logger.Error("cannot persist provisioning", "error", err)
	}
}

// applyProvisioning replays everything queued while the slave was
// unreachable. Queued device attributes go out in a single PATCH
// carrying all pending fields; webhooks and reverse settings each go
// out as one PUT of the full cached parameter set.
func (s *Slave) applyProvisioning(ctx context.Context) error {
	s.mu.Lock()
	attrs := map[string]any{}
	for name := range s.provisioningAttrs {
		if value, ok := s.cachedAttrs[name]; ok {
			attrs[name] = value
		}
	}
	var webhooks, reverse map[string]any
	if len(s.provisioningWebhooks) > 0 {
		webhooks = copyMap(s.cachedWebhooks)
	}
	if len(s.provisioningReverse) > 0 {
		reverse = copyMap(s.cachedReverse)
	}
	portAttrs := map[string]map[string]any{}
	for remoteID, queued := range s.provisioningPortAttrs {
		portAttrs[remoteID] = copyMap(queued)
	}
	portValues := map[string]float64{}
	for remoteID, value := range s.provisioningPortValues {
		portValues[remoteID] = value
	}
	pending := len(attrs) > 0 || webhooks != nil || reverse != nil ||
		len(portAttrs) > 0 || len(portValues) > 0
	s.mu.Unlock()

	if !pending {
		// Nothing queued; the reconnect still refreshes the cached
		// service params, which may have changed behind our back.
		s.refreshServiceParams(ctx, webhooks == nil, reverse == nil)
		if err := s.save(ctx); err != nil {
			s.logger.Error("cannot persist slave state", "error", err)
		}
		return nil
	}
	s.logger.Info("replaying provisioning",
		"attrs", len(attrs), "port_attrs", len(portAttrs),
		"port_values", len(portValues))

	if len(attrs) > 0 {
		if _, err := s.client.Request(ctx, "PATCH", "/device", attrs, 0); err != nil {
			return err
		}
	}
	if webhooks != nil {
		if _, err := s.client.Request(ctx, "PUT", "/webhooks", webhooks, 0); err != nil {
			return err
		}
	}
	if reverse != nil {
		if _, err := s.client.Request(ctx, "PUT", "/reverse", reverse, 0); err != nil {
			return err
		}
	}
	s.refreshServiceParams(ctx, webhooks == nil, reverse == nil)

	remoteIDs := make([]string, 0, len(portAttrs))
	for remoteID := range portAttrs {
		remoteIDs = append(remoteIDs, remoteID)
	}
	sort.Strings(remoteIDs)
	for _, remoteID := range remoteIDs {
		_, err := s.client.Request(ctx, "PATCH", "/ports/"+remoteID,
			portAttrs[remoteID], 0)
		if err != nil {
			return err
		}
	}

	valueIDs := make([]string, 0, len(portValues))
	for remoteID := range portValues {
		valueIDs = append(valueIDs, remoteID)
	}
	sort.Strings(valueIDs)
	for _, remoteID := range valueIDs {
		_, err := s.client.Request(ctx, "PATCH",
			"/ports/"+remoteID+"/value", portValues[remoteID], 0)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.provisioningAttrs = map[string]struct{}{}
	s.provisioningWebhooks = map[string]struct{}{}
	s.provisioningReverse = map[string]struct{}{}
	s.provisioningPortAttrs = map[string]map[string]any{}
	s.provisioningPortValues = map[string]float64{}
	s.mu.Unlock()

	if err := s.save(ctx); err != nil {
		return err
	}
	s.triggerUpdate(ctx)
	return nil
}

// refreshServiceParams re-reads the slave's webhooks/reverse params
// into the cache, for whichever of the two had no queued PUT. Best
// effort: slaves without the feature answer no-such-function.
func (s *Slave) refreshServiceParams(ctx context.Context, webhooks, reverse bool) {
	fetch := func(path string) (map[string]any, bool) {
		result, err := s.client.Request(ctx, "GET", path, nil, 0)
		if err != nil {
			s.logger.Debug("cannot refresh service params",
				"path", path, "error", err)
			return nil, false
		}
		params, ok := result.(map[string]any)
		return params, ok
	}

	if webhooks {
		if params, ok := fetch("/webhooks"); ok {
			s.mu.Lock()
			s.cachedWebhooks = params
			s.mu.Unlock()
		}
	}
	if reverse {
		if params, ok := fetch("/reverse"); ok {
			s.mu.Lock()
			s.cachedReverse = params
			s.mu.Unlock()
		}
	}
}

// HandleDeviceEvent processes an event the slave pushed to the master
// (webhook or reverse origin). A pushed event also proves the device
// is awake, which drives permanently-offline slaves through their
// online cycle.
func (s *Slave) HandleDeviceEvent(ctx context.Context, eventType string,
	params map[string]any) error {

	if !s.IsEnabled() {
		return errors.ErrDeviceDisabled
	}

	if s.IsPermanentlyOffline() && !s.IsOnline() {
		go func() {
			wakeCtx, cancel := context.WithTimeout(context.Background(),
				s.client.longTimeout)
			defer cancel()
			s.setOnline(wakeCtx)
			s.setOffline(wakeCtx)
		}()
	}

	switch eventType {
	case "value-change":
		return s.handleValueChange(ctx, params)
	case "port-update":
		return s.handlePortUpdate(ctx, params)
	case "port-add":
		return s.handlePortAdd(ctx, params)
	case "port-remove":
		id, _ := params["id"].(string)
		return s.handlePortRemove(ctx, id)
	case "device-update":
		return s.handleDeviceAttrs(ctx, params)
	default:
		return errors.InvalidField("type", eventType)
	}
}

// handleValueChange refreshes a mirrored port's cached value.
func (s *Slave) handleValueChange(ctx context.Context, params map[string]any) error {
	remoteID, _ := params["id"].(string)
	p, ok := s.localPort(remoteID)
	if !ok {
		return errors.ErrNoSuchPort
	}

	p.updateValue(ctx, remoteValue(params["value"]))
	return nil
}

// handlePortUpdate refreshes a mirrored port's remote attributes.
func (s *Slave) handlePortUpdate(ctx context.Context, attrs map[string]any) error {
	remoteID, _ := attrs["id"].(string)
	p, ok := s.localPort(remoteID)
	if !ok {
		return s.handlePortAdd(ctx, attrs)
	}
	p.applyRemoteAttrs(attrs)
	if v, present := attrs["value"]; present {
		p.updateValue(ctx, remoteValue(v))
	}
	s.manager.triggerPortUpdate(ctx, p)
	return nil
}

// handlePortAdd mirrors a newly announced remote port.
func (s *Slave) handlePortAdd(ctx context.Context, attrs map[string]any) error {
	remoteID, _ := attrs["id"].(string)
	if remoteID == "" {
		return errors.MissingField("id")
	}
	if p, ok := s.localPort(remoteID); ok {
		p.applyRemoteAttrs(attrs)
		if v, present := attrs["value"]; present {
			p.updateValue(ctx, remoteValue(v))
		}
		s.manager.triggerPortUpdate(ctx, p)
		return nil
	}

	p := newSlavePort(s, remoteID, attrs)
	if err := s.manager.registry.Add(ctx, p); err != nil {
		return err
	}
	// Registration may restore a stale persisted enabled flag; the
	// remote announcement wins.
	p.applyRemoteAttrs(attrs)
	if v := remoteValue(attrs["value"]); v != nil {
		p.updateValue(ctx, v)
	}
	return nil
}

// handlePortRemove drops a mirrored port that disappeared remotely,
// forgetting its persisted attributes too.
func (s *Slave) handlePortRemove(ctx context.Context, remoteID string) error {
	p, ok := s.localPort(remoteID)
	if !ok {
		return errors.ErrNoSuchPort
	}
	return s.manager.registry.Remove(ctx, p.ID(), true)
}

// localPort finds the mirror of a remote port by its remote id.
func (s *Slave) localPort(remoteID string) (*SlavePort, bool) {
	p, ok := s.manager.registry.Get(s.Name() + "." + remoteID)
	if !ok {
		return nil, false
	}
	sp, ok := p.(*SlavePort)
	if !ok || sp.slave != s {
		return nil, false
	}
	return sp, true
}

// localPorts lists this slave's mirrored ports.
func (s *Slave) localPorts() []*SlavePort {
	var mirrored []*SlavePort
	for _, p := range s.manager.registry.All() {
		if sp, ok := p.(*SlavePort); ok && sp.slave == s {
			mirrored = append(mirrored, sp)
		}
	}
	return mirrored
}

// removeLocalPorts drops the mirrored ports from the registry.
// Persisted attributes are forgotten only on slave removal.
func (s *Slave) removeLocalPorts(ctx context.Context, forgetPersisted bool) {
	for _, p := range s.localPorts() {
		if err := s.manager.registry.Remove(ctx, p.ID(), forgetPersisted); err != nil {
			s.logger.Error("cannot remove mirrored port",
				"port", p.ID(), "error", err)
		}
	}
}

// StartFirmwareUpdate asks the slave to flash the given version and
// follows the update until the device settles back to idle.
func (s *Slave) StartFirmwareUpdate(ctx context.Context, params map[string]any) error {
	s.mu.Lock()
	if s.fwupdatePolling {
		s.mu.Unlock()
		return errors.ErrDeviceBusy
	}
	if !s.online {
		s.mu.Unlock()
		return errors.ErrDeviceOffline
	}
	s.fwupdatePolling = true
	s.mu.Unlock()

	if _, err := s.client.Request(ctx, "PATCH", "/firmware", params,
		s.client.longTimeout); err != nil {

		s.mu.Lock()
		s.fwupdatePolling = false
		s.mu.Unlock()
		return err
	}

	go s.pollFirmwareUpdate()
	return nil
}

// pollFirmwareUpdate checks the firmware status every 30 seconds and
// gives up after 5 minutes. The device rebooting mid-update shows up
// as transport errors, which just mean "keep waiting".
func (s *Slave) pollFirmwareUpdate() {
	defer func() {
		s.mu.Lock()
		s.fwupdatePolling = false
		s.mu.Unlock()
	}()

	deadline := s.now().Add(fwupdateMaxDuration)
	for s.now().Before(deadline) {
		time.Sleep(fwupdatePollInterval)

		ctx, cancel := context.WithTimeout(context.Background(), s.client.timeout)
		result, err := s.client.Request(ctx, "GET", "/firmware", nil, 0)
		cancel()
		if err != nil {
			continue
		}
		status, _ := result.(map[string]any)
		if state, _ := status["status"].(string); state == "idle" {
			s.logger.Info("firmware update finished")
			return
		}
	}
	s.logger.Warn("firmware update polling timed out")
}

// IsFirmwareUpdating reports an in-flight firmware update.
func (s *Slave) IsFirmwareUpdating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fwupdatePolling
}

// save persists the slave record under its name.
func (s *Slave) save(ctx context.Context) error {
	// Snapshot the mirrors' remote state first, outside s.mu. Master
	// attributes persist through the regular port records.
	var mirrored map[string]any
	if s.IsPermanentlyOffline() {
		mirrored = map[string]any{}
		for _, p := range s.localPorts() {
			attrs := p.remoteSnapshot()
			attrs["value"] = p.ExportValue(p.LastReadValue())
			mirrored[p.RemoteID()] = attrs
		}
	}

	s.mu.Lock()
	record := map[string]any{
		"scheme":              s.scheme,
		"host":                s.host,
		"port":                int64(s.port),
		"path":                s.path,
		"admin_password_hash": s.client.adminPasswordHash,
		"poll_interval":       s.pollInterval,
		"listen_enabled":      s.listenEnabled,
		"enabled":             s.enabled,
		"last_sync":           s.lastSync,
		"attrs":               copyMap(s.cachedAttrs),
		"webhooks":            copyMap(s.cachedWebhooks),
		"reverse":             copyMap(s.cachedReverse),
		"provisioning_attrs":    setToList(s.provisioningAttrs),
		"provisioning_webhooks": setToList(s.provisioningWebhooks),
		"provisioning_reverse":  setToList(s.provisioningReverse),
	}
	if len(s.provisioningPortAttrs) > 0 {
		queued := map[string]any{}
		for remoteID, attrs := range s.provisioningPortAttrs {
			queued[remoteID] = copyMap(attrs)
		}
		record["provisioning_port_attrs"] = queued
	}
	if len(s.provisioningPortValues) > 0 {
		queued := map[string]any{}
		for remoteID, value := range s.provisioningPortValues {
			queued[remoteID] = value
		}
		record["provisioning_port_values"] = queued
	}
	if mirrored != nil {
		record["port_attrs"] = mirrored
	}
	name := s.name
	s.mu.Unlock()

	return s.manager.store.Replace(ctx, CollSlaves, name, record)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func setToList(set map[string]struct{}) []any {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]any, len(names))
	for i, name := range names {
		list[i] = name
	}
	return list
}

func listToSet(list any) map[string]struct{} {
	set := map[string]struct{}{}
	items, _ := list.([]any)
	for _, item := range items {
		if name, ok := item.(string); ok {
			set[name] = struct{}{}
		}
	}
	return set
}
