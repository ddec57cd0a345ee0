package slaves

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/ports"
)

// Attributes owned by the master for mirrored ports. Everything else
// is forwarded to the remote device.
var masterPortAttrs = map[string]struct{}{
	"id":                {},
	"tag":               {},
	"expression":        {},
	"history_interval":  {},
	"history_retention": {},
	"online":            {},
	"last_sync":         {},
	"expires":           {},
}

const devicePrefix = "device_"
const maxPrefixLevels = 9

// exposedAttrName maps a remote attribute name onto the name the
// master presents it under. Remote names colliding with master-owned
// attributes gain a device_ prefix, nested up to nine levels.
func exposedAttrName(remote string) string {
	if collidesWithMaster(remote) {
		return devicePrefix + remote
	}
	return remote
}

// remoteAttrName inverts exposedAttrName. ok is false for names the
// master owns itself.
func remoteAttrName(exposed string) (string, bool) {
	if _, master := masterPortAttrs[exposed]; master {
		return "", false
	}
	if strings.HasPrefix(exposed, devicePrefix) &&
		collidesWithMaster(strings.TrimPrefix(exposed, devicePrefix)) {
		return strings.TrimPrefix(exposed, devicePrefix), true
	}
	return exposed, true
}

func collidesWithMaster(name string) bool {
	stripped := name
	for i := 0; i < maxPrefixLevels; i++ {
		if _, ok := masterPortAttrs[stripped]; ok {
			return true
		}
		if !strings.HasPrefix(stripped, devicePrefix) {
			return false
		}
		stripped = strings.TrimPrefix(stripped, devicePrefix)
	}
	return false
}

// slaveDriver backs a mirrored port with the cached remote value.
// Writes go straight to the slave when it is online and are queued as
// provisioning otherwise.
type slaveDriver struct {
	mu       sync.Mutex
	value    *float64
	syncedMS int64

	port *SlavePort
}

func (d *slaveDriver) Read(context.Context) (*float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.value != nil && d.port.expiresSeconds() > 0 {
		age := d.port.slave.nowMS() - d.syncedMS
		if age > d.port.expiresSeconds()*1000 {
			d.value = nil
		}
	}
	return d.value, nil
}

func (d *slaveDriver) Write(ctx context.Context, value float64) error {
	return d.port.writeRemoteValue(ctx, value)
}

func (d *slaveDriver) update(value *float64, nowMS int64) {
	d.mu.Lock()
	d.value = value
	d.syncedMS = nowMS
	d.mu.Unlock()
}

// SlavePort mirrors one remote port under the id
// "<slave name>.<remote id>".
type SlavePort struct {
	*ports.BasePort

	slave    *Slave
	remoteID string
	driver   *slaveDriver

	rmu         sync.Mutex
	remoteAttrs map[string]any
	enabled     bool
	lastSync    int64
	expires     int64
}

func newSlavePort(s *Slave, remoteID string, attrs map[string]any) *SlavePort {
	typ := ports.TypeNumber
	if t, _ := attrs["type"].(string); t == "boolean" {
		typ = ports.TypeBoolean
	}
	writable, _ := attrs["writable"].(bool)

	p := &SlavePort{
		slave:       s,
		remoteID:    remoteID,
		remoteAttrs: map[string]any{},
		lastSync:    -1,
	}
	p.driver = &slaveDriver{port: p}
	p.BasePort = ports.NewBasePort(s.Name()+"."+remoteID, typ, writable,
		p.driver, s.logger)
	p.applyRemoteAttrs(attrs)
	return p
}

// IsPersisted: ports of permanently-offline slaves carry their whole
// remote state locally and must survive restarts. Other mirrored
// ports persist only their master-owned attributes.
func (p *SlavePort) IsPersisted() bool { return true }

// IsEnabled combines the remote enabled flag with slave readiness.
// Permanently-offline slaves master the flag locally.
func (p *SlavePort) IsEnabled() bool {
	p.rmu.Lock()
	enabled := p.enabled
	p.rmu.Unlock()
	if !enabled {
		return false
	}
	return p.slave.IsReady() || p.slave.IsPermanentlyOffline()
}

// RemoteID returns the port's id on the slave device.
func (p *SlavePort) RemoteID() string { return p.remoteID }

func (p *SlavePort) expiresSeconds() int64 {
	p.rmu.Lock()
	defer p.rmu.Unlock()
	return p.expires
}

// updateValue refreshes the cached remote value and surfaces the
// change through the regular read path.
func (p *SlavePort) updateValue(ctx context.Context, value *float64) {
	p.rmu.Lock()
	p.lastSync = p.slave.nowMS() / 1000
	p.rmu.Unlock()

	p.driver.update(value, p.slave.nowMS())
	if _, err := p.ReadValue(ctx); err != nil &&
		!errors.Is(err, errors.ErrPortDisabled) {
		p.slave.logger.Debug("mirrored value refresh failed",
			"port", p.ID(), "error", err)
	}
}

// applyRemoteAttrs replaces the cached remote attribute snapshot. The
// embedded port's enabled flag is kept in sync so the read and write
// paths see the remote state.
func (p *SlavePort) applyRemoteAttrs(attrs map[string]any) {
	p.rmu.Lock()
	p.remoteAttrs = map[string]any{}
	for name, value := range attrs {
		switch name {
		case "id", "value":
			continue
		case "enabled":
			p.enabled, _ = value.(bool)
		default:
			p.remoteAttrs[name] = value
		}
	}
	enabled := p.enabled
	p.rmu.Unlock()

	p.SetEnabled(enabled)

	if min, ok := toFloat(attrs["min"]); ok {
		if max, ok2 := toFloat(attrs["max"]); ok2 {
			var step *float64
			if sv, ok3 := toFloat(attrs["step"]); ok3 {
				step = &sv
			}
			integer, _ := attrs["integer"].(bool)
			choices, _ := attrs["choices"].([]any)
			p.SetBounds(&min, &max, step, integer, choices)
		}
	}
}

// GetAttrs merges master-owned attributes with the remote snapshot,
// remote names mapped through the device_ prefix scheme.
func (p *SlavePort) GetAttrs(ctx context.Context) (map[string]any, error) {
	attrs, err := p.BasePort.GetAttrs(ctx)
	if err != nil {
		return nil, err
	}

	p.rmu.Lock()
	attrs["enabled"] = p.enabled
	attrs["online"] = p.enabled &&
		(p.slave.IsReady() || p.slave.IsPermanentlyOffline())
	attrs["last_sync"] = p.lastSync
	attrs["expires"] = p.expires
	for name, value := range p.remoteAttrs {
		attrs[exposedAttrName(name)] = value
	}
	p.rmu.Unlock()

	return attrs, nil
}

// SetAttrs splits the update: master-owned attributes apply locally,
// the rest is forwarded to the slave, or queued as provisioning while
// it cannot be reached.
func (p *SlavePort) SetAttrs(ctx context.Context, attrs map[string]any) error {
	local := map[string]any{}
	remote := map[string]any{}

	for name, value := range attrs {
		if name == "expires" {
			ev, ok := toInt(value)
			if !ok || ev < 0 {
				return errors.InvalidField("expires")
			}
			p.rmu.Lock()
			p.expires = ev
			p.rmu.Unlock()
			continue
		}
		if remoteName, forwarded := remoteAttrName(name); forwarded {
			remote[remoteName] = value
		} else {
			local[name] = value
		}
	}

	if len(local) > 0 {
		if err := p.BasePort.SetAttrs(ctx, local); err != nil {
			return err
		}
	}
	if len(remote) > 0 {
		if err := p.forwardAttrs(ctx, remote); err != nil {
			return err
		}
	}
	return nil
}

// forwardAttrs pushes remote-owned attribute changes to the slave.
// Field names in slave error responses are mapped back to the names
// the caller used.
func (p *SlavePort) forwardAttrs(ctx context.Context, attrs map[string]any) error {
	if !p.slave.IsOnline() {
		if p.slave.IsPermanentlyOffline() || p.slave.IsEnabled() {
			p.slave.queuePortAttrs(ctx, p.remoteID, attrs)
			p.applyQueuedAttrs(attrs)
			return nil
		}
		return errors.ErrDeviceOffline
	}

	_, err := p.slave.client.RequestRetried(ctx, "PATCH",
		"/ports/"+p.remoteID, attrs, 0)
	if err != nil {
		return rewriteFieldError(err)
	}

	p.applyQueuedAttrs(attrs)
	return nil
}

// applyQueuedAttrs folds an accepted or queued update into the cached
// snapshot so the master's view stays coherent.
func (p *SlavePort) applyQueuedAttrs(attrs map[string]any) {
	p.rmu.Lock()
	for name, value := range attrs {
		if name == "enabled" {
			p.enabled, _ = value.(bool)
			continue
		}
		p.remoteAttrs[name] = value
	}
	enabled := p.enabled
	p.rmu.Unlock()

	p.SetEnabled(enabled)
}

// writeRemoteValue is the driver write path: straight through when
// online, queued for replay when the slave sleeps.
func (p *SlavePort) writeRemoteValue(ctx context.Context, value float64) error {
	if !p.slave.IsOnline() {
		if p.slave.IsPermanentlyOffline() || p.slave.IsEnabled() {
			p.slave.queuePortValue(ctx, p.remoteID, value)
			p.driver.update(&value, p.slave.nowMS())
			return nil
		}
		return errors.ErrDeviceOffline
	}

	_, err := p.slave.client.RequestRetried(ctx, "PATCH",
		"/ports/"+p.remoteID+"/value", value, 0)
	if err != nil {
		return err
	}
	p.driver.update(&value, p.slave.nowMS())
	return nil
}

// remoteSnapshot reconstructs the wire form of the remote port, good
// enough to rebuild the mirror from.
func (p *SlavePort) remoteSnapshot() map[string]any {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	attrs := make(map[string]any, len(p.remoteAttrs)+2)
	for name, value := range p.remoteAttrs {
		attrs[name] = value
	}
	attrs["id"] = p.remoteID
	attrs["enabled"] = p.enabled
	return attrs
}

// ToJSON mirrors GetAttrs plus the current value.
func (p *SlavePort) ToJSON(ctx context.Context) (map[string]any, error) {
	attrs, err := p.GetAttrs(ctx)
	if err != nil {
		return nil, err
	}
	attrs["value"] = p.ExportValue(p.LastReadValue())
	return attrs, nil
}

// rewriteFieldError maps field names in slave invalid-field errors to
// the exposed names the master's caller used.
func rewriteFieldError(err error) error {
	var apiErr *errors.APIError
	if !errors.As(err, &apiErr) || apiErr.Params == nil {
		return err
	}
	if field, ok := apiErr.Params["field"].(string); ok {
		mapped := exposedAttrName(field)
		if mapped != field {
			rewritten := &errors.APIError{
				Code:   apiErr.Code,
				Status: apiErr.Status,
				Params: map[string]any{},
			}
			for k, v := range apiErr.Params {
				rewritten.Params[k] = v
			}
			rewritten.Params["field"] = mapped
			return rewritten
		}
	}
	return err
}

// remoteValue converts a wire port value to the internal number form.
// Booleans map to 0/1; null and absent values mean unavailable.
func remoteValue(v any) *float64 {
	if b, ok := v.(bool); ok {
		n := 0.0
		if b {
			n = 1.0
		}
		return &n
	}
	if n, ok := toFloat(v); ok {
		return &n
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func (s *Slave) nowMS() int64 {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	if now == nil {
		return time.Now().UnixMilli()
	}
	return now().UnixMilli()
}
