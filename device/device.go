package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/persist"
)

// Version is the firmware/software version reported by the device.
const Version = "1.0.0"

// APIVersion is the qToggle API revision this device speaks.
const APIVersion = "1.1"

const nameMaxLen = 32

// Options configures a Device.
type Options struct {
	Name     string // initial name when none is persisted
	Timezone string
	Flags    []string
	Extra    []*Attrdef // additional attrs contributed by the host
}

// Device owns the master device's attribute catalog and persisted
// attribute values.
type Device struct {
	mu        sync.Mutex
	catalog   *Catalog
	store     *persist.Store
	bus       *events.Bus
	logger    *slog.Logger
	startedAt time.Time
	flags     []string
}

// New builds the device over the persistence store. Changed attributes
// are announced on the bus as device-update events.
func New(store *persist.Store, bus *events.Bus, opts Options,
	logger *slog.Logger) *Device {

	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		store:     store,
		bus:       bus,
		logger:    logger.With("component", "device"),
		startedAt: time.Now(),
		flags:     opts.Flags,
	}

	defs := d.standardAttrdefs(opts)
	defs = append(defs, opts.Extra...)
	d.catalog = NewCatalog(defs, logger)
	return d
}

// Catalog exposes the effective attribute catalog.
func (d *Device) Catalog() *Catalog { return d.catalog }

// Name returns the device's current name.
func (d *Device) Name(ctx context.Context) string {
	v, err := d.store.GetValue(ctx, "device_name", "qtoggleserver")
	if err != nil {
		d.logger.Error("cannot read device name", "error", err)
		return "qtoggleserver"
	}
	name, _ := v.(string)
	return name
}

// GetAttrs snapshots all readable device attributes.
func (d *Device) GetAttrs(ctx context.Context) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.catalog.GetAttrs(ctx)
}

// SetAttrs validates and applies attribute changes, fires a
// device-update event and reports whether a reboot is required.
func (d *Device) SetAttrs(ctx context.Context, attrs map[string]any) (bool, error) {
	d.mu.Lock()
	reboot, err := d.catalog.SetAttrs(ctx, attrs, false)
	d.mu.Unlock()
	if err != nil {
		return false, err
	}

	d.bus.Trigger(ctx, events.NewDeviceUpdate(d.paramsFunc()))
	return reboot, nil
}

// paramsFunc snapshots the attrs lazily, when the event is delivered.
func (d *Device) paramsFunc() events.ParamsFunc {
	return func(ctx context.Context) (any, error) {
		return d.GetAttrs(ctx)
	}
}

// TriggerUpdate fires a device-update event with a fresh attr
// snapshot.
func (d *Device) TriggerUpdate(ctx context.Context) {
	d.bus.Trigger(ctx, events.NewDeviceUpdate(d.paramsFunc()))
}

// PasswordHash returns the stored password hash for the given access
// level, or the empty-password hash when none was ever set.
func (d *Device) PasswordHash(ctx context.Context, level events.AccessLevel) string {
	v, err := d.store.GetValue(ctx, passwordKey(level), HashPassword(""))
	if err != nil {
		d.logger.Error("cannot read password hash", "level", level, "error", err)
		return HashPassword("")
	}
	hash, _ := v.(string)
	return hash
}

// SetPasswordHash stores a password hash for the given access level.
func (d *Device) SetPasswordHash(ctx context.Context, level events.AccessLevel,
	hash string) error {

	return d.store.SetValue(ctx, passwordKey(level), hash)
}

// HashPassword derives the stored form of a plain-text password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func passwordKey(level events.AccessLevel) string {
	return level.String() + "_password_hash"
}

// Watch polls the Wi-Fi configuration and fires a device-update event
// whenever it changed underneath us. Blocks until ctx is done.
func (d *Device) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last, err := d.wifiConfig(ctx)
	if err != nil {
		d.logger.Warn("cannot snapshot wifi config", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := d.wifiConfig(ctx)
		if err != nil {
			d.logger.Warn("cannot read wifi config", "error", err)
			continue
		}
		if !wifiEqual(last, current) {
			d.logger.Info("wifi config changed externally")
			last = current
			d.TriggerUpdate(ctx)
		}
	}
}

func wifiEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (d *Device) wifiConfig(ctx context.Context) (map[string]any, error) {
	v, err := d.store.GetValue(ctx, "wifi_config", map[string]any{})
	if err != nil {
		return nil, errors.Wrap(err, "device", "wifiConfig", "read config")
	}
	config, _ := v.(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

func (d *Device) setWifiConfig(ctx context.Context, fields map[string]any) error {
	if err := d.store.SetValue(ctx, "wifi_config", fields); err != nil {
		return errors.Wrap(err, "device", "setWifiConfig", "store config")
	}
	return nil
}

func (d *Device) standardAttrdefs(opts Options) []*Attrdef {
	wifiCall := &BatchCall{
		Name: "wifi_config",
		Get:  d.wifiConfig,
		Set:  d.setWifiConfig,
	}

	stringValue := func(key, def string) Getter {
		return func(ctx context.Context) (any, error) {
			return d.store.GetValue(ctx, key, def)
		}
	}
	storeValue := func(key string) Setter {
		return func(ctx context.Context, value any) error {
			return d.store.SetValue(ctx, key, value)
		}
	}
	static := func(v any) Getter {
		return func(context.Context) (any, error) { return v, nil }
	}
	passwordSetter := func(level events.AccessLevel) Setter {
		return func(ctx context.Context, value any) error {
			password, _ := value.(string)
			return d.SetPasswordHash(ctx, level, HashPassword(password))
		}
	}

	nameMax := float64(nameMaxLen)

	return []*Attrdef{
		{
			Name: "name", Type: TypeString, Modifiable: true,
			Max: &nameMax, Pattern: "^[a-zA-Z_][a-zA-Z0-9_-]*$",
			Get: stringValue("device_name", opts.Name),
			Set: storeValue("device_name"),
		},
		{
			Name: "display_name", Type: TypeString, Modifiable: true,
			Max: &nameMax,
			Get: stringValue("display_name", ""),
			Set: storeValue("display_name"),
		},
		{
			Name: "version", Type: TypeString,
			Get: static(Version),
		},
		{
			Name: "api_version", Type: TypeString,
			Get: static(APIVersion),
		},
		{
			Name: "flags", Type: TypeList,
			Get: func(context.Context) (any, error) {
				flags := make([]any, len(d.flags))
				for i, f := range d.flags {
					flags[i] = f
				}
				return flags, nil
			},
		},
		{
			Name: "uptime", Type: TypeNumber,
			Get: func(context.Context) (any, error) {
				return time.Since(d.startedAt).Seconds(), nil
			},
		},
		{
			Name: "date", Type: TypeNumber,
			Get: func(context.Context) (any, error) {
				return float64(time.Now().Unix()), nil
			},
		},
		{
			Name: "timezone", Type: TypeString, Modifiable: true,
			Get: stringValue("timezone", opts.Timezone),
			Set: storeValue("timezone"),
		},
		{
			Name: "wifi_ssid", Type: TypeString, Modifiable: true,
			Reboot:  true,
			Batched: &Batched{Call: wifiCall, Key: "ssid"},
		},
		{
			Name: "wifi_psk", Type: TypeString, Modifiable: true,
			Reboot: true, WriteOnly: true,
			Batched: &Batched{Call: wifiCall, Key: "psk"},
		},
		{
			Name: "wifi_bssid", Type: TypeString, Modifiable: true,
			Reboot:  true,
			Batched: &Batched{Call: wifiCall, Key: "bssid"},
		},
		{
			Name: "admin_password", Type: TypeString, Modifiable: true,
			WriteOnly: true,
			Set:       passwordSetter(events.AccessAdmin),
		},
		{
			Name: "normal_password", Type: TypeString, Modifiable: true,
			WriteOnly: true,
			Set:       passwordSetter(events.AccessNormal),
		},
		{
			Name: "viewonly_password", Type: TypeString, Modifiable: true,
			WriteOnly: true,
			Set:       passwordSetter(events.AccessViewOnly),
		},
	}
}
