package device

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/persist"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	store := persist.NewStore(persist.NewMemoryDriver(), nil)
	bus := events.NewBus(nil)
	return New(store, bus, Options{
		Name:  "master",
		Flags: []string{"expressions", "master", "listen"},
	}, nil)
}

func TestCatalogFiltersDisabled(t *testing.T) {
	catalog := NewCatalog([]*Attrdef{
		{Name: "visible", Type: TypeString},
		{Name: "hidden", Type: TypeString, Enabled: func() bool { return false }},
	}, nil)

	_, ok := catalog.Lookup("visible")
	assert.True(t, ok)
	_, ok = catalog.Lookup("hidden")
	assert.False(t, ok)
}

func TestCatalogResolvesComputedMetadata(t *testing.T) {
	maxVal := 10.0
	catalog := NewCatalog([]*Attrdef{
		{
			Name: "attr", Type: TypeNumber,
			ModifiableFn: func() bool { return true },
			MaxFn:        func() *float64 { return &maxVal },
		},
	}, nil)

	def, ok := catalog.Lookup("attr")
	require.True(t, ok)
	assert.True(t, def.Modifiable)
	require.NotNil(t, def.Max)
	assert.Equal(t, 10.0, *def.Max)
}

func TestGetAttrsBatchesOnce(t *testing.T) {
	calls := 0
	call := &BatchCall{
		Name: "net_config",
		Get: func(context.Context) (map[string]any, error) {
			calls++
			return map[string]any{"ssid": "home", "psk": "secret"}, nil
		},
	}
	catalog := NewCatalog([]*Attrdef{
		{Name: "ssid", Type: TypeString, Batched: &Batched{Call: call, Key: "ssid"}},
		{Name: "psk", Type: TypeString, WriteOnly: true,
			Batched: &Batched{Call: call, Key: "psk"}},
	}, nil)

	attrs, err := catalog.GetAttrs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "home", attrs["ssid"])
	assert.NotContains(t, attrs, "psk") // write-only
}

func TestSetAttrsGroupsBatchCalls(t *testing.T) {
	var (
		setCalls int
		applied  map[string]any
	)
	call := &BatchCall{
		Name: "net_config",
		Get: func(context.Context) (map[string]any, error) {
			return map[string]any{"ssid": "old", "psk": "secret", "bssid": ""}, nil
		},
		Set: func(_ context.Context, fields map[string]any) error {
			setCalls++
			applied = fields
			return nil
		},
	}
	catalog := NewCatalog([]*Attrdef{
		{Name: "ssid", Type: TypeString, Modifiable: true, Reboot: true,
			Batched: &Batched{Call: call, Key: "ssid"}},
		{Name: "bssid", Type: TypeString, Modifiable: true, Reboot: true,
			Batched: &Batched{Call: call, Key: "bssid"}},
	}, nil)

	reboot, err := catalog.SetAttrs(context.Background(), map[string]any{
		"ssid":  "new",
		"bssid": "aa:bb",
	}, false)
	require.NoError(t, err)
	assert.True(t, reboot)
	assert.Equal(t, 1, setCalls)

	// Untouched fields are carried over from the getter snapshot.
	assert.Equal(t, map[string]any{"ssid": "new", "psk": "secret", "bssid": "aa:bb"},
		applied)
}

func TestSetAttrsRejections(t *testing.T) {
	catalog := NewCatalog([]*Attrdef{
		{Name: "fixed", Type: TypeString},
		{Name: "free", Type: TypeString, Modifiable: true,
			Set: func(context.Context, any) error { return nil }},
	}, nil)

	_, err := catalog.SetAttrs(context.Background(),
		map[string]any{"unknown": 1}, false)
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no-such-attribute", apiErr.Code)

	_, err = catalog.SetAttrs(context.Background(),
		map[string]any{"fixed": "x"}, false)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid-field", apiErr.Code)

	// ignoreExtra skips unknown attrs instead of failing.
	_, err = catalog.SetAttrs(context.Background(),
		map[string]any{"unknown": 1, "free": "ok"}, true)
	assert.NoError(t, err)
}

func TestSchemaDerivation(t *testing.T) {
	minVal, maxVal := 0.0, 100.0
	catalog := NewCatalog([]*Attrdef{
		{Name: "level", Type: TypeNumber, Modifiable: true, Min: &minVal, Max: &maxVal},
		{Name: "mode", Type: TypeString, Modifiable: true,
			Choices: []any{"auto", "manual"}},
		{Name: "readonly", Type: TypeString},
	}, nil)

	schema := catalog.Schema(false)
	properties := schema["properties"].(map[string]any)

	level := properties["level"].(map[string]any)
	assert.Equal(t, 0.0, level["minimum"])
	assert.Equal(t, 100.0, level["maximum"])

	mode := properties["mode"].(map[string]any)
	assert.Equal(t, []any{"auto", "manual"}, mode["enum"])

	assert.NotContains(t, properties, "readonly")
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, true, catalog.Schema(true)["additionalProperties"])
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	minVal, maxVal := 0.0, 100.0
	catalog := NewCatalog([]*Attrdef{
		{Name: "level", Type: TypeNumber, Modifiable: true, Min: &minVal, Max: &maxVal,
			Set: func(context.Context, any) error { return nil }},
	}, nil)

	_, err := catalog.SetAttrs(context.Background(),
		map[string]any{"level": 150.0}, false)
	var apiErr *errors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid-field", apiErr.Code)
	assert.Equal(t, "level", apiErr.Params["field"])
}

func TestDeviceNamePersists(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	assert.Equal(t, "master", d.Name(ctx))

	_, err := d.SetAttrs(ctx, map[string]any{"name": "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", d.Name(ctx))
}

func TestDevicePasswords(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	empty := HashPassword("")
	assert.Equal(t, empty, d.PasswordHash(ctx, events.AccessAdmin))

	_, err := d.SetAttrs(ctx, map[string]any{"admin_password": "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, HashPassword("hunter2"), d.PasswordHash(ctx, events.AccessAdmin))

	// Passwords never come back out through GetAttrs.
	attrs, err := d.GetAttrs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, attrs, "admin_password")
}

func TestWifiAttrsShareOneConfig(t *testing.T) {
	d := newTestDevice(t)
	ctx := context.Background()

	reboot, err := d.SetAttrs(ctx, map[string]any{
		"wifi_ssid": "home",
		"wifi_psk":  "secret",
	})
	require.NoError(t, err)
	assert.True(t, reboot)

	attrs, err := d.GetAttrs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "home", attrs["wifi_ssid"])
	assert.NotContains(t, attrs, "wifi_psk")
}

func TestStandardAttrs(t *testing.T) {
	d := newTestDevice(t)
	attrs, err := d.GetAttrs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Version, attrs["version"])
	assert.Equal(t, APIVersion, attrs["api_version"])
	assert.Contains(t, attrs["flags"], "master")
}

func TestWatchDetectsExternalWifiChange(t *testing.T) {
	store := persist.NewStore(persist.NewMemoryDriver(), nil)
	bus := events.NewBus(nil)
	d := New(store, bus, Options{Name: "master"}, nil)

	var mu sync.Mutex
	seen := false
	bus.AddHandler(events.HandlerFunc(
		func(_ context.Context, event events.Event) error {
			if event.Type() == events.TypeDeviceUpdate {
				mu.Lock()
				seen = true
				mu.Unlock()
			}
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx, 20*time.Millisecond) }()

	// Keep flipping the config underneath the watcher until a tick
	// catches a change.
	n := 0
	require.Eventually(t, func() bool {
		n++
		_ = store.SetValue(context.Background(), "wifi_config",
			map[string]any{"wifi_ssid": "net" + strconv.Itoa(n)})
		mu.Lock()
		defer mu.Unlock()
		return seen
	}, 3*time.Second, 30*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
