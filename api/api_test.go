package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/device"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/health"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
	"github.com/qtoggle/qtoggleserver/sessions"
	"github.com/qtoggle/qtoggleserver/slaves"
	"github.com/qtoggle/qtoggleserver/webhooks"
)

type harness struct {
	store    *persist.Store
	bus      *events.Bus
	registry *ports.Registry
	vports   *ports.VirtualPorts
	device   *device.Device
	sessions *sessions.Registry
	srv      *Server
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()

	h := &harness{
		store: persist.NewStore(persist.NewMemoryDriver(), nil),
		bus:   events.NewBus(nil),
	}
	h.registry = ports.NewRegistry(h.store, h.bus, nil)
	h.vports = ports.NewVirtualPorts(h.registry, h.store, nil)
	h.device = device.New(h.store, h.bus, device.Options{Name: "master"}, nil)
	h.sessions = sessions.NewRegistry(16, nil)

	deps := Deps{
		Device:   h.device,
		Registry: h.registry,
		VPorts:   h.vports,
		Sessions: h.sessions,
		Bus:      h.bus,
		Store:    h.store,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.srv = New(deps, Options{MaxTimeSkew: 300 * time.Second}, nil)
	return h
}

// emptyHash is the signing key all access levels start out with.
var emptyHash = device.HashPassword("")

func makeToken(t *testing.T, usr, ori, key string, iat int64) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": "qToggle",
		"ori": ori,
		"usr": usr,
		"iat": iat,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func adminToken(t *testing.T) string {
	return makeToken(t, "admin", "consumer", emptyHash, time.Now().Unix())
}

func viewonlyToken(t *testing.T) string {
	return makeToken(t, "viewonly", "consumer", emptyHash, time.Now().Unix())
}

func normalToken(t *testing.T) string {
	return makeToken(t, "normal", "consumer", emptyHash, time.Now().Unix())
}

func (h *harness) do(t *testing.T, method, path, token string,
	body any) *httptest.ResponseRecorder {

	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAuthLevels(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/device", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "authentication-required", body["error"])

	rec = h.do(t, "GET", "/device", viewonlyToken(t), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	bad := makeToken(t, "admin", "consumer", "wrong-key", time.Now().Unix())
	rec = h.do(t, "GET", "/device", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, "GET", "/device", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	attrs := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "master", attrs["name"])
}

func TestStaleTokenRejected(t *testing.T) {
	h := newHarness(t, nil)

	stale := makeToken(t, "admin", "consumer", emptyHash,
		time.Now().Add(-time.Hour).Unix())
	rec := h.do(t, "GET", "/device", stale, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAccessReportsLevel(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/access", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "none", decodeBody[map[string]any](t, rec)["level"])

	rec = h.do(t, "GET", "/access", normalToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "normal", decodeBody[map[string]any](t, rec)["level"])
}

func TestUnknownRouteAnswersJSON(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/nonsense", adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no-such-function",
		decodeBody[map[string]any](t, rec)["error"])
}

func TestVirtualPortLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	admin := adminToken(t)

	rec := h.do(t, "POST", "/ports", admin, map[string]any{
		"id": "vp1", "type": "number", "min": 0, "max": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "vp1", created["id"])

	// Creation with a normal token is refused.
	rec = h.do(t, "POST", "/ports", normalToken(t), map[string]any{
		"id": "vp2", "type": "number",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, "PATCH", "/ports/vp1", admin, map[string]any{"enabled": true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "PATCH", "/ports/vp1/value", normalToken(t), 42)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/ports/vp1/value", viewonlyToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 42.0, decodeBody[float64](t, rec))

	rec = h.do(t, "GET", "/ports", viewonlyToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]map[string]any](t, rec)
	require.Len(t, list, 1)

	rec = h.do(t, "DELETE", "/ports/vp1", admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/ports/vp1/value", viewonlyToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenRequiresSessionID(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest("GET", "/listen", nil)
	req.Header.Set("Authorization", "Bearer "+viewonlyToken(t))
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest("GET", "/listen", nil)
	req.Header.Set("Authorization", "Bearer "+viewonlyToken(t))
	req.Header.Set("Session-Id", "not/valid!")
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListenDeliversPushedEvents(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("GET", "/listen?timeout=3", nil)
		req.Header.Set("Authorization", "Bearer "+viewonlyToken(t))
		req.Header.Set("Session-Id", "abc123")
		rec := httptest.NewRecorder()
		h.srv.ServeHTTP(rec, req)
		done <- rec
	}()

	require.Eventually(t, func() bool { return h.sessions.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	h.sessions.Push(events.NewValueChange("p1", 13.0))

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		list := decodeBody[[]map[string]any](t, rec)
		require.Len(t, list, 1)
		assert.Equal(t, "value-change", list[0]["type"])
		params := list[0]["params"].(map[string]any)
		assert.Equal(t, "p1", params["id"])
		assert.Equal(t, 13.0, params["value"])
	case <-time.After(5 * time.Second):
		t.Fatal("listen request did not resolve")
	}
}

func TestSlaveRoutesWithoutFederation(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/devices", adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no-such-function",
		decodeBody[map[string]any](t, rec)["error"])
}

// fakeSlave answers just enough of the qToggle device API to be
// adopted.
func fakeSlave(t *testing.T, name string) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			switch {
			case r.Method == "GET" && r.URL.Path == "/device":
				_ = json.NewEncoder(w).Encode(map[string]any{
					"name": name, "version": "1.0",
				})
			case r.Method == "GET" && r.URL.Path == "/ports":
				_ = json.NewEncoder(w).Encode([]any{})
			default:
				w.WriteHeader(http.StatusNoContent)
			}
		}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func newSlavesHarness(t *testing.T) *harness {
	t.Helper()
	var manager *slaves.Manager
	h := newHarness(t, func(deps *Deps) {
		manager = slaves.NewManager(deps.Store, deps.Registry, deps.Bus, nil,
			slaves.Config{
				Timeout:       2 * time.Second,
				LongTimeout:   2 * time.Second,
				RetryCount:    1,
				RetryInterval: 10 * time.Millisecond,
			}, nil, nil)
		deps.Slaves = manager
	})
	t.Cleanup(manager.Stop)
	return h
}

func TestSlaveAdoptionOverAPI(t *testing.T) {
	h := newSlavesHarness(t)
	host, port := fakeSlave(t, "sl1")

	rec := h.do(t, "POST", "/devices", adminToken(t), map[string]any{
		"scheme": "http", "host": host, "port": port,
		"admin_password": "secret", "poll_interval": 0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "sl1", created["name"])
	assert.Equal(t, true, created["enabled"])

	rec = h.do(t, "GET", "/devices", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]map[string]any](t, rec)
	require.Len(t, list, 1)

	rec = h.do(t, "DELETE", "/devices/sl1", adminToken(t), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "DELETE", "/devices/sl1", adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSlaveEventPushAuthenticatesAsDevice(t *testing.T) {
	h := newSlavesHarness(t)
	host, port := fakeSlave(t, "sleepy")

	hash := device.HashPassword("slave-secret")
	_, err := h.srv.deps.Slaves.Add(context.Background(), "http", host, port,
		"", hash, 0, false)
	require.NoError(t, err)

	event := map[string]any{
		"type": "port-add",
		"params": map[string]any{
			"id": "relay", "type": "boolean", "writable": true,
			"enabled": true, "value": true,
		},
	}

	// A consumer-origin token is not accepted here.
	rec := h.do(t, "POST", "/devices/sleepy/events", adminToken(t), event)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong := makeToken(t, "", "device", "bad-hash", time.Now().Unix())
	rec = h.do(t, "POST", "/devices/sleepy/events", wrong, event)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good := makeToken(t, "", "device", hash, time.Now().Unix())
	rec = h.do(t, "POST", "/devices/sleepy/events", good, event)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := h.registry.Get("sleepy.relay")
	assert.True(t, ok)
}

func TestWebhooksParamsOverAPI(t *testing.T) {
	h := newHarness(t, func(deps *Deps) {
		deps.Webhooks = webhooks.New(deps.Store, nil, 0, nil)
	})

	rec := h.do(t, "PUT", "/webhooks", adminToken(t), map[string]any{
		"enabled": true, "scheme": "https", "host": "hooks.example.com",
		"port": 443, "path": "/ev", "password": "hunter2", "timeout": 5,
		"retries": 2,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/webhooks", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	params := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "hooks.example.com", params["host"])
	assert.Equal(t, device.HashPassword("hunter2"), params["password_hash"])
}

func TestFrontendPrefsKeptPerUser(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "PUT", "/frontend/prefs", adminToken(t),
		map[string]any{"theme": "dark"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/frontend/prefs", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	prefs := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "dark", prefs["theme"])

	// Another user sees their own, still empty, preferences.
	rec = h.do(t, "GET", "/frontend/prefs", viewonlyToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", rec.Body.String()[:4])
}

func TestDashboardPanelsRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	panels := []any{map[string]any{"id": "main", "widgets": []any{}}}
	rec := h.do(t, "PUT", "/frontend/dashboard/panels", normalToken(t), panels)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/frontend/dashboard/panels", viewonlyToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decodeBody[[]map[string]any](t, rec)
	require.Len(t, stored, 1)
	assert.Equal(t, "main", stored[0]["id"])
}

func TestDispatcherExecutesLocalCalls(t *testing.T) {
	h := newHarness(t, nil)
	dispatch := h.srv.Dispatcher()

	status, response := dispatch(context.Background(), "GET", "/device", nil)
	require.Equal(t, http.StatusOK, status)
	attrs := response.(map[string]any)
	assert.Equal(t, "master", attrs["name"])

	status, _ = dispatch(context.Background(), "GET", "/nonsense", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSystemExposesAttrSubset(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/system", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subset := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "master", subset["name"])
	assert.Contains(t, subset, "version")
	assert.Contains(t, subset, "api_version")
	assert.NotContains(t, subset, "flags")

	rec = h.do(t, "PUT", "/system", adminToken(t),
		map[string]any{"timezone": "Europe/Bucharest"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, "GET", "/system", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Europe/Bucharest",
		decodeBody[map[string]any](t, rec)["timezone"])
}

func TestPortsBulkRestore(t *testing.T) {
	h := newHarness(t, nil)
	admin := adminToken(t)

	rec := h.do(t, "PUT", "/ports", admin, []map[string]any{
		{
			"id": "vp1", "type": "number", "virtual": true,
			"enabled": true, "tag": "restored", "value": 7,
		},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	p, ok := h.registry.Get("vp1")
	require.True(t, ok)
	assert.True(t, p.IsEnabled())

	attrs, err := p.GetAttrs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "restored", attrs["tag"])

	value, err := p.ReadValue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, 7.0, *value)
}

func TestHealthReportOverAPI(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	monitor := health.NewMonitor(nil)
	monitor.Add("persistence", func(context.Context) error { return nil })
	h = newHarness(t, func(deps *Deps) { deps.Health = monitor })

	rec = h.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "healthy", report["status"])

	monitor.Add("federation", func(context.Context) error {
		return errors.New("1 of 1 enabled devices offline")
	})
	rec = h.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decodeBody[map[string]any](t, rec)["status"])
}

func TestListenAcceptsFederationSessionID(t *testing.T) {
	h := newHarness(t, nil)
	token := viewonlyToken(t)

	// Slave listen clients derive their session id as
	// <master-name>-<8hex>.
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest("GET", "/listen?timeout=3", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Session-Id", "master-ab12cd34")
		rec := httptest.NewRecorder()
		h.srv.ServeHTTP(rec, req)
		done <- rec
	}()

	require.Eventually(t, func() bool { return h.sessions.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	h.sessions.Push(events.NewValueChange("p1", 1.0))

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody[[]map[string]any](t, rec), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("listen request did not resolve")
	}
}

func TestSequenceRepeatBounds(t *testing.T) {
	h := newHarness(t, nil)
	admin := adminToken(t)

	rec := h.do(t, "POST", "/ports", admin,
		map[string]any{"id": "sq1", "type": "number"})
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, repeat := range []int{0, 65536} {
		rec = h.do(t, "PATCH", "/ports/sq1/sequence", normalToken(t),
			map[string]any{
				"values": []float64{1}, "delays": []int64{10},
				"repeat": repeat,
			})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[map[string]any](t, rec)
		assert.Equal(t, "invalid-field", body["error"])
		assert.Equal(t, "repeat", body["field"])
	}
}
