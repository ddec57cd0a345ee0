package reverse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtoggle/qtoggleserver/persist"
)

// fakeConsumer plays the server side of the reverse loop: it answers
// the first POST with an API call and collects the carried results.
type fakeConsumer struct {
	mu      sync.Mutex
	calls   []map[string]any // what the master carried back
	pending []map[string]any // API calls to hand out, one per POST

	srv *httptest.Server
}

func newFakeConsumer(t *testing.T) *fakeConsumer {
	t.Helper()
	c := &fakeConsumer{}
	c.srv = httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			var carried map[string]any
			_ = json.Unmarshal(body, &carried)

			c.mu.Lock()
			c.calls = append(c.calls, carried)
			var next map[string]any
			if len(c.pending) > 0 {
				next = c.pending[0]
				c.pending = c.pending[1:]
			}
			c.mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			if next == nil {
				_, _ = w.Write([]byte("{}"))
				return
			}
			_ = json.NewEncoder(w).Encode(next)
		}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *fakeConsumer) carried() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeConsumer) params(t *testing.T) Params {
	t.Helper()
	u, err := url.Parse(c.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Params{
		Enabled:      true,
		Scheme:       "http",
		Host:         u.Hostname(),
		Port:         port,
		PasswordHash: "hash",
		TimeoutS:     2,
	}
}

func TestLoopExecutesConsumerCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newFakeConsumer(t)
	c.pending = []map[string]any{
		{"method": "GET", "path": "/device"},
	}

	var dispatched []string
	var mu sync.Mutex
	r := New(persist.NewStore(persist.NewMemoryDriver(), nil),
		func(_ context.Context, method, path string, _ any) (int, any) {
			mu.Lock()
			dispatched = append(dispatched, method+" "+path)
			mu.Unlock()
			return 200, map[string]any{"name": "master"}
		}, nil)
	r.retryInterval = 10 * time.Millisecond
	require.NoError(t, r.SetParams(ctx, c.params(t)))

	go func() { _ = r.Run(ctx) }()

	// The call result rides on a later POST.
	require.Eventually(t, func() bool {
		for _, carried := range c.carried() {
			if carried["status"] == 200.0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"GET /device"}, dispatched)

	var result map[string]any
	for _, carried := range c.carried() {
		if carried["status"] == 200.0 {
			result = carried
		}
	}
	response := result["response"].(map[string]any)
	assert.Equal(t, "master", response["name"])
}

func TestLongPollRefusedOverReverse(t *testing.T) {
	r := New(persist.NewStore(persist.NewMemoryDriver(), nil),
		func(context.Context, string, string, any) (int, any) {
			t.Fatal("dispatcher must not run")
			return 0, nil
		}, nil)

	result := r.execute(context.Background(),
		map[string]any{"method": "GET", "path": "/listen"})
	assert.Equal(t, 400, result["status"])
}

func TestDisabledLoopIdles(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(),
		200*time.Millisecond)
	defer cancel()

	c := newFakeConsumer(t)
	r := New(persist.NewStore(persist.NewMemoryDriver(), nil),
		func(context.Context, string, string, any) (int, any) {
			return 200, nil
		}, nil)

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.carried())
}

func TestParamsPersistAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := persist.NewStore(persist.NewMemoryDriver(), nil)

	r := New(store, nil, nil)
	params := Params{Enabled: false, Scheme: "https", Host: "api.example.com",
		Port: 443, Path: "/rev", PasswordHash: "h", TimeoutS: 40}
	require.NoError(t, r.SetParams(ctx, params))

	r2 := New(store, nil, nil)
	require.NoError(t, r2.Init(ctx))
	assert.Equal(t, params, r2.GetParams())
}
