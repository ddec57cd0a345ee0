// Package reverse implements the reverse API calls mechanism: the
// master holds a blocking POST open to a consumer that cannot reach
// it directly, carries the previous call's result in each request and
// executes the API call the consumer sends back.
package reverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/persist"
)

const (
	paramsKey            = "reverse"
	defaultRetryInterval = 5 * time.Second
)

// Params is the persisted reverse configuration.
type Params struct {
	Enabled      bool   `json:"enabled"`
	Scheme       string `json:"scheme"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Path         string `json:"path"`
	PasswordHash string `json:"password_hash"`
	TimeoutS     int64  `json:"timeout"`
}

// Dispatcher executes one API call locally and returns its status and
// response body.
type Dispatcher func(ctx context.Context, method, path string, body any) (int, any)

// Reverse runs the blocking call loop.
type Reverse struct {
	mu     sync.Mutex
	params Params
	notify chan struct{}

	dispatch      Dispatcher
	retryInterval time.Duration
	httpClient    *http.Client
	store         *persist.Store
	logger        *slog.Logger
}

// New creates the reverse service around a local API dispatcher.
func New(store *persist.Store, dispatch Dispatcher, logger *slog.Logger) *Reverse {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reverse{
		params:        Params{Scheme: "http", TimeoutS: 60},
		notify:        make(chan struct{}, 1),
		dispatch:      dispatch,
		retryInterval: defaultRetryInterval,
		httpClient:    &http.Client{},
		store:         store,
		logger:        logger.With("component", "reverse"),
	}
}

// Init restores the persisted configuration.
func (r *Reverse) Init(ctx context.Context) error {
	value, err := r.store.GetValue(ctx, paramsKey, nil)
	if err != nil {
		return errors.Wrap(err, "reverse", "Init", "load params")
	}
	if value == nil {
		return nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "reverse", "Init", "encode params")
	}
	var params Params
	if err := json.Unmarshal(encoded, &params); err != nil {
		return errors.WrapInvalid(err, "reverse", "Init", "decode params")
	}

	r.mu.Lock()
	r.params = params
	r.mu.Unlock()
	return nil
}

// GetParams returns the current configuration.
func (r *Reverse) GetParams() Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// SetParams validates, applies and persists a new configuration,
// waking the loop if it was idle.
func (r *Reverse) SetParams(ctx context.Context, params Params) error {
	if params.Enabled {
		if params.Scheme != "http" && params.Scheme != "https" {
			return errors.InvalidField("scheme")
		}
		if params.Host == "" {
			return errors.InvalidField("host")
		}
		if params.Port <= 0 || params.Port > 65535 {
			return errors.InvalidField("port")
		}
	}
	if params.TimeoutS <= 0 {
		return errors.InvalidField("timeout")
	}

	r.mu.Lock()
	r.params = params
	r.mu.Unlock()

	record := map[string]any{
		"enabled":       params.Enabled,
		"scheme":        params.Scheme,
		"host":          params.Host,
		"port":          int64(params.Port),
		"path":          params.Path,
		"password_hash": params.PasswordHash,
		"timeout":       params.TimeoutS,
	}
	if err := r.store.SetValue(ctx, paramsKey, record); err != nil {
		return errors.Wrap(err, "reverse", "SetParams", "persist")
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	r.logger.Info("reverse reconfigured", "enabled", params.Enabled,
		"host", params.Host)
	return nil
}

// Run keeps the call loop alive until the context is cancelled.
func (r *Reverse) Run(ctx context.Context) error {
	// The result of the previous dispatched call rides along on the
	// next request.
	var carried map[string]any

	for {
		params := r.GetParams()
		if !params.Enabled {
			carried = nil
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.notify:
			}
			continue
		}

		next, err := r.call(ctx, params, carried)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.logger.Debug("reverse call failed", "error", err)
			carried = nil
			if !sleepCtx(ctx, r.retryInterval) {
				return ctx.Err()
			}
			continue
		}

		carried = nil
		if next != nil {
			carried = r.execute(ctx, next)
		}
	}
}

// call performs one blocking POST and decodes the API call the
// consumer answered with, nil when it was just a keepalive.
func (r *Reverse) call(ctx context.Context, params Params,
	carried map[string]any) (map[string]any, error) {

	payload := carried
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s://%s:%d%s", params.Scheme, params.Host,
		params.Port, strings.TrimSuffix(params.Path, "/"))
	reqCtx, cancel := context.WithTimeout(ctx,
		time.Duration(params.TimeoutS)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", url,
		bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := makeJWT(params.PasswordHash)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reverse consumer returned %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var next map[string]any
	if err := json.Unmarshal(body, &next); err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return nil, nil
	}
	return next, nil
}

// execute dispatches the consumer's API call locally. Long-polling
// endpoints would wedge the loop, so they are refused outright.
func (r *Reverse) execute(ctx context.Context, next map[string]any) map[string]any {
	method, _ := next["method"].(string)
	path, _ := next["path"].(string)
	body := next["body"]

	if method == "" || path == "" {
		return map[string]any{
			"status":   400,
			"response": map[string]any{"error": "malformed request"},
		}
	}
	if strings.HasPrefix(path, "/listen") ||
		strings.HasSuffix(path, "/listen") {
		return map[string]any{
			"status":   400,
			"response": map[string]any{"error": "unavailable over reverse"},
		}
	}

	status, response := r.dispatch(ctx, method, path, body)
	return map[string]any{
		"status":   status,
		"response": response,
	}
}

func makeJWT(passwordHash string) (string, error) {
	claims := jwt.MapClaims{
		"iss": "qToggle",
		"ori": "device",
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(passwordHash))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
