// Package webhooks pushes bus events to a configured consumer URL as
// authenticated HTTP POSTs. Delivery is strictly ordered through a
// bounded queue; when the queue overflows the newest events are
// dropped so the oldest context is never lost.
package webhooks

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
	"golang.org/x/time/rate"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/pkg/retry"
)

const (
	paramsKey        = "webhooks"
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second

	// Delivery is throttled to keep a misbehaving port from hammering
	// the consumer.
	deliveryRate  = rate.Limit(20)
	deliveryBurst = 5
)

// Params is the persisted webhooks configuration.
type Params struct {
	Enabled      bool   `json:"enabled"`
	Scheme       string `json:"scheme"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Path         string `json:"path"`
	PasswordHash string `json:"password_hash"`
	TimeoutS     int64  `json:"timeout"`
	Retries      int    `json:"retries"`
}

// Webhooks queues bus events and delivers them in order. It registers
// on the bus as a fire-and-forget handler.
type Webhooks struct {
	mu     sync.Mutex
	params Params
	queue  []events.Event

	queueSize     int
	notify        chan struct{}
	limiter       *rate.Limiter
	retryInterval time.Duration

	httpClient *http.Client
	store      *persist.Store
	metrics    *metric.Metrics
	logger     *slog.Logger
}

// New creates the webhooks service. queueSize bounds the pending event
// queue; zero selects the default.
func New(store *persist.Store, metrics *metric.Metrics, queueSize int,
	logger *slog.Logger) *Webhooks {

	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Webhooks{
		params:        Params{Scheme: "http", TimeoutS: 10},
		queueSize:     queueSize,
		notify:        make(chan struct{}, 1),
		limiter:       rate.NewLimiter(deliveryRate, deliveryBurst),
		retryInterval: time.Second,
		httpClient:    &http.Client{},
		store:         store,
		metrics:       metrics,
		logger:        logger.With("component", "webhooks"),
	}
}

// Init restores the persisted configuration.
func (w *Webhooks) Init(ctx context.Context) error {
	value, err := w.store.GetValue(ctx, paramsKey, nil)
	if err != nil {
		return errors.Wrap(err, "webhooks", "Init", "load params")
	}
	if value == nil {
		return nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "webhooks", "Init", "encode params")
	}
	var params Params
	if err := json.Unmarshal(encoded, &params); err != nil {
		return errors.WrapInvalid(err, "webhooks", "Init", "decode params")
	}

	w.mu.Lock()
	w.params = params
	w.mu.Unlock()
	return nil
}

// GetParams returns the current configuration.
func (w *Webhooks) GetParams() Params {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.params
}

// SetParams validates, applies and persists a new configuration.
func (w *Webhooks) SetParams(ctx context.Context, params Params) error {
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
	if params.Retries < 0 {
		return errors.InvalidField("retries")
	}

	w.mu.Lock()
	w.params = params
	w.mu.Unlock()

	record := map[string]any{
		"enabled":       params.Enabled,
		"scheme":        params.Scheme,
		"host":          params.Host,
		"port":          int64(params.Port),
		"path":          params.Path,
		"password_hash": params.PasswordHash,
		"timeout":       params.TimeoutS,
		"retries":       int64(params.Retries),
	}
	if err := w.store.SetValue(ctx, paramsKey, record); err != nil {
		return errors.Wrap(err, "webhooks", "SetParams", "persist")
	}
	w.logger.Info("webhooks reconfigured", "enabled", params.Enabled,
		"host", params.Host)
	return nil
}

// HandleEvent implements events.Handler: the event joins the delivery
// queue. A full queue drops the incoming event, keeping the oldest
// undelivered ones.
func (w *Webhooks) HandleEvent(_ context.Context, event events.Event) error {
	w.mu.Lock()
	if !w.params.Enabled {
		w.mu.Unlock()
		return nil
	}
	if len(w.queue) >= w.queueSize {
		w.mu.Unlock()
		w.logger.Warn("event queue full, dropping event", "type", event.Type())
		if w.metrics != nil {
			w.metrics.WebhookPosts.WithLabelValues("dropped").Inc()
		}
		return nil
	}
	w.queue = append(w.queue, event)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// FireAndForget implements events.Handler.
func (w *Webhooks) FireAndForget() bool { return true }

// Run delivers queued events until the context is cancelled.
func (w *Webhooks) Run(ctx context.Context) error {
	for {
		event := w.pop()
		if event == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.notify:
			}
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		w.deliver(ctx, event)
	}
}

func (w *Webhooks) pop() events.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	event := w.queue[0]
	w.queue = w.queue[1:]
	return event
}

// deliver posts one event, retrying per the configured count. The
// event is abandoned after the final failure; ordering matters more
// than completeness here.
func (w *Webhooks) deliver(ctx context.Context, event events.Event) {
	w.mu.Lock()
	params := w.params
	w.mu.Unlock()
	if !params.Enabled {
		return
	}

	// No-op when the bus already snapshotted the params.
	if err := event.InitParams(ctx); err != nil {
		w.logger.Error("event params init failed",
			"type", event.Type(), "error", err)
		return
	}

	cfg := retry.Fixed(params.Retries+1, w.retryInterval)
	err := retry.Do(ctx, cfg, func() error {
		return w.post(ctx, params, event)
	})
	if err != nil {
		w.logger.Error("webhook delivery failed",
			"type", event.Type(), "error", err)
		if w.metrics != nil {
			w.metrics.WebhookPosts.WithLabelValues("failed").Inc()
		}
		return
	}
	if w.metrics != nil {
		w.metrics.WebhookPosts.WithLabelValues("ok").Inc()
	}
}

func (w *Webhooks) post(ctx context.Context, params Params,
	event events.Event) error {

	body, err := json.Marshal(events.ToWire(event))
	if err != nil {
		return retry.NonRetryable(err)
	}

	url := fmt.Sprintf("%s://%s:%d%s", params.Scheme, params.Host,
		params.Port, strings.TrimSuffix(params.Path, "/"))
	reqCtx, cancel := context.WithTimeout(ctx,
		time.Duration(params.TimeoutS)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", url,
		bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := makeJWT(params.PasswordHash)
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook consumer returned %d", resp.StatusCode)
	}
	return nil
}

// makeJWT mints the device-origin token webhook consumers expect.
func makeJWT(passwordHash string) (string, error) {
	claims := jwt.MapClaims{
		"iss": "qToggle",
		"ori": "device",
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(passwordHash))
}

// QueueLen reports the number of undelivered events.
func (w *Webhooks) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
