// Package slaves implements the master side of device federation:
// adopting remote qToggle devices, mirroring their ports locally,
// queueing provisioning while they are offline and relaying their
// events.
package slaves

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/pkg/retry"
)

// Client issues authenticated API calls to one slave device. Every
// request carries an HS256 JWT signed with the slave's admin-password
// hash.
type Client struct {
	httpClient *http.Client
	scheme     string
	host       string
	port       int
	path       string

	adminPasswordHash string

	timeout     time.Duration
	longTimeout time.Duration
	keepalive   time.Duration
	retryCfg    retry.Config

	token   retry.Token
	metrics *metric.Metrics
	logger  *slog.Logger
}

// ClientOptions configures a slave client.
type ClientOptions struct {
	Scheme            string
	Host              string
	Port              int
	Path              string
	AdminPasswordHash string
	Timeout           time.Duration
	LongTimeout       time.Duration
	Keepalive         time.Duration
	RetryCount        int
	RetryInterval     time.Duration
}

// NewClient builds a client for one slave.
func NewClient(opts ClientOptions, metrics *metric.Metrics,
	logger *slog.Logger) *Client {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = 60 * time.Second
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 60 * time.Second
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Second
	}

	return &Client{
		httpClient:        &http.Client{},
		scheme:            opts.Scheme,
		host:              opts.Host,
		port:              opts.Port,
		path:              strings.TrimSuffix(opts.Path, "/"),
		adminPasswordHash: opts.AdminPasswordHash,
		timeout:           opts.Timeout,
		longTimeout:       opts.LongTimeout,
		keepalive:         opts.Keepalive,
		retryCfg:          retry.Fixed(opts.RetryCount, opts.RetryInterval),
		metrics:           metrics,
		logger:            logger.With("component", "slaves", "slave_host", opts.Host),
	}
}

// URL renders the base URL of the slave's API.
func (c *Client) URL() string {
	return fmt.Sprintf("%s://%s:%d%s", c.scheme, c.host, c.port, c.path)
}

// Request performs one API call. The path is relative to the slave's
// API root. A zero timeout selects the default request timeout.
func (c *Client) Request(ctx context.Context, method, path string, body any,
	timeout time.Duration) (any, error) {

	return c.request(ctx, method, path, body, timeout, nil)
}

func (c *Client) request(ctx context.Context, method, path string, body any,
	timeout time.Duration, headers map[string]string) (any, error) {

	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.WrapInvalid(err, "slaves", "request", "encode body")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL()+path, reqBody)
	if err != nil {
		return nil, errors.WrapInvalid(err, "slaves", "request", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	token, err := c.makeJWT()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.SlaveRequests.WithLabelValues("network_error").Inc()
		}
		return nil, classifyNetworkError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyNetworkError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if c.metrics != nil {
			c.metrics.SlaveRequests.WithLabelValues("http_error").Inc()
		}
		return nil, decodeAPIError(resp.StatusCode, payload)
	}
	if c.metrics != nil {
		c.metrics.SlaveRequests.WithLabelValues("ok").Inc()
	}

	if len(payload) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidDevice, "slaves", "request",
			"decode response: "+err.Error())
	}
	return decoded, nil
}

// RequestRetried performs an API call with the configured retry
// policy. A newer retried call on the same client supersedes the
// pending one.
func (c *Client) RequestRetried(ctx context.Context, method, path string,
	body any, timeout time.Duration) (any, error) {

	gen := c.token.Next()

	var result any
	err := retry.DoSuperseded(ctx, c.retryCfg, &c.token, gen, func() error {
		var err error
		result, err = c.Request(ctx, method, path, body, timeout)
		if err != nil && !isRetryableError(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if retry.IsNonRetryable(err) {
		err = unwrapNonRetryable(err)
	}
	return result, err
}

func unwrapNonRetryable(err error) error {
	var nr *retry.NonRetryableError
	if errors.As(err, &nr) {
		return nr.Unwrap()
	}
	return err
}

// makeJWT mints the consumer token the slave expects.
func (c *Client) makeJWT() (string, error) {
	claims := jwt.MapClaims{
		"iss": "qToggle",
		"ori": "consumer",
		"usr": "admin",
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.adminPasswordHash))
	if err != nil {
		return "", errors.Wrap(err, "slaves", "makeJWT", "sign token")
	}
	return signed, nil
}

// classifyNetworkError maps transport failures onto the typed
// sentinels the rest of the system matches on.
func classifyNetworkError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errors.Wrap(errors.ErrUnresolvableHostname, "slaves", "request",
			dnsErr.Name)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.ErrTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return errors.ErrConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return errors.ErrHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		return errors.ErrNetworkUnreachable
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return errors.Wrap(errors.ErrHostUnreachable, "slaves", "request",
			urlErr.Op+" "+urlErr.URL)
	}
	return errors.Wrap(errors.ErrHostUnreachable, "slaves", "request", err.Error())
}

// isRetryableError: API-level errors are final; transport-level
// failures are worth retrying.
func isRetryableError(err error) bool {
	var apiErr *errors.APIError
	return !errors.As(err, &apiErr)
}

// decodeAPIError surfaces a structured slave error response.
func decodeAPIError(status int, payload []byte) error {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err == nil {
		if code, ok := body["error"].(string); ok {
			delete(body, "error")
			apiErr := &errors.APIError{Code: code, Status: status}
			if len(body) > 0 {
				apiErr.Params = body
			}
			return apiErr
		}
	}
	return &errors.APIError{Code: "unexpected-error", Status: status}
}
