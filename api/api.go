// Package api exposes the qToggle HTTP API: device and port
// management, slave federation, long-poll listening and the optional
// webhooks/reverse services, behind JWT bearer authentication with
// per-route access levels.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/qtoggle/qtoggleserver/core"
	"github.com/qtoggle/qtoggleserver/device"
	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/health"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
	"github.com/qtoggle/qtoggleserver/reverse"
	"github.com/qtoggle/qtoggleserver/sessions"
	"github.com/qtoggle/qtoggleserver/slaves"
	"github.com/qtoggle/qtoggleserver/webhooks"
)

// Deps collects the subsystems the API dispatches into. Slaves,
// Webhooks, Reverse and History may be nil when the corresponding
// feature is disabled; their routes then answer no-such-function.
type Deps struct {
	Device   *device.Device
	Registry *ports.Registry
	VPorts   *ports.VirtualPorts
	Slaves   *slaves.Manager
	Sessions *sessions.Registry
	Webhooks *webhooks.Webhooks
	Reverse  *reverse.Reverse
	History  *core.History
	Health   *health.Monitor
	Loop     *core.Loop
	Bus      *events.Bus
	Store    *persist.Store
	Metrics  *metric.Metrics
}

// Options tunes the server.
type Options struct {
	// MaxTimeSkew bounds |now - iat| on client tokens. Zero disables
	// the check.
	MaxTimeSkew time.Duration

	// OnReset is invoked by POST /reset after the response is sent.
	OnReset func(factory bool)
}

// Server is the qToggle API handler.
type Server struct {
	deps    Deps
	maxSkew time.Duration
	onReset func(bool)
	logger  *slog.Logger
	mux     *http.ServeMux
}

// SetReverse attaches the reverse channel after construction. The
// channel needs the server's dispatcher, so it cannot exist before the
// server does.
func (s *Server) SetReverse(rev *reverse.Reverse) {
	s.deps.Reverse = rev
}

// New builds the API server and registers its routes.
func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		maxSkew: opts.MaxTimeSkew,
		onReset: opts.OnReset,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	mux := s.mux

	mux.Handle("GET /device", s.auth(events.AccessAdmin, s.getDevice))
	mux.Handle("PATCH /device", s.auth(events.AccessAdmin, s.patchDevice))
	mux.Handle("PUT /device", s.auth(events.AccessAdmin, s.patchDevice))
	mux.Handle("POST /reset", s.auth(events.AccessAdmin, s.postReset))
	mux.Handle("GET /firmware", s.auth(events.AccessAdmin, s.getFirmware))
	mux.Handle("PATCH /firmware", s.auth(events.AccessAdmin, s.patchFirmware))
	mux.HandleFunc("GET /access", s.getAccess)
	mux.HandleFunc("GET /health", s.getHealth)
	mux.Handle("GET /system", s.auth(events.AccessAdmin, s.getSystem))
	mux.Handle("PUT /system", s.auth(events.AccessAdmin, s.putSystem))

	mux.Handle("GET /ports", s.auth(events.AccessViewOnly, s.getPorts))
	mux.Handle("POST /ports", s.auth(events.AccessAdmin, s.postPorts))
	mux.Handle("PUT /ports", s.auth(events.AccessAdmin, s.putPorts))
	mux.Handle("PATCH /ports/{id}", s.auth(events.AccessAdmin, s.patchPort))
	mux.Handle("DELETE /ports/{id}", s.auth(events.AccessAdmin, s.deletePort))
	mux.Handle("GET /ports/{id}/value", s.auth(events.AccessViewOnly, s.getPortValue))
	mux.Handle("PATCH /ports/{id}/value", s.auth(events.AccessNormal, s.patchPortValue))
	mux.Handle("PATCH /ports/{id}/sequence", s.auth(events.AccessNormal, s.patchPortSequence))
	mux.Handle("POST /ports/{id}/sequence", s.auth(events.AccessNormal, s.patchPortSequence))
	mux.Handle("GET /ports/{id}/history", s.auth(events.AccessViewOnly, s.getPortHistory))
	mux.Handle("DELETE /ports/{id}/history", s.auth(events.AccessAdmin, s.deletePortHistory))

	mux.Handle("GET /listen", s.auth(events.AccessViewOnly, s.getListen))

	mux.Handle("GET /webhooks", s.auth(events.AccessAdmin, s.getWebhooks))
	mux.Handle("PUT /webhooks", s.auth(events.AccessAdmin, s.putWebhooks))
	mux.Handle("GET /reverse", s.auth(events.AccessAdmin, s.getReverse))
	mux.Handle("PUT /reverse", s.auth(events.AccessAdmin, s.putReverse))

	mux.Handle("GET /devices", s.auth(events.AccessAdmin, s.getDevices))
	mux.Handle("POST /devices", s.auth(events.AccessAdmin, s.postDevices))
	mux.Handle("PUT /devices", s.auth(events.AccessAdmin, s.putDevices))
	mux.Handle("PATCH /devices/{name}", s.auth(events.AccessAdmin, s.patchSlaveDevice))
	mux.Handle("DELETE /devices/{name}", s.auth(events.AccessAdmin, s.deleteSlaveDevice))
	mux.HandleFunc("POST /devices/{name}/events", s.postSlaveEvents)
	mux.Handle("/devices/{name}/forward/{rest...}",
		s.auth(events.AccessAdmin, s.forwardSlaveCall))
	mux.Handle("GET /discovered", s.auth(events.AccessAdmin, s.getDiscovered))
	mux.Handle("DELETE /discovered", s.auth(events.AccessAdmin, s.deleteDiscovered))
	mux.Handle("PATCH /discovered/{name}", s.auth(events.AccessAdmin, s.patchDiscovered))

	mux.Handle("GET /frontend/dashboard/panels",
		s.auth(events.AccessViewOnly, s.getPanels))
	mux.Handle("PUT /frontend/dashboard/panels",
		s.auth(events.AccessNormal, s.putPanels))
	mux.Handle("GET /frontend/prefs", s.auth(events.AccessViewOnly, s.getPrefs))
	mux.Handle("PUT /frontend/prefs", s.auth(events.AccessViewOnly, s.putPrefs))

	mux.Handle("GET /metrics", s.auth(events.AccessAdmin, s.getMetrics))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, errors.NoSuch("function"))
	})
}

// ServeHTTP dispatches a request, recording the outcome.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(recorder, r)

	if s.deps.Metrics != nil {
		s.deps.Metrics.APIRequests.WithLabelValues(r.Method,
			strconv.Itoa(recorder.status)).Inc()
	}
	s.logger.Debug("request served", "method", r.Method, "path", r.URL.Path,
		"status", recorder.status)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("cannot encode response", "error", err)
	}
}

func (s *Server) writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError renders the {error: code, ...params} shape with the
// status the taxonomy assigns.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr := errors.ToAPI(err)
	body := map[string]any{"error": apiErr.Code}
	for k, v := range apiErr.Params {
		body[k] = v
	}
	s.writeJSON(w, apiErr.Status, body)
}

// decodeJSON reads the request body into v. An empty body is an error;
// use decodeOptionalJSON where the body may be absent.
func decodeJSON(r *http.Request, v any) error {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.APIInvalidRequest.WithParams(
			map[string]any{"details": err.Error()})
	}
	if len(payload) == 0 {
		return errors.APIInvalidRequest.WithParams(
			map[string]any{"details": "empty body"})
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.APIInvalidRequest.WithParams(
			map[string]any{"details": err.Error()})
	}
	return nil
}

// decodeOptionalJSON reads the body into v, reporting whether one was
// present.
func decodeOptionalJSON(r *http.Request, v any) (bool, error) {
	payload, err := io.ReadAll(r.Body)
	if err != nil || len(payload) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, errors.APIInvalidRequest.WithParams(
			map[string]any{"details": err.Error()})
	}
	return true, nil
}
