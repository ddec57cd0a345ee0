package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/qtoggle/qtoggleserver/device"
	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/reverse"
	"github.com/qtoggle/qtoggleserver/webhooks"
)

// Session ids follow the device-name alphabet: slave listen clients
// derive theirs as <master-name>-<8hex>.
var sessionIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,32}$`)

const (
	defaultListenTimeout = 60
	maxListenTimeout     = 3600
)

// getListen services one long-poll cycle of an event session.
func (s *Server) getListen(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Session-Id")
	if sessionID == "" {
		s.writeError(w, errors.MissingField("session_id"))
		return
	}
	if !sessionIDRegexp.MatchString(sessionID) {
		s.writeError(w, errors.InvalidField("session_id"))
		return
	}

	timeoutS := defaultListenTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 || value > maxListenTimeout {
			s.writeError(w, errors.InvalidField("timeout"))
			return
		}
		timeoutS = value
	}
	timeout := time.Duration(timeoutS) * time.Second

	// The grace second covers the keepalive resolution driven by the
	// main loop's session update.
	waitCtx, cancel := context.WithTimeout(r.Context(), timeout+time.Second)
	defer cancel()

	queued, err := s.deps.Sessions.ResetAndWait(waitCtx, sessionID, timeout,
		access(r).level)
	if err != nil {
		// Timeout or client gone; either way this cycle ends empty.
		queued = nil
	}

	wireCtx := context.WithoutCancel(r.Context())
	out := make([]map[string]any, 0, len(queued))
	for _, event := range queued {
		if err := event.InitParams(wireCtx); err != nil {
			s.logger.Error("cannot resolve event params", "type", event.Type(),
				"error", err)
			continue
		}
		out = append(out, events.ToWire(event))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, errors.NoSuch("function"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Webhooks.GetParams())
}

func (s *Server) putWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, errors.NoSuch("function"))
		return
	}

	var params webhooks.Params
	if err := s.decodeServiceParams(r, &params); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Webhooks.SetParams(r.Context(), params); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) getReverse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reverse == nil {
		s.writeError(w, errors.NoSuch("function"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Reverse.GetParams())
}

func (s *Server) putReverse(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reverse == nil {
		s.writeError(w, errors.NoSuch("function"))
		return
	}

	var params reverse.Params
	if err := s.decodeServiceParams(r, &params); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Reverse.SetParams(r.Context(), params); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

// decodeServiceParams decodes webhooks/reverse params, turning a
// plain-text password field into the stored hash form.
func (s *Server) decodeServiceParams(r *http.Request, v any) error {
	var raw map[string]any
	if err := decodeJSON(r, &raw); err != nil {
		return err
	}
	if password, ok := raw["password"].(string); ok {
		raw["password_hash"] = device.HashPassword(password)
		delete(raw, "password")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return errors.APIInvalidRequest.WithParams(
			map[string]any{"details": err.Error()})
	}
	if err := json.Unmarshal(encoded, v); err != nil {
		return errors.APIInvalidRequest.WithParams(
			map[string]any{"details": err.Error()})
	}
	return nil
}

const panelsKey = "dashboard_panels"

func (s *Server) getPanels(w http.ResponseWriter, r *http.Request) {
	value, err := s.deps.Store.GetValue(r.Context(), panelsKey, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) putPanels(w http.ResponseWriter, r *http.Request) {
	var value any
	if err := decodeJSON(r, &value); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Store.SetValue(r.Context(), panelsKey, value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

// Frontend preferences are kept per user, keyed by the username the
// token authenticated as.
func prefsKey(username string) string {
	return "frontend_prefs." + username
}

func (s *Server) getPrefs(w http.ResponseWriter, r *http.Request) {
	value, err := s.deps.Store.GetValue(r.Context(),
		prefsKey(access(r).username), nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) putPrefs(w http.ResponseWriter, r *http.Request) {
	var value any
	if err := decodeJSON(r, &value); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Store.SetValue(r.Context(),
		prefsKey(access(r).username), value); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

// getHealth is unauthenticated so external probes can hit it. A
// degraded report still answers 200; only fully unhealthy yields 503.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, errors.NoSuch("function"))
		return
	}
	report := s.deps.Health.Report(r.Context())
	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.writeError(w, errors.NoSuch("function"))
		return
	}
	s.deps.Metrics.Handler().ServeHTTP(w, r)
}
