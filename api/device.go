package api

import (
	"net/http"

	"github.com/qtoggle/qtoggleserver/device"
	"github.com/qtoggle/qtoggleserver/errors"
)

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	attrs, err := s.deps.Device.GetAttrs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, attrs)
}

func (s *Server) patchDevice(w http.ResponseWriter, r *http.Request) {
	var attrs map[string]any
	if err := decodeJSON(r, &attrs); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.deps.Device.SetAttrs(r.Context(), attrs); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) postReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Factory bool `json:"factory"`
	}
	if _, err := decodeOptionalJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("reset requested", "factory", body.Factory)
	s.writeNoContent(w)

	if s.onReset != nil {
		// Let the response flush before the process goes down.
		go s.onReset(body.Factory)
	}
}

func (s *Server) getFirmware(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version": device.Version,
		"status":  "idle",
	})
}

// The master itself has no firmware update driver; only slaves do,
// through the forward routes.
func (s *Server) patchFirmware(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, errors.NoSuch("function"))
}

// getAccess answers for any caller, including unauthenticated ones,
// with the access level the presented credentials grant.
func (s *Server) getAccess(w http.ResponseWriter, r *http.Request) {
	info, err := s.authenticate(r)
	if err != nil {
		info = authInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"level": info.level.String()})
}

// systemAttrs is the device attr subset exposed on /system.
var systemAttrs = []string{"name", "version", "api_version", "uptime",
	"date", "timezone"}

func (s *Server) getSystem(w http.ResponseWriter, r *http.Request) {
	attrs, err := s.deps.Device.GetAttrs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	subset := make(map[string]any, len(systemAttrs))
	for _, name := range systemAttrs {
		if v, ok := attrs[name]; ok {
			subset[name] = v
		}
	}
	s.writeJSON(w, http.StatusOK, subset)
}

func (s *Server) putSystem(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	attrs := map[string]any{}
	for _, name := range []string{"name", "timezone"} {
		if v, ok := body[name]; ok {
			attrs[name] = v
		}
	}
	if len(attrs) == 0 {
		s.writeNoContent(w)
		return
	}
	if _, err := s.deps.Device.SetAttrs(r.Context(), attrs); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}
