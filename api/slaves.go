package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qtoggle/qtoggleserver/device"
	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/slaves"
)

// slavesManager guards the optional federation feature.
func (s *Server) slavesManager() (*slaves.Manager, error) {
	if s.deps.Slaves == nil {
		return nil, errors.NoSuch("function")
	}
	return s.deps.Slaves, nil
}

func (s *Server) getDevices(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}

	list := manager.All()
	out := make([]map[string]any, len(list))
	for i, slave := range list {
		out[i] = slave.ToJSON()
	}
	s.writeJSON(w, http.StatusOK, out)
}

type slaveRequest struct {
	Scheme            string `json:"scheme"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Path              string `json:"path"`
	AdminPassword     string `json:"admin_password"`
	AdminPasswordHash string `json:"admin_password_hash"`
	PollInterval      int64  `json:"poll_interval"`
	ListenEnabled     bool   `json:"listen_enabled"`
}

func (req *slaveRequest) normalize() error {
	if req.Scheme == "" {
		req.Scheme = "http"
	}
	if req.Scheme != "http" && req.Scheme != "https" {
		return errors.InvalidField("scheme")
	}
	if req.Host == "" {
		return errors.MissingField("host")
	}
	if req.Port == 0 {
		req.Port = 80
	}
	if req.Port < 0 || req.Port > 65535 {
		return errors.InvalidField("port")
	}
	if req.PollInterval < 0 {
		return errors.InvalidField("poll_interval")
	}
	if req.AdminPasswordHash == "" {
		req.AdminPasswordHash = device.HashPassword(req.AdminPassword)
	}
	return nil
}

func (s *Server) postDevices(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req slaveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := req.normalize(); err != nil {
		s.writeError(w, err)
		return
	}

	slave, err := manager.Add(r.Context(), req.Scheme, req.Host, req.Port,
		req.Path, req.AdminPasswordHash, req.PollInterval, req.ListenEnabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, slave.ToJSON())
}

// putDevices restores a slave dump. Already-adopted devices are left
// alone; the rest are re-adopted, which requires them to be reachable.
func (s *Server) putDevices(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}

	var entries []slaveRequest
	if err := decodeJSON(r, &entries); err != nil {
		s.writeError(w, err)
		return
	}

	for _, req := range entries {
		if err := req.normalize(); err != nil {
			s.logger.Error("cannot restore slave", "host", req.Host, "error", err)
			continue
		}
		_, err := manager.Add(r.Context(), req.Scheme, req.Host, req.Port,
			req.Path, req.AdminPasswordHash, req.PollInterval, req.ListenEnabled)
		if err != nil && !errors.Is(err, errors.ErrDeviceAlreadyExists) {
			s.logger.Error("cannot restore slave", "host", req.Host, "error", err)
		}
	}
	s.writeNoContent(w)
}

func (s *Server) patchSlaveDevice(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}
	slave, ok := manager.Get(r.PathValue("name"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchDevice)
		return
	}

	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	pollInterval := slave.PollInterval()
	listenEnabled := slave.ListenEnabled()
	settingsChanged := false
	if raw, ok := body["poll_interval"]; ok {
		value, isNumber := raw.(float64)
		if !isNumber || value < 0 || value != float64(int64(value)) {
			s.writeError(w, errors.InvalidField("poll_interval"))
			return
		}
		pollInterval = int64(value)
		settingsChanged = true
	}
	if raw, ok := body["listen_enabled"]; ok {
		value, isBool := raw.(bool)
		if !isBool {
			s.writeError(w, errors.InvalidField("listen_enabled"))
			return
		}
		listenEnabled = value
		settingsChanged = true
	}
	if settingsChanged {
		if err := slave.UpdateSettings(r.Context(), pollInterval,
			listenEnabled); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if raw, ok := body["enabled"]; ok {
		enabled, isBool := raw.(bool)
		if !isBool {
			s.writeError(w, errors.InvalidField("enabled"))
			return
		}
		if enabled {
			err = slave.Enable(r.Context())
		} else {
			err = slave.Disable(r.Context())
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeNoContent(w)
}

func (s *Server) deleteSlaveDevice(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := manager.Remove(r.Context(), r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

// postSlaveEvents receives events pushed by a sleeping device. The
// caller authenticates as the device itself, not as a consumer.
func (s *Server) postSlaveEvents(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}
	slave, ok := manager.Get(r.PathValue("name"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchDevice)
		return
	}

	if err := s.authenticateDevice(r, slave.AdminPasswordHash()); err != nil {
		s.writeError(w, err)
		return
	}
	if !slave.IsPermanentlyOffline() {
		s.writeError(w, errors.APIForbidden.WithParams(
			map[string]any{"details": "device is not permanently offline"}))
		return
	}

	var body struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Type == "" {
		s.writeError(w, errors.MissingField("type"))
		return
	}

	if err := slave.HandleDeviceEvent(r.Context(), body.Type, body.Params); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

// authenticateDevice verifies a device-origin token against the
// slave's admin password hash.
func (s *Server) authenticateDevice(r *http.Request, passwordHash string) error {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return errors.APIAuthenticationRequired
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("unexpected claims type")
		}
		if iss, _ := claims["iss"].(string); iss != "qToggle" {
			return nil, errors.New("bad issuer")
		}
		if ori, _ := claims["ori"].(string); ori != "device" {
			return nil, errors.New("bad origin")
		}
		return []byte(passwordHash), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return errors.APIAuthenticationRequired
	}
	return s.checkSkew(token.Claims.(jwt.MapClaims))
}

// forwardSlaveCall relays an arbitrary API call to a slave. Slave-side
// authentication failures surface as forbidden: the master's admin
// credential was rejected, not the client's.
func (s *Server) forwardSlaveCall(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}
	slave, ok := manager.Get(r.PathValue("name"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchDevice)
		return
	}

	path := "/" + r.PathValue("rest")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	var body any
	if _, err := decodeOptionalJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := slave.Forward(r.Context(), r.Method, path, body)
	if err != nil {
		apiErr := errors.ToAPI(err)
		if apiErr.Status == http.StatusUnauthorized ||
			apiErr.Status == http.StatusForbidden {
			s.writeError(w, errors.APIForbidden)
			return
		}
		// On the master, the slave's own expression attribute is named
		// device_expression.
		if field, ok := apiErr.Params["field"].(string); ok &&
			field == "expression" {
			rewritten := *apiErr
			rewritten.Params = map[string]any{"field": "device_expression"}
			for k, v := range apiErr.Params {
				if k != "field" {
					rewritten.Params[k] = v
				}
			}
			s.writeError(w, &rewritten)
			return
		}
		s.writeError(w, err)
		return
	}

	if result == nil {
		s.writeNoContent(w)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getDiscovered(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}

	found, err := manager.Discover(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, len(found))
	for i, d := range found {
		out[i] = map[string]any{
			"name":   d.Name,
			"scheme": d.Scheme,
			"host":   d.Host,
			"port":   d.Port,
			"path":   d.Path,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// deleteDiscovered acknowledges a discovery reset. Discovery results
// are not cached server-side, so there is nothing to drop.
func (s *Server) deleteDiscovered(w http.ResponseWriter, r *http.Request) {
	if _, err := s.slavesManager(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

// patchDiscovered pushes attributes to a discovered but not yet
// adopted device, typically its Wi-Fi credentials. Factory-fresh
// qToggle devices accept the empty admin password.
func (s *Server) patchDiscovered(w http.ResponseWriter, r *http.Request) {
	manager, err := s.slavesManager()
	if err != nil {
		s.writeError(w, err)
		return
	}

	found, err := manager.Discover(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := r.PathValue("name")
	var target *slaves.DiscoveredDevice
	for i := range found {
		if found[i].Name == name {
			target = &found[i]
			break
		}
	}
	if target == nil {
		s.writeError(w, errors.ErrNoSuchDevice)
		return
	}

	var attrs map[string]any
	if err := decodeJSON(r, &attrs); err != nil {
		s.writeError(w, err)
		return
	}

	client := slaves.NewClient(slaves.ClientOptions{
		Scheme:            target.Scheme,
		Host:              target.Host,
		Port:              target.Port,
		Path:              target.Path,
		AdminPasswordHash: device.HashPassword(""),
		Timeout:           10 * time.Second,
	}, s.deps.Metrics, s.logger)

	if _, err := client.Request(r.Context(), "PATCH", "/device", attrs, 0); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}
