package api

import (
	"net/http"
	"strconv"

	"github.com/qtoggle/qtoggleserver/core"
	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/ports"
)

// valueExporter is the wire-conversion side of a port, promoted from
// BasePort on every port implementation.
type valueExporter interface {
	ExportValue(value *float64) any
	ImportValue(value any) (float64, error)
}

func (s *Server) getPorts(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Registry.All()
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		attrs, err := p.ToJSON(r.Context())
		if err != nil {
			s.logger.Error("cannot serialize port", "port", p.ID(), "error", err)
			continue
		}
		out = append(out, attrs)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) postPorts(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}

	spec, err := vportSpecFromJSON(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.VPorts.Add(r.Context(), spec); err != nil {
		s.writeError(w, err)
		return
	}

	p, ok := s.deps.Registry.Get(spec.ID)
	if !ok {
		s.writeError(w, errors.ErrNoSuchPort)
		return
	}
	attrs, err := p.ToJSON(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, attrs)
}

// putPorts restores a full port dump: attributes are reapplied and
// values rewritten with events suppressed, then a single full-update
// resynchronizes every listener.
func (s *Server) putPorts(w http.ResponseWriter, r *http.Request) {
	var entries []map[string]any
	if err := decodeJSON(r, &entries); err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	s.deps.Bus.Disable()
	if s.deps.Loop != nil {
		s.deps.Loop.DisableUpdating()
	}
	defer func() {
		if s.deps.Loop != nil {
			s.deps.Loop.EnableUpdating()
		}
		s.deps.Bus.Enable()
		s.deps.Bus.Trigger(ctx, events.NewFullUpdate())
	}()

	for _, entry := range entries {
		id, _ := entry["id"].(string)
		if id == "" {
			continue
		}

		p, ok := s.deps.Registry.Get(id)
		if !ok {
			if virtual, _ := entry["virtual"].(bool); virtual {
				spec, err := vportSpecFromJSON(entry)
				if err == nil {
					err = s.deps.VPorts.Add(ctx, spec)
				}
				if err != nil {
					s.logger.Error("cannot restore virtual port", "port", id,
						"error", err)
					continue
				}
				p, ok = s.deps.Registry.Get(id)
			}
			if !ok {
				continue
			}
		}

		attrs := restorableAttrs(entry)
		if len(attrs) > 0 {
			if err := p.SetAttrs(ctx, attrs); err != nil {
				s.logger.Error("cannot restore port attributes", "port", id,
					"error", err)
			}
		}

		value, hasValue := entry["value"]
		if !hasValue || value == nil || !p.IsWritable() {
			continue
		}
		exporter, ok := p.(valueExporter)
		if !ok {
			continue
		}
		imported, err := exporter.ImportValue(value)
		if err != nil {
			s.logger.Error("cannot restore port value", "port", id, "error", err)
			continue
		}
		if err := p.WriteTransformedValue(ctx, imported, ports.ReasonAPI); err != nil {
			s.logger.Error("cannot restore port value", "port", id, "error", err)
		}
	}
	s.writeNoContent(w)
}

// restorableAttrs filters a dumped port down to the attrs SetAttrs
// accepts.
func restorableAttrs(entry map[string]any) map[string]any {
	attrs := map[string]any{}
	for name, value := range entry {
		switch name {
		case "id", "type", "writable", "virtual", "value", "online",
			"last_sync", "provisioning", "definitions":
		default:
			attrs[name] = value
		}
	}
	return attrs
}

func (s *Server) patchPort(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchPort)
		return
	}

	var attrs map[string]any
	if err := decodeJSON(r, &attrs); err != nil {
		s.writeError(w, err)
		return
	}
	if err := p.SetAttrs(r.Context(), attrs); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) deletePort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Registry.Get(id); !ok {
		s.writeError(w, errors.ErrNoSuchPort)
		return
	}
	if !s.deps.VPorts.IsVirtual(r.Context(), id) {
		s.writeError(w, errors.NewAPIError("port-not-removable",
			http.StatusBadRequest))
		return
	}
	if err := s.deps.VPorts.Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) getPortValue(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchPort)
		return
	}

	value, err := p.ReadValue(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if exporter, ok := p.(valueExporter); ok {
		s.writeJSON(w, http.StatusOK, exporter.ExportValue(value))
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

func (s *Server) patchPortValue(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchPort)
		return
	}

	var raw any
	if err := decodeJSON(r, &raw); err != nil {
		s.writeError(w, err)
		return
	}
	exporter, ok := p.(valueExporter)
	if !ok {
		s.writeError(w, errors.ErrInvalidValue)
		return
	}
	value, err := exporter.ImportValue(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := p.WriteTransformedValue(r.Context(), value, ports.ReasonAPI); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) patchPortSequence(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, errors.ErrNoSuchPort)
		return
	}

	var body struct {
		Values []any   `json:"values"`
		Delays []int64 `json:"delays"`
		Repeat int     `json:"repeat"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Repeat < 1 || body.Repeat > 65535 {
		s.writeError(w, errors.InvalidField("repeat"))
		return
	}

	exporter, ok := p.(valueExporter)
	if !ok {
		s.writeError(w, errors.ErrInvalidValue)
		return
	}
	values := make([]float64, len(body.Values))
	for i, raw := range body.Values {
		value, err := exporter.ImportValue(raw)
		if err != nil {
			s.writeError(w, errors.InvalidField("values"))
			return
		}
		values[i] = value
	}

	if err := p.SetSequence(r.Context(), values, body.Delays, body.Repeat); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) getPortHistory(w http.ResponseWriter, r *http.Request) {
	history, p, err := s.historyPort(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	fromMS, toMS, err := historyRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, errors.InvalidField("limit"))
			return
		}
	}

	samples, err := history.QuerySamples(r.Context(), p.ID(), fromMS, toMS,
		limit, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	exporter, _ := p.(valueExporter)
	out := make([]map[string]any, len(samples))
	for i, sample := range samples {
		value := any(sample.Value)
		if exporter != nil {
			v := sample.Value
			value = exporter.ExportValue(&v)
		}
		out[i] = map[string]any{
			"value":     value,
			"timestamp": sample.TimestampMS,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) deletePortHistory(w http.ResponseWriter, r *http.Request) {
	history, p, err := s.historyPort(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	fromMS, toMS, err := historyRange(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := history.Remove(r.Context(), p.ID(), fromMS, toMS); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeNoContent(w)
}

func (s *Server) historyPort(r *http.Request) (*core.History, ports.Port, error) {
	history := s.deps.History
	if history == nil || !history.IsSupported() {
		return nil, nil, errors.NoSuch("function")
	}
	p, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		return nil, nil, errors.ErrNoSuchPort
	}
	return history, p, nil
}

func historyRange(r *http.Request) (fromMS, toMS *int64, err error) {
	parse := func(name string) (*int64, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return nil, nil
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.InvalidField(name)
		}
		return &value, nil
	}

	if fromMS, err = parse("from"); err != nil {
		return nil, nil, err
	}
	if toMS, err = parse("to"); err != nil {
		return nil, nil, err
	}
	return fromMS, toMS, nil
}

func vportSpecFromJSON(body map[string]any) (ports.VPortSpec, error) {
	id, _ := body["id"].(string)
	typ, _ := body["type"].(string)
	spec := ports.VPortSpec{ID: id, Type: ports.Type(typ)}

	number := func(name string) *float64 {
		if v, ok := body[name].(float64); ok {
			return &v
		}
		return nil
	}
	spec.Min = number("min")
	spec.Max = number("max")
	spec.Step = number("step")
	spec.Integer, _ = body["integer"].(bool)
	spec.Choices, _ = body["choices"].([]any)
	return spec, nil
}
