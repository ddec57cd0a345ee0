// Package device implements the declarative device attribute catalog:
// typed attribute definitions with getter/setter hooks, JSON-Schema
// derivation and batched setter calls.
package device

import (
	"context"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/qtoggle/qtoggleserver/errors"
)

// Type is the value type of a device attribute.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeList    Type = "list"
)

// Getter reads an attribute's current value.
type Getter func(ctx context.Context) (any, error)

// Setter applies a new attribute value.
type Setter func(ctx context.Context, value any) error

// BatchCall reads and writes a group of attributes through one
// underlying operation; Wi-Fi SSID/PSK/BSSID share a single config
// call this way.
type BatchCall struct {
	Name string
	Get  func(ctx context.Context) (map[string]any, error)
	Set  func(ctx context.Context, fields map[string]any) error
}

// Batched binds an attribute to a key of a BatchCall. Transform, when
// set, rewrites the raw field value on read.
type Batched struct {
	Call      *BatchCall
	Key       string
	Transform func(any) any
}

// Attrdef describes one device attribute. Metadata fields come in a
// static and a computed form; computed forms are resolved once when
// the catalog is built. Exactly one of Get/Batched/GetCmd should be
// set for readable attributes, and likewise for the setter side.
type Attrdef struct {
	Name         string
	Type         Type
	Modifiable   bool
	ModifiableFn func() bool
	Reboot       bool
	Min, Max     *float64
	MinFn, MaxFn func() *float64
	Choices      []any
	Pattern      string
	Enabled      func() bool
	WriteOnly    bool

	Get     Getter
	Set     Setter
	Batched *Batched

	GetCmd string
	SetCmd string
}

// Catalog is the effective attribute set: definitions with a false
// Enabled predicate are dropped and computed metadata is resolved.
type Catalog struct {
	defs   []*Attrdef
	byName map[string]*Attrdef
	logger *slog.Logger
}

// NewCatalog builds the effective catalog from raw definitions.
func NewCatalog(defs []*Attrdef, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		byName: map[string]*Attrdef{},
		logger: logger.With("component", "device"),
	}
	for _, def := range defs {
		if def.Enabled != nil && !def.Enabled() {
			continue
		}
		resolved := *def
		if def.ModifiableFn != nil {
			resolved.Modifiable = def.ModifiableFn()
		}
		if def.MinFn != nil {
			resolved.Min = def.MinFn()
		}
		if def.MaxFn != nil {
			resolved.Max = def.MaxFn()
		}
		c.defs = append(c.defs, &resolved)
		c.byName[resolved.Name] = &resolved
	}
	return c
}

// Defs returns the effective definitions in declaration order.
func (c *Catalog) Defs() []*Attrdef { return c.defs }

// Lookup finds a definition by attribute name.
func (c *Catalog) Lookup(name string) (*Attrdef, bool) {
	def, ok := c.byName[name]
	return def, ok
}

// GetAttrs snapshots all readable attribute values. Each batch call
// is invoked at most once.
func (c *Catalog) GetAttrs(ctx context.Context) (map[string]any, error) {
	attrs := make(map[string]any, len(c.defs))
	batches := map[*BatchCall]map[string]any{}

	for _, def := range c.defs {
		if def.WriteOnly {
			continue
		}
		v, err := c.getAttr(ctx, def, batches)
		if err != nil {
			return nil, err
		}
		attrs[def.Name] = v
	}
	return attrs, nil
}

// GetAttr reads a single attribute value.
func (c *Catalog) GetAttr(ctx context.Context, name string) (any, error) {
	def, ok := c.byName[name]
	if !ok || def.WriteOnly {
		return nil, errors.NoSuch("attribute")
	}
	return c.getAttr(ctx, def, map[*BatchCall]map[string]any{})
}

func (c *Catalog) getAttr(ctx context.Context, def *Attrdef,
	batches map[*BatchCall]map[string]any) (any, error) {

	switch {
	case def.Batched != nil:
		fields, ok := batches[def.Batched.Call]
		if !ok {
			var err error
			fields, err = def.Batched.Call.Get(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "device", "getAttr",
					"batch read "+def.Batched.Call.Name)
			}
			batches[def.Batched.Call] = fields
		}
		v := fields[def.Batched.Key]
		if def.Batched.Transform != nil {
			v = def.Batched.Transform(v)
		}
		return v, nil

	case def.GetCmd != "":
		return c.runGetCmd(ctx, def)

	case def.Get != nil:
		v, err := def.Get(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "device", "getAttr", "read "+def.Name)
		}
		return v, nil
	}
	return nil, nil
}

// SetAttrs applies a set of attribute changes. Unknown attributes are
// rejected unless ignoreExtra is set; non-modifiable attributes are
// always rejected. Batched setters are grouped so each underlying call
// runs once, with untouched fields filled from a getter snapshot. The
// returned flag reports whether any applied attribute requires a
// reboot.
func (c *Catalog) SetAttrs(ctx context.Context, attrs map[string]any,
	ignoreExtra bool) (bool, error) {

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	type batchUpdate struct {
		call   *BatchCall
		fields map[string]any
	}
	var (
		batches     []*batchUpdate
		batchByCall = map[*BatchCall]*batchUpdate{}
		reboot      bool
	)

	for _, name := range names {
		def, ok := c.byName[name]
		if !ok {
			if ignoreExtra {
				continue
			}
			return false, errors.NoSuch("attribute").
				WithParams(map[string]any{"field": name})
		}
		if !def.Modifiable {
			return false, errors.InvalidField(name, "attribute not modifiable")
		}
		if err := c.validateValue(def, attrs[name]); err != nil {
			return false, err
		}

		value := attrs[name]
		switch {
		case def.Batched != nil:
			update, ok := batchByCall[def.Batched.Call]
			if !ok {
				snapshot, err := def.Batched.Call.Get(ctx)
				if err != nil {
					return false, errors.Wrap(err, "device", "setAttrs",
						"batch snapshot "+def.Batched.Call.Name)
				}
				update = &batchUpdate{call: def.Batched.Call, fields: snapshot}
				batchByCall[def.Batched.Call] = update
				batches = append(batches, update)
			}
			update.fields[def.Batched.Key] = value

		case def.SetCmd != "":
			if err := c.runSetCmd(ctx, def, value); err != nil {
				return false, err
			}

		case def.Set != nil:
			if err := def.Set(ctx, value); err != nil {
				return false, errors.Wrap(err, "device", "setAttrs", "write "+name)
			}

		default:
			return false, errors.InvalidField(name, "attribute has no setter")
		}

		if def.Reboot {
			reboot = true
		}
	}

	for _, update := range batches {
		if err := update.call.Set(ctx, update.fields); err != nil {
			return false, errors.Wrap(err, "device", "setAttrs",
				"batch write "+update.call.Name)
		}
	}
	return reboot, nil
}

func (c *Catalog) runGetCmd(ctx context.Context, def *Attrdef) (any, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", def.GetCmd).Output()
	if err != nil {
		return nil, errors.Wrap(err, "device", "runGetCmd", "run "+def.Name+" command")
	}
	text := strings.TrimSpace(string(out))

	switch def.Type {
	case TypeNumber:
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, errors.WrapInvalid(err, "device", "runGetCmd",
				"parse "+def.Name+" output")
		}
		return n, nil
	case TypeBoolean:
		return text == "true" || text == "1", nil
	default:
		return text, nil
	}
}

func (c *Catalog) runSetCmd(ctx context.Context, def *Attrdef, value any) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", def.SetCmd)
	cmd.Env = append(cmd.Environ(), "QS_ATTR_VALUE="+attrValueString(value))
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "device", "runSetCmd", "run "+def.Name+" command")
	}
	return nil
}

func attrValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
