package ports

import (
	"context"
	"sort"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/expressions"
)

// GetAttrs snapshots the port's attributes.
func (p *BasePort) GetAttrs(ctx context.Context) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attrs := map[string]any{
		"id":                p.id,
		"type":              string(p.typ),
		"writable":          p.writable,
		"enabled":           p.enabled,
		"online":            p.enabled,
		"tag":               p.tag,
		"display_name":      p.displayName,
		"expression":        p.exprSource,
		"transform_read":    p.transformReadSrc,
		"transform_write":   p.transformWriteSrc,
		"history_interval":  p.historyInterval,
		"history_retention": p.historyRetention,
	}
	if p.min != nil {
		attrs["min"] = *p.min
	}
	if p.max != nil {
		attrs["max"] = *p.max
	}
	if p.step != nil {
		attrs["step"] = *p.step
	}
	if p.integer {
		attrs["integer"] = true
	}
	if len(p.choices) > 0 {
		attrs["choices"] = p.choices
	}
	return attrs, nil
}

// SetAttrs applies attribute changes, persists them and fires one
// port-update event. Expression attributes are parsed and
// cycle-checked before taking effect.
func (p *BasePort) SetAttrs(ctx context.Context, attrs map[string]any) error {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := p.setAttr(ctx, name, attrs[name]); err != nil {
			return err
		}
	}

	if err := p.save(ctx); err != nil {
		return err
	}
	p.triggerUpdate(ctx)
	return nil
}

func (p *BasePort) setAttr(ctx context.Context, name string, value any) error {
	switch name {
	case "enabled":
		enabled, ok := value.(bool)
		if !ok {
			return errors.InvalidField(name)
		}
		p.mu.Lock()
		p.enabled = enabled
		p.mu.Unlock()
		return nil

	case "tag":
		return p.setStringAttr(name, value, func(s string) { p.tag = s })

	case "display_name":
		return p.setStringAttr(name, value, func(s string) { p.displayName = s })

	case "expression":
		return p.setExpression(value)

	case "transform_read":
		return p.setTransform(name, value, expressions.RoleTransformRead)

	case "transform_write":
		return p.setTransform(name, value, expressions.RoleTransformWrite)

	case "history_interval":
		return p.setIntAttr(name, value, func(n int64) { p.historyInterval = n })

	case "history_retention":
		return p.setIntAttr(name, value, func(n int64) { p.historyRetention = n })

	default:
		return errors.NoSuch("attribute").
			WithParams(map[string]any{"field": name})
	}
}

func (p *BasePort) setStringAttr(name string, value any, apply func(string)) error {
	s, ok := value.(string)
	if !ok {
		return errors.InvalidField(name)
	}
	p.mu.Lock()
	apply(s)
	p.mu.Unlock()
	return nil
}

func (p *BasePort) setIntAttr(name string, value any, apply func(int64)) error {
	n, ok := toNumber(value)
	if !ok {
		return errors.InvalidField(name)
	}
	p.mu.Lock()
	apply(int64(n))
	p.mu.Unlock()
	return nil
}

func (p *BasePort) setExpression(value any) error {
	source, ok := value.(string)
	if !ok {
		return errors.InvalidField("expression")
	}

	if source == "" {
		p.mu.Lock()
		p.exprSource = ""
		p.expr = nil
		p.mu.Unlock()
		return nil
	}
	if !p.writable {
		return errors.ErrReadOnlyPort
	}

	expr, err := expressions.Parse(p.id, source, expressions.RoleValue)
	if err != nil {
		return errors.InvalidField("expression", err.Error())
	}
	if p.registry != nil {
		if err := p.registry.CheckLoops(p.id, expr); err != nil {
			return errors.InvalidField("expression", err.Error())
		}
	}

	p.mu.Lock()
	p.exprSource = source
	p.expr = expr
	p.mu.Unlock()
	return nil
}

func (p *BasePort) setTransform(name string, value any,
	role expressions.Role) error {

	source, ok := value.(string)
	if !ok {
		return errors.InvalidField(name)
	}

	var expr *expressions.Expression
	if source != "" {
		var err error
		expr, err = expressions.Parse(p.id, source, role)
		if err != nil {
			return errors.InvalidField(name, err.Error())
		}
	}

	p.mu.Lock()
	if role == expressions.RoleTransformRead {
		p.transformReadSrc, p.transformRead = source, expr
	} else {
		p.transformWriteSrc, p.transformWrite = source, expr
	}
	p.mu.Unlock()
	return nil
}

// ToJSON serializes the port for the API and for port events: all
// attributes, the current value and the non-standard attribute
// definitions.
func (p *BasePort) ToJSON(ctx context.Context) (map[string]any, error) {
	attrs, err := p.GetAttrs(ctx)
	if err != nil {
		return nil, err
	}
	attrs["value"] = p.ExportValue(p.LastReadValue())
	attrs["definitions"] = map[string]any{}
	return attrs, nil
}

// save persists the modifiable attributes to the ports collection.
func (p *BasePort) save(ctx context.Context) error {
	if p.registry == nil || p.registry.store == nil {
		return nil
	}

	p.mu.Lock()
	record := map[string]any{
		"id":                p.id,
		"enabled":           p.enabled,
		"tag":               p.tag,
		"display_name":      p.displayName,
		"expression":        p.exprSource,
		"transform_read":    p.transformReadSrc,
		"transform_write":   p.transformWriteSrc,
		"history_interval":  p.historyInterval,
		"history_retention": p.historyRetention,
	}
	p.mu.Unlock()

	if err := p.registry.store.Replace(ctx, CollPorts, p.id, record); err != nil {
		return errors.Wrap(err, "ports", "save", "persist "+p.id)
	}
	return nil
}

// loadPersisted restores previously saved attributes without firing
// events or re-persisting.
func (p *BasePort) loadPersisted(ctx context.Context) error {
	if p.registry == nil || p.registry.store == nil {
		return nil
	}

	record, err := p.registry.store.Get(ctx, CollPorts, p.id)
	if err != nil {
		if errors.Is(err, errors.ErrRecordNotFound) {
			return nil
		}
		return errors.Wrap(err, "ports", "loadPersisted", "load "+p.id)
	}

	for _, name := range []string{
		"enabled", "tag", "display_name", "expression",
		"transform_read", "transform_write",
		"history_interval", "history_retention",
	} {
		value, ok := record[name]
		if !ok {
			continue
		}
		if err := p.setAttr(ctx, name, value); err != nil {
			p.logger.Warn("dropping bad persisted attribute",
				"attribute", name, "error", err)
		}
	}
	return nil
}
