// Package ports implements the port model: addressable scalar I/O
// endpoints with attributes, transforms, expressions, sequences and
// change events.
package ports

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/qtoggle/qtoggleserver/errors"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/expressions"
)

// Type is a port's value type.
type Type string

const (
	TypeBoolean Type = "boolean"
	TypeNumber  Type = "number"
)

// Reason tags the origin of a value write.
type Reason string

const (
	ReasonAPI        Reason = "api"
	ReasonExpression Reason = "expression"
	ReasonSequence   Reason = "sequence"
)

// IDRegexp constrains port identifiers.
var IDRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]{0,63}$`)

// ValueDriver is the hardware/backing side of a port. Read returns
// nil when the value is currently unavailable.
type ValueDriver interface {
	Read(ctx context.Context) (*float64, error)
	Write(ctx context.Context, value float64) error
}

// Port is the behavior shared by local and slave ports.
type Port interface {
	ID() string
	Type() Type
	IsWritable() bool
	IsEnabled() bool
	IsPersisted() bool

	LastReadValue() *float64
	ReadValue(ctx context.Context) (*float64, error)
	WriteTransformedValue(ctx context.Context, value float64, reason Reason) error
	SetSequence(ctx context.Context, values []float64, delaysMS []int64, repeat int) error

	Expression() *expressions.Expression
	HistoryInterval() int64
	HistoryRetention() int64

	GetAttrs(ctx context.Context) (map[string]any, error)
	SetAttrs(ctx context.Context, attrs map[string]any) error
	ToJSON(ctx context.Context) (map[string]any, error)

	Close(ctx context.Context)
}

// BasePort implements Port over a ValueDriver. Slave ports embed it
// and override the remote-owned behavior.
type BasePort struct {
	mu sync.Mutex

	id       string
	typ      Type
	writable bool
	enabled  bool

	min, max, step *float64
	integer        bool
	choices        []any

	tag         string
	displayName string

	exprSource        string
	expr              *expressions.Expression
	transformReadSrc  string
	transformRead     *expressions.Expression
	transformWriteSrc string
	transformWrite    *expressions.Expression

	historyInterval  int64 // -1 on change, 0 off, >0 seconds
	historyRetention int64 // seconds, 0 unlimited

	lastReadValue    *float64
	lastWrittenValue *float64

	seqCancel context.CancelFunc

	driver   ValueDriver
	bus      *events.Bus
	registry *Registry
	logger   *slog.Logger
}

// NewBasePort builds a port over the given driver.
func NewBasePort(id string, typ Type, writable bool, driver ValueDriver,
	logger *slog.Logger) *BasePort {

	if logger == nil {
		logger = slog.Default()
	}
	return &BasePort{
		id:       id,
		typ:      typ,
		writable: writable,
		driver:   driver,
		logger:   logger.With("component", "ports", "port", id),
	}
}

func (p *BasePort) ID() string        { return p.id }
func (p *BasePort) Type() Type        { return p.typ }
func (p *BasePort) IsWritable() bool  { return p.writable }
func (p *BasePort) IsPersisted() bool { return true }

func (p *BasePort) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetBounds configures the numeric constraints.
// SetEnabled flips the enabled flag without persisting or firing
// events, for ports whose enabled state is mastered elsewhere.
func (p *BasePort) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

func (p *BasePort) SetBounds(min, max, step *float64, integer bool, choices []any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.min, p.max, p.step = min, max, step
	p.integer = integer
	p.choices = choices
}

// LastReadValue returns the cached value from the last read, nil when
// unavailable.
func (p *BasePort) LastReadValue() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReadValue
}

func (p *BasePort) Expression() *expressions.Expression {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expr
}

func (p *BasePort) HistoryInterval() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historyInterval
}

func (p *BasePort) HistoryRetention() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historyRetention
}

// ReadValue polls the driver, applies the read transform, detects
// changes and fires value-change events.
func (p *BasePort) ReadValue(ctx context.Context) (*float64, error) {
	p.mu.Lock()
	enabled := p.enabled
	transform := p.transformRead
	p.mu.Unlock()

	if !enabled {
		return nil, errors.ErrPortDisabled
	}

	raw, err := p.driver.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ports", "readValue", "read "+p.id)
	}

	value := raw
	if raw != nil && transform != nil {
		transformed, err := transform.Eval(&expressions.Context{
			Ctx:        ctx,
			PortValues: map[string]*float64{p.id: raw},
			NowMS:      time.Now().UnixMilli(),
		})
		if err != nil {
			// Transform failures fall back to the raw value.
			p.logger.Warn("read transform failed", "error", err)
		} else {
			value = &transformed
		}
	}

	p.mu.Lock()
	changed := !valuesEqual(p.lastReadValue, value)
	p.lastReadValue = value
	p.mu.Unlock()

	if changed {
		p.triggerValueChange(ctx, value)
	}
	return value, nil
}

// WriteTransformedValue validates the value, applies the write
// transform and pushes the result through the driver.
func (p *BasePort) WriteTransformedValue(ctx context.Context, value float64,
	reason Reason) error {

	p.mu.Lock()
	enabled := p.enabled
	hasExpr := p.exprSource != ""
	transform := p.transformWrite
	preWrite := p.lastReadValue
	p.mu.Unlock()

	if !enabled {
		return errors.ErrPortDisabled
	}
	if !p.writable {
		return errors.ErrReadOnlyPort
	}
	if hasExpr && reason == ReasonAPI {
		return errors.ErrPortWithExpression
	}
	if err := p.ValidateValue(value); err != nil {
		return err
	}

	actual := value
	if transform != nil {
		transformed, err := transform.Eval(&expressions.Context{
			Ctx:        ctx,
			PortValues: map[string]*float64{p.id: &value},
			NowMS:      time.Now().UnixMilli(),
		})
		if err != nil {
			return errors.Wrap(err, "ports", "writeTransformedValue",
				"apply write transform")
		}
		actual = transformed
	}

	if err := p.driver.Write(ctx, actual); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.ErrPortTimeout
		}
		return errors.Wrap(errors.ErrPortError, "ports", "writeTransformedValue",
			"write "+p.id+": "+err.Error())
	}

	p.mu.Lock()
	p.lastWrittenValue = &actual
	p.mu.Unlock()

	// Re-read so the cached value reflects the write.
	postWrite, err := p.ReadValue(ctx)
	if err != nil {
		return err
	}

	// The driver may have coerced the write into a no-op. If the caller
	// asked for a change, acknowledge it with a value-change anyway.
	wantedChange := preWrite == nil || *preWrite != value
	if wantedChange && valuesEqual(preWrite, postWrite) {
		p.triggerValueChange(ctx, postWrite)
	}
	return nil
}

// ValidateValue checks a candidate value against the port's schema.
func (p *BasePort) ValidateValue(value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.typ == TypeBoolean {
		if value != 0 && value != 1 {
			return errors.ErrInvalidValue
		}
		return nil
	}

	if p.integer && value != math.Trunc(value) {
		return errors.ErrInvalidValue
	}
	if p.min != nil && value < *p.min {
		return errors.ErrInvalidValue
	}
	if p.max != nil && value > *p.max {
		return errors.ErrInvalidValue
	}
	if p.step != nil && *p.step > 0 {
		base := 0.0
		if p.min != nil {
			base = *p.min
		}
		steps := (value - base) / *p.step
		if math.Abs(steps-math.Round(steps)) > 1e-9 {
			return errors.ErrInvalidValue
		}
	}
	if len(p.choices) > 0 {
		for _, choice := range p.choices {
			if c, ok := toNumber(choice); ok && c == value {
				return nil
			}
		}
		return errors.ErrInvalidValue
	}
	return nil
}

// SetSequence programs a series of timed writes. repeat 0 runs
// forever; the API layer rejects it before it gets here.
func (p *BasePort) SetSequence(ctx context.Context, values []float64,
	delaysMS []int64, repeat int) error {

	if len(values) != len(delaysMS) {
		return errors.InvalidField("delays", "must match values length")
	}

	p.mu.Lock()
	if p.exprSource != "" {
		p.mu.Unlock()
		return errors.ErrPortWithExpression
	}
	if p.seqCancel != nil {
		p.seqCancel()
		p.seqCancel = nil
	}
	if len(values) == 0 {
		p.mu.Unlock()
		return nil
	}

	seqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.seqCancel = cancel
	p.mu.Unlock()

	go p.runSequence(seqCtx, values, delaysMS, repeat)
	return nil
}

func (p *BasePort) runSequence(ctx context.Context, values []float64,
	delaysMS []int64, repeat int) {

	for rep := 0; repeat == 0 || rep < repeat; rep++ {
		for i, value := range values {
			if err := p.WriteTransformedValue(ctx, value, ReasonSequence); err != nil {
				p.logger.Error("sequence write failed", "error", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(delaysMS[i]) * time.Millisecond):
			}
		}
	}
}

// triggerValueChange announces the new value on the bus.
func (p *BasePort) triggerValueChange(ctx context.Context, value *float64) {
	if p.bus == nil {
		return
	}
	p.bus.Trigger(ctx, events.NewValueChange(p.id, p.ExportValue(value)))
}

// triggerUpdate announces an attribute change on the bus.
func (p *BasePort) triggerUpdate(ctx context.Context) {
	if p.bus == nil {
		return
	}
	p.bus.Trigger(ctx, events.NewPortUpdate(p.id, func(ctx context.Context) (any, error) {
		return p.ToJSON(ctx)
	}))
}

// ExportValue converts an internal value into its wire form.
func (p *BasePort) ExportValue(value *float64) any {
	if value == nil {
		return nil
	}
	if p.typ == TypeBoolean {
		return *value != 0
	}
	return *value
}

// ImportValue converts a wire value into the internal form.
func (p *BasePort) ImportValue(value any) (float64, error) {
	switch v := value.(type) {
	case bool:
		if p.typ != TypeBoolean {
			return 0, errors.ErrInvalidValue
		}
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		if p.typ != TypeNumber {
			return 0, errors.ErrInvalidValue
		}
		return v, nil
	case int:
		if p.typ != TypeNumber {
			return 0, errors.ErrInvalidValue
		}
		return float64(v), nil
	default:
		return 0, errors.ErrInvalidValue
	}
}

// Close cancels any running sequence.
func (p *BasePort) Close(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seqCancel != nil {
		p.seqCancel()
		p.seqCancel = nil
	}
}

func valuesEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case map[string]any:
		// Choices may come as {value, display_name} objects.
		return toNumber(t["value"])
	default:
		return 0, false
	}
}
