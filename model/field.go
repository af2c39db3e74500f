package model

import (
	"context"
	"fmt"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

type (
	// Formatter validates and transforms the value of a field for one record.
	// It receives the raw value, the full list of records being processed, the field and the
	// slot (record position) being formatted.
	Formatter func(value any, list []obj.O, field *Field, slot int) (any, error)

	// Field describes a queryable and writable attribute of the records.
	Field struct {
		Base
		path      string
		formatter Formatter
		def       any
		hasDef    bool
	}
)

// NewField creates a field definition.
// Accepted options: [WithFlag], [WithFormatter], [WithDefault], [WithPath], [WithOperator] and [WithOperators].
func NewField(name string, opts ...Option) (*Field, error) {
	cfg := newConfig(opts)
	base, err := newBase(KindField, name, cfg)
	if err != nil {
		return nil, err
	}
	return newField(base, cfg), nil
}

func newField(base Base, cfg config) *Field {
	path := cfg.path
	if path == "" {
		path = base.name
	}
	return &Field{
		Base:      base,
		path:      path,
		formatter: cfg.formatter,
		def:       cfg.def,
		hasDef:    cfg.hasDef,
	}
}

// Instance implements [Definition].
func (f *Field) Instance() Definition {
	c := *f
	c.Base = f.instance()
	return &c
}

// Path returns the record path of the field.
func (f *Field) Path() string { return f.path }

// Default returns the default value of the field and whether one is configured.
func (f *Field) Default() (any, bool) {
	return f.def, f.hasDef
}

// Format applies the default value and the formatter of the field to value.
func (f *Field) Format(value any, list []obj.O, slot int) (any, error) {
	if value == nil && f.hasDef {
		value = obj.CloneValue(f.def)
	}
	if f.formatter == nil {
		return value, nil
	}
	return f.formatter(value, list, f, slot)
}

// Shape writes the field of the source record in into the output record out.
// pos is the position of the record in list.
func (f *Field) Shape(_ context.Context, out, in obj.O, list []obj.O, pos int) error {
	raw, _ := obj.Lookup(in, f.path)
	v, err := f.Format(raw, list, f.slotFor(pos))
	if err != nil {
		return err
	}
	out[f.name] = v
	return nil
}

// Build writes the value assigned to the given slot into the record being created or patched.
// Nothing is written if the slot has no value for the field.
func (f *Field) Build(_ context.Context, rec obj.O, list []obj.O, slot int) error {
	raw, ok := f.Value(slot, operator.Operator{})
	if !ok {
		return nil
	}
	v, err := f.Format(raw, list, slot)
	if err != nil {
		return err
	}
	if err := obj.Set(rec, f.path, v); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrInvalidArgument, f.name, err)
	}
	return nil
}

func (f *Field) slotFor(pos int) int {
	if _, ok := f.slots[pos]; ok {
		return pos
	}
	return 0
}

// Method returns the method of the statement the field is attached to.
// Detached fields report [MethodSearch].
func (f *Field) Method() Method {
	if f.statement == nil {
		return MethodSearch
	}
	return f.statement.method
}

// shaper is the default behavior of field definitions.
type shaper interface {
	Shape(ctx context.Context, out, in obj.O, list []obj.O, pos int) error
	Build(ctx context.Context, rec obj.O, list []obj.O, slot int) error
}
