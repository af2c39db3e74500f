package model

import (
	"context"
	"fmt"
	"slices"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

type (
	// Kind is the kind of a [Definition].
	Kind string

	// Flag modifies the behavior of field definitions.
	Flag uint8

	// Slots holds the values assigned to a definition: slot index -> operator -> value.
	// Slots let the same definition carry a different value per record, like on a multi record create.
	Slots map[int]map[operator.Operator]any

	// Definition is a named rule of a [Model]: a field, a filter or a sort.
	//
	// Definitions registered on a model are templates and are never mutated by statements,
	// every statement works on its own copy created by [Definition.Instance].
	Definition interface {
		Kind() Kind
		Name() string
		Flag() Flag

		// Set assigns the value to the given operator and slot. The default operator resolves
		// to the definition's configured operator.
		Set(value any, op operator.Operator, slot int) error
		// Value returns the value assigned to the given slot and operator.
		Value(slot int, op operator.Operator) (any, bool)
		// Slots returns every assigned value.
		Slots() Slots
		// Instance returns a fresh copy of the definition with no values assigned.
		Instance() Definition

		// Attach binds the definition to the statement about to run.
		Attach(ctx context.Context, st *Statement) error
		// Apply post-processes the result of a write statement.
		Apply(ctx context.Context, list, original []obj.O) error
		// Revert undoes the side effects of Apply after the statement failed with cause.
		Revert(ctx context.Context, cause error, original []obj.O)
		// Detach unbinds the definition. It always runs, even after Revert.
		Detach(ctx context.Context, list, original []obj.O) error
	}

	// Handler is implemented by definitions that process a whole list on their own.
	// For filters and sorts list is the current selection and the returned list replaces it.
	// For fields list is the output being shaped and original is the selected source records.
	// When handled is false the default behavior of the definition kind is applied.
	Handler interface {
		Handle(ctx context.Context, list, original []obj.O) (result []obj.O, handled bool, err error)
	}

	// Option configures a definition.
	Option func(*config)

	config struct {
		flag       Flag
		operator   string
		operators  []string
		formatter  Formatter
		def        any
		hasDef     bool
		path       string
		multiple   *string
		search     Query
		restricted bool
	}
)

// Definition kinds.
const (
	KindField  Kind = "field"
	KindFilter Kind = "filter"
	KindSort   Kind = "sort"
)

// Field flags.
const (
	FlagNone Flag = 0
	// FlagManual excludes the field from searches unless it is explicitly selected.
	FlagManual Flag = 1
	// FlagStatic makes the field immutable, it is dropped from update payloads.
	FlagStatic Flag = 2
	// FlagRequired fills the field with its default on create when it is not given.
	FlagRequired Flag = 4
)

// ParseKind parses a definition kind token.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindField, KindFilter, KindSort:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown definition kind %q", ErrInvalidArgument, s)
}

// Has reports whether all the bits of v are set on f.
func (f Flag) Has(v Flag) bool {
	return f&v == v
}

// WithFlag sets the definition flags.
func WithFlag(f Flag) Option {
	return func(c *config) {
		c.flag |= f
	}
}

// WithOperator sets the operator token that the default operator resolves to.
func WithOperator(token string) Option {
	return func(c *config) {
		c.operator = token
	}
}

// WithOperators restricts the operator tokens accepted by the definition.
func WithOperators(tokens ...string) Option {
	return func(c *config) {
		c.operators = tokens
		c.restricted = true
	}
}

// WithFormatter sets the formatter of a field.
func WithFormatter(f Formatter) Option {
	return func(c *config) {
		c.formatter = f
	}
}

// WithDefault sets the value used when a field value is absent.
func WithDefault(v any) Option {
	return func(c *config) {
		c.def = v
		c.hasDef = true
	}
}

// WithPath sets the record path read (and written) by the definition, by default the definition name.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// Base holds the state shared by every definition kind.
// It is meant to be embedded by [Definition] implementations.
type Base struct {
	kind      Kind
	name      string
	flag      Flag
	operator  operator.Operator
	allowed   []operator.Operator
	slots     Slots
	statement *Statement
}

func newBase(kind Kind, name string, cfg config) (Base, error) {
	if name == "" {
		return Base{}, fmt.Errorf("%w: %s definition without name", ErrInvalidArgument, kind)
	}
	b := Base{
		kind:     kind,
		name:     name,
		flag:     cfg.flag,
		operator: operator.Parse(cfg.operator),
		slots:    Slots{},
	}
	if cfg.restricted {
		b.allowed = []operator.Operator{}
		for _, token := range cfg.operators {
			b.allowed = append(b.allowed, operator.Parse(token))
		}
		if !slices.Contains(b.allowed, b.operator) {
			return Base{}, fmt.Errorf("%w: %s %q: default operator %q is not allowed", ErrInvalidArgument, kind, name, b.operator)
		}
	}
	return b, nil
}

func newConfig(opts []Option) config {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Kind returns the definition kind.
func (b *Base) Kind() Kind { return b.kind }

// Name returns the definition name.
func (b *Base) Name() string { return b.name }

// Flag returns the definition flags.
func (b *Base) Flag() Flag { return b.flag }

// Operator returns the operator the default operator resolves to.
func (b *Base) Operator() operator.Operator { return b.operator }

// Statement returns the statement the definition is attached to, nil when detached.
func (b *Base) Statement() *Statement { return b.statement }

// Allows reports whether the given operator is accepted by the definition.
func (b *Base) Allows(op operator.Operator) bool {
	return b.allowed == nil || slices.Contains(b.allowed, b.resolve(op))
}

// Set implements [Definition].
func (b *Base) Set(value any, op operator.Operator, slot int) error {
	if slot < 0 {
		return fmt.Errorf("%w: %s %q: negative slot %d", ErrInvalidArgument, b.kind, b.name, slot)
	}
	op = b.resolve(op)
	if b.allowed != nil && !slices.Contains(b.allowed, op) {
		return fmt.Errorf("%w: %s %q: operator %q is not allowed", ErrInvalidArgument, b.kind, b.name, op)
	}
	values, ok := b.slots[slot]
	if !ok {
		values = map[operator.Operator]any{}
		b.slots[slot] = values
	}
	values[op] = obj.CloneValue(value)
	return nil
}

// Value implements [Definition].
func (b *Base) Value(slot int, op operator.Operator) (any, bool) {
	v, ok := b.slots[slot][b.resolve(op)]
	return v, ok
}

// Slots implements [Definition].
func (b *Base) Slots() Slots {
	return b.slots
}

// Attach implements [Definition].
func (b *Base) Attach(_ context.Context, st *Statement) error {
	b.statement = st
	return nil
}

// Apply implements [Definition].
func (b *Base) Apply(context.Context, []obj.O, []obj.O) error {
	return nil
}

// Revert implements [Definition].
func (b *Base) Revert(context.Context, error, []obj.O) {}

// Detach implements [Definition].
func (b *Base) Detach(context.Context, []obj.O, []obj.O) error {
	b.statement = nil
	return nil
}

// instance returns a copy of b with no values nor statement.
func (b *Base) instance() Base {
	c := *b
	c.slots = Slots{}
	c.statement = nil
	return c
}

func (b *Base) resolve(op operator.Operator) operator.Operator {
	if op.IsDefault() {
		return b.operator
	}
	return op
}

// slotCount returns the number of slots spanned by the assigned values.
func (s Slots) slotCount() int {
	n := 0
	for slot := range s {
		n = max(n, slot+1)
	}
	return n
}
