// Package model runs search, create, update and remove statements over collections of records.
//
// A [Model] declares fields, filters and sorts ([Definition]) and the keys that identify
// its records. Callers select what a statement works on with a [Query], either through the
// fluent state of the model or explicitly with [Model.Run]. Statements read and write records
// through a [Source], and write statements are reverted as a whole when anything fails.
package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/slog"
)

type (
	// Method is the operation run by a statement.
	Method string

	// Key identifies a record: the values of the fields of one key spec.
	Key = obj.O

	// KeySpec is the ordered list of fields that compose a key.
	KeySpec []string

	// Model is the façade over a record [Source]: it owns the definitions, the keys and the
	// fluent query state used by its operations.
	Model struct {
		name     string
		source   Source
		observer Observer

		defs  []Definition
		index map[Kind]map[string]Definition
		keys  []KeySpec

		mu    sync.Mutex
		query Query
	}

	// ModelOption configures a [Model].
	ModelOption func(*Model)

	// Change describes a committed write statement.
	Change struct {
		Model  string `json:"model"`
		Method Method `json:"method"`
		Keys   []Key  `json:"keys"`
	}

	// Observer is notified of every committed write statement of a model.
	Observer interface {
		Observe(ctx context.Context, change Change) error
	}

	// ObserverFunc adapts a function to an [Observer].
	ObserverFunc func(ctx context.Context, change Change) error

	// pendingChange is a change of model waiting for the outermost statement to commit.
	pendingChange struct {
		model  *Model
		change Change
	}
)

// Methods.
const (
	MethodSearch Method = "search"
	MethodCreate Method = "create"
	MethodUpdate Method = "update"
	MethodRemove Method = "remove"
)

// Error kinds. Errors of the [Source] are never tagged with these.
var (
	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrLogic indicates a structural misuse of a model, like using an undeclared definition.
	ErrLogic = errors.New("logic error")
)

// ParseMethod parses a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodSearch, MethodCreate, MethodUpdate, MethodRemove:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown method %q", ErrInvalidArgument, s)
}

// IsWrite reports whether the method changes the source.
func (m Method) IsWrite() bool {
	return m == MethodCreate || m == MethodUpdate || m == MethodRemove
}

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// WithObserver sets the observer notified of committed writes.
func WithObserver(o Observer) ModelOption {
	return func(m *Model) {
		m.observer = o
	}
}

// New creates a model named name over the given source.
func New(name string, source Source, opts ...ModelOption) *Model {
	m := &Model{
		name:   name,
		source: source,
		index:  map[Kind]map[string]Definition{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Source returns the model source.
func (m *Model) Source() Source { return m.source }

// Define registers definitions. Names are unique per kind.
func (m *Model) Define(defs ...Definition) error {
	for _, def := range defs {
		byName, ok := m.index[def.Kind()]
		if !ok {
			byName = map[string]Definition{}
			m.index[def.Kind()] = byName
		}
		if _, ok := byName[def.Name()]; ok {
			return fmt.Errorf("%w: model %q: %s %q already defined", ErrInvalidArgument, m.name, def.Kind(), def.Name())
		}
		byName[def.Name()] = def
		m.defs = append(m.defs, def)
	}
	return nil
}

// Definition returns the registered definition of the given kind and name.
func (m *Model) Definition(kind Kind, name string) (Definition, bool) {
	def, ok := m.index[kind][name]
	return def, ok
}

// Definitions returns the registered definitions of the given kind, in registration order.
func (m *Model) Definitions(kind Kind) []Definition {
	var defs []Definition
	for _, def := range m.defs {
		if def.Kind() == kind {
			defs = append(defs, def)
		}
	}
	return defs
}

// SetKey sets the key specs of the model, the first one is the primary key.
// Every field of a key must have a filter with the same name.
func (m *Model) SetKey(specs ...KeySpec) error {
	for _, spec := range specs {
		if len(spec) == 0 {
			return fmt.Errorf("%w: model %q: empty key spec", ErrInvalidArgument, m.name)
		}
		for _, name := range spec {
			if _, ok := m.index[KindFilter][name]; !ok {
				return fmt.Errorf("%w: model %q: key field %q has no filter", ErrLogic, m.name, name)
			}
		}
	}
	m.keys = slices.Clone(specs)
	return nil
}

// Keys returns the key specs of the model.
func (m *Model) Keys() []KeySpec {
	return slices.Clone(m.keys)
}

// Key returns the key of the given record: the values of the first key spec whose fields are
// all present and not nil. With primary only the primary key is tried. nil is returned when no spec matches.
func (m *Model) Key(record obj.O, primary bool) Key {
	specs := m.keys
	if primary && len(specs) > 0 {
		specs = specs[:1]
	}
	for _, spec := range specs {
		if hasAll(record, spec) {
			return obj.Pick(record, spec...)
		}
	}
	return nil
}

func hasAll(record obj.O, names []string) bool {
	for _, name := range names {
		if v, ok := record[name]; !ok || v == nil {
			return false
		}
	}
	return true
}

// Statement creates a statement for the method and query.
func (m *Model) Statement(method Method, q Query) (*Statement, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	defs, err := m.MakeDefinitionList(method, q)
	if err != nil {
		return nil, err
	}
	st := &Statement{model: m, method: method, defs: defs}
	if method == MethodCreate {
		st.size = len(q.Fields)
	}
	return st, nil
}

// Run runs a statement for the method and query without touching the fluent state.
// A limit of zero means no limit.
//
// Observers are notified once the statement committed: first the change of m, then the
// changes cascaded to other models.
func (m *Model) Run(ctx context.Context, method Method, q Query, limit, offset int) (Result, error) {
	res, changes, err := m.run(ctx, method, q, limit, offset)
	if err != nil {
		return Result{}, err
	}
	for _, c := range changes {
		c.model.notify(ctx, c.change)
	}
	return res, nil
}

// run runs a statement without notifying observers and returns the changes it committed.
func (m *Model) run(ctx context.Context, method Method, q Query, limit, offset int) (Result, []pendingChange, error) {
	st, err := m.Statement(method, q)
	if err != nil {
		return Result{}, nil, err
	}
	res, err := st.Invoke(ctx, limit, offset)
	if err != nil {
		return Result{}, nil, err
	}
	var changes []pendingChange
	if method.IsWrite() && len(res.Keys) > 0 {
		changes = append(changes, pendingChange{model: m, change: Change{Model: m.name, Method: method, Keys: res.Keys}})
	}
	return res, append(changes, st.cascaded...), nil
}

func (m *Model) notify(ctx context.Context, change Change) {
	if m.observer == nil {
		return
	}
	if err := m.observer.Observe(ctx, change); err != nil {
		slog.FromCtx(ctx).Error("observing model change", "model", m.name, "method", string(change.Method), "error", err)
	}
}
