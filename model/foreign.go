package model

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
	"github.com/birdie-ai/modelkit/slog"
)

// Foreign is a field joining the records of another model.
//
// On search the field holds the foreign records whose foreignKey filter matches the value of
// key on the local record: a single record (the first match), a list or a map keyed by a
// property of the foreign records, see [AsList] and [AsMap]. The records are joined on the
// foreign field read by the foreignKey filter.
//
// On writes the assigned value is cascaded to the foreign model: create creates the given
// foreign records, update creates or updates them and removes the related foreign records
// missing from the value, remove removes every related foreign record. Revert restores the
// foreign source as it was when the statement started. The cascaded writes are notified to
// the observer of the foreign model only once the statement commits.
type Foreign struct {
	Field
	foreign    *Model
	key        string
	foreignKey string
	join       *Field
	multiple   *string
	search     Query

	snapshot Snapshot
	snapped  bool
}

// AsList makes a [Foreign] field hold the list of every related record.
func AsList() Option {
	return func(c *config) {
		s := ""
		c.multiple = &s
	}
}

// AsMap makes a [Foreign] field hold the related records keyed by their prop property.
func AsMap(prop string) Option {
	return func(c *config) {
		c.multiple = &prop
	}
}

// WithSearch sets the query merged into the search of the foreign records.
func WithSearch(q Query) Option {
	return func(c *config) {
		c.search = q.Clone()
	}
}

// NewForeign creates a field named name joining the records of the foreign model whose
// foreignKey filter matches the key property of the local records. The filter must be a
// [Filter] and the foreign model must have a [Field] with the same path.
// Accepted options: [AsList], [AsMap], [WithSearch] and [WithFlag].
func NewForeign(name string, foreign *Model, key, foreignKey string, opts ...Option) (*Foreign, error) {
	if foreign == nil {
		return nil, fmt.Errorf("%w: foreign field %q without model", ErrInvalidArgument, name)
	}
	if key == "" || foreignKey == "" {
		return nil, fmt.Errorf("%w: foreign field %q requires key and foreign key", ErrInvalidArgument, name)
	}
	def, ok := foreign.Definition(KindFilter, foreignKey)
	if !ok {
		return nil, fmt.Errorf("%w: foreign field %q: model %q has no filter %q", ErrLogic, name, foreign.name, foreignKey)
	}
	filter, ok := def.(*Filter)
	if !ok {
		return nil, fmt.Errorf("%w: foreign field %q: filter %q of model %q has no path", ErrLogic, name, foreignKey, foreign.name)
	}
	join, ok := foreign.fieldAt(filter.Path())
	if !ok {
		return nil, fmt.Errorf("%w: foreign field %q: model %q has no field at %q, the path of filter %q",
			ErrLogic, name, foreign.name, filter.Path(), foreignKey)
	}
	cfg := newConfig(opts)
	base, err := newBase(KindField, name, cfg)
	if err != nil {
		return nil, err
	}
	return &Foreign{
		Field:      *newField(base, cfg),
		foreign:    foreign,
		key:        key,
		foreignKey: foreignKey,
		join:       join,
		multiple:   cfg.multiple,
		search:     cfg.search,
	}, nil
}

// Instance implements [Definition].
func (f *Foreign) Instance() Definition {
	c := *f
	c.Base = f.instance()
	c.search = f.search.Clone()
	c.snapshot = nil
	c.snapped = false
	return &c
}

// Foreign returns the joined model.
func (f *Foreign) Foreign() *Model { return f.foreign }

// Handle joins the foreign records into the shaped records with a single foreign search.
func (f *Foreign) Handle(ctx context.Context, list, original []obj.O) ([]obj.O, bool, error) {
	var (
		keys []any
		seen = map[string]bool{}
	)
	for _, record := range original {
		v, ok := obj.Lookup(record, f.key)
		if !ok || v == nil || seen[obj.Hash(v)] {
			continue
		}
		seen[obj.Hash(v)] = true
		keys = append(keys, v)
	}

	joined := map[string]any{}
	if len(keys) > 0 {
		q := f.searchQuery()
		// the join field is selected even when manual, and hidden again unless asked for.
		requested := len(q.Fields) > 0 && hasField(q.Fields[0], f.join.name)
		hide := !requested && f.join.flag.Has(FlagManual)
		if !requested {
			q = q.AddField(0, obj.O{f.join.name: nil})
		}
		q = q.AddFilter(operator.Attach(operator.EqualAny, f.foreignKey), keys)
		res, err := f.foreign.Run(ctx, MethodSearch, q, 0, 0)
		if err != nil {
			return nil, false, fmt.Errorf("joining model %q: %w", f.foreign.name, err)
		}
		for _, record := range res.Records {
			joinValue := record[f.join.name]
			if hide {
				delete(record, f.join.name)
			}
			values, ok := asList(joinValue)
			if !ok {
				values = []any{joinValue}
			}
			for _, v := range values {
				f.add(joined, obj.Hash(v), record)
			}
		}
	}

	for i, record := range original {
		v, _ := obj.Lookup(record, f.key)
		related, ok := joined[obj.Hash(v)]
		if v == nil || !ok {
			related = f.empty()
		}
		list[i][f.name] = obj.CloneValue(related)
	}
	return list, true, nil
}

func (f *Foreign) add(joined map[string]any, hash string, record obj.O) {
	switch {
	case f.multiple == nil:
		if _, ok := joined[hash]; !ok {
			joined[hash] = record
		}
	case *f.multiple == "":
		list, _ := joined[hash].([]obj.O)
		joined[hash] = append(list, record)
	default:
		m, ok := joined[hash].(obj.O)
		if !ok {
			m = obj.O{}
			joined[hash] = m
		}
		m[obj.Text(record[*f.multiple])] = record
	}
}

func (f *Foreign) empty() any {
	switch {
	case f.multiple == nil:
		return nil
	case *f.multiple == "":
		return []obj.O{}
	default:
		return obj.O{}
	}
}

// searchQuery returns the configured search with the query assigned to the field merged in.
func (f *Foreign) searchQuery() Query {
	q := f.search.Clone()
	v, _ := f.Value(0, operator.Operator{})
	switch vv := v.(type) {
	case Query:
		for slot, fields := range vv.Fields {
			q = q.AddField(slot, fields)
		}
		for name, test := range vv.Filters {
			q = q.AddFilter(name, test)
		}
		for _, name := range vv.Sorts {
			q = q.AddSort(name)
		}
	case obj.O:
		for name, test := range vv {
			q = q.AddFilter(name, test)
		}
	}
	return q
}

// Build does nothing: the value of a foreign field is written to the foreign model.
func (f *Foreign) Build(context.Context, obj.O, []obj.O, int) error {
	return nil
}

func (f *Foreign) cascades() bool {
	return len(f.slots) > 0
}

// Attach snapshots the foreign source before a cascading write.
func (f *Foreign) Attach(ctx context.Context, st *Statement) error {
	if err := f.Base.Attach(ctx, st); err != nil {
		return err
	}
	if !st.method.IsWrite() || !f.cascades() {
		return nil
	}
	snapshot, err := f.foreign.source.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot of model %q: %w", f.foreign.name, err)
	}
	f.snapshot, f.snapped = snapshot, true
	return nil
}

// Apply cascades the write to the foreign model.
func (f *Foreign) Apply(ctx context.Context, list, _ []obj.O) error {
	switch f.Method() {
	case MethodCreate:
		slots := f.statement.Slots()
		for i, record := range list {
			if i >= len(slots) {
				break
			}
			v, ok := f.Value(slots[i], operator.Operator{})
			if !ok || v == nil {
				continue
			}
			items, err := f.related(record, v)
			if err != nil {
				return err
			}
			if err := f.create(ctx, items); err != nil {
				return err
			}
		}
	case MethodUpdate:
		v, ok := f.Value(0, operator.Operator{})
		if !ok || v == nil {
			return nil
		}
		for _, record := range list {
			if err := f.replace(ctx, record, v); err != nil {
				return err
			}
		}
	case MethodRemove:
		var keys []any
		for _, record := range list {
			if v, ok := obj.Lookup(record, f.key); ok && v != nil {
				keys = append(keys, v)
			}
		}
		if len(keys) == 0 {
			return nil
		}
		q := Query{}.AddFilter(operator.Attach(operator.EqualAny, f.foreignKey), keys)
		if err := f.write(ctx, MethodRemove, q); err != nil {
			return fmt.Errorf("cascading remove to model %q: %w", f.foreign.name, err)
		}
	}
	return nil
}

// Revert restores the foreign source.
func (f *Foreign) Revert(ctx context.Context, cause error, original []obj.O) {
	if !f.snapped {
		return
	}
	if err := f.foreign.source.Restore(ctx, f.snapshot); err != nil {
		slog.FromCtx(ctx).Error("restoring foreign model", "model", f.foreign.name, "field", f.name, "cause", cause, "error", err)
	}
}

// Detach drops the snapshot.
func (f *Foreign) Detach(ctx context.Context, list, original []obj.O) error {
	f.snapshot, f.snapped = nil, false
	return f.Base.Detach(ctx, list, original)
}

// related builds the foreign records described by value for the local record.
func (f *Foreign) related(record obj.O, value any) ([]obj.O, error) {
	joinValue, ok := obj.Lookup(record, f.key)
	if !ok || joinValue == nil {
		return nil, fmt.Errorf("%w: foreign field %q: record has no %q", ErrInvalidArgument, f.name, f.key)
	}

	var items []obj.O
	switch {
	case f.multiple == nil:
		item, ok := value.(obj.O)
		if !ok {
			return nil, fmt.Errorf("%w: foreign field %q: expected an object, got %T", ErrInvalidArgument, f.name, value)
		}
		items = append(items, obj.Clone(item))
	case *f.multiple == "":
		list, ok := asList(value)
		if !ok {
			return nil, fmt.Errorf("%w: foreign field %q: expected a list, got %T", ErrInvalidArgument, f.name, value)
		}
		for _, e := range list {
			item, ok := e.(obj.O)
			if !ok {
				return nil, fmt.Errorf("%w: foreign field %q: expected a list of objects, got %T", ErrInvalidArgument, f.name, e)
			}
			items = append(items, obj.Clone(item))
		}
	default:
		m, ok := value.(obj.O)
		if !ok {
			return nil, fmt.Errorf("%w: foreign field %q: expected an object, got %T", ErrInvalidArgument, f.name, value)
		}
		for _, prop := range slices.Sorted(maps.Keys(m)) {
			item, ok := m[prop].(obj.O)
			if !ok {
				return nil, fmt.Errorf("%w: foreign field %q: expected an object at %q, got %T", ErrInvalidArgument, f.name, prop, m[prop])
			}
			item = obj.Clone(item)
			item[*f.multiple] = prop
			items = append(items, item)
		}
	}
	for _, item := range items {
		item[f.join.name] = joinValue
	}
	return items, nil
}

// write runs a cascaded statement on the foreign model. Its changes are notified once the
// statement of the field commits.
func (f *Foreign) write(ctx context.Context, method Method, q Query) error {
	_, changes, err := f.foreign.run(ctx, method, q, 0, 0)
	if err != nil {
		return err
	}
	f.statement.cascade(changes...)
	return nil
}

func (f *Foreign) create(ctx context.Context, items []obj.O) error {
	if len(items) == 0 {
		return nil
	}
	if err := f.write(ctx, MethodCreate, Query{Fields: items}); err != nil {
		return fmt.Errorf("cascading create to model %q: %w", f.foreign.name, err)
	}
	return nil
}

// replace upserts the related records of value and removes the stale ones.
func (f *Foreign) replace(ctx context.Context, record obj.O, value any) error {
	items, err := f.related(record, value)
	if err != nil {
		return err
	}
	joinValue, _ := obj.Lookup(record, f.key)

	var pk KeySpec
	if keys := f.foreign.Keys(); len(keys) > 0 {
		pk = keys[0]
	}
	rest := slices.DeleteFunc(slices.Clone(pk), func(name string) bool {
		return name == f.join.name || name == f.join.path
	})
	if len(rest) > 1 {
		return fmt.Errorf("%w: foreign field %q: primary key %v of model %q has more than one component besides %q",
			ErrLogic, f.name, pk, f.foreign.name, f.foreignKey)
	}

	existing, err := f.foreign.source.Records(ctx)
	if err != nil {
		return fmt.Errorf("reading model %q: %w", f.foreign.name, err)
	}
	var (
		fresh []obj.O
		kept  []any
	)
	for _, item := range items {
		key := f.foreign.Key(item, true)
		if key == nil || !containsKey(existing, key) {
			fresh = append(fresh, item)
		} else {
			q := Query{Fields: []obj.O{item}, Filters: obj.Clone(key)}
			if err := f.write(ctx, MethodUpdate, q); err != nil {
				return fmt.Errorf("cascading update to model %q: %w", f.foreign.name, err)
			}
		}
		if len(rest) == 1 && item[rest[0]] != nil {
			kept = append(kept, item[rest[0]])
		}
	}

	if len(rest) == 1 {
		q := Query{}.AddFilter(f.foreignKey, joinValue)
		if len(kept) > 0 {
			q = q.AddFilter(operator.Attach(operator.NotEqualAny, rest[0]), kept)
		}
		if err := f.write(ctx, MethodRemove, q); err != nil {
			return fmt.Errorf("removing stale records of model %q: %w", f.foreign.name, err)
		}
	}
	return f.create(ctx, fresh)
}

func hasField(slot obj.O, name string) bool {
	_, ok := slot[name]
	return ok
}

// fieldAt returns the field of m reading path.
func (m *Model) fieldAt(path string) (*Field, bool) {
	for _, def := range m.Definitions(KindField) {
		if f, ok := def.(*Field); ok && f.path == path {
			return f, true
		}
	}
	return nil, false
}

func containsKey(records []obj.O, key Key) bool {
	return slices.ContainsFunc(records, func(r obj.O) bool { return MatchKey(r, key) })
}
