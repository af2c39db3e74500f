package model

import (
	"context"
	"fmt"

	"github.com/birdie-ai/modelkit/obj"
)

type (
	// CallOption configures a model operation.
	CallOption func(*call)

	call struct {
		limit  int
		offset int
		keep   bool
	}
)

// Limit limits the number of records an operation works on. Zero means no limit.
func Limit(n int) CallOption {
	return func(c *call) { c.limit = n }
}

// Offset skips the first n records (slots for create).
func Offset(n int) CallOption {
	return func(c *call) { c.offset = n }
}

// KeepState keeps the fluent state of the model after the operation, by default it is reset.
func KeepState() CallOption {
	return func(c *call) { c.keep = true }
}

func newCall(opts []CallOption) (call, error) {
	var c call
	for _, opt := range opts {
		opt(&c)
	}
	if c.limit < 0 || c.offset < 0 {
		return c, fmt.Errorf("%w: negative limit %d or offset %d", ErrInvalidArgument, c.limit, c.offset)
	}
	return c, nil
}

// Query returns a copy of the current fluent state.
func (m *Model) Query() Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.query.Clone()
}

// SetQuery replaces the fluent state.
func (m *Model) SetQuery(q Query) *Model {
	return m.update(func(Query) Query { return q.Clone() })
}

// Reset clears the fluent state.
func (m *Model) Reset() *Model {
	return m.SetQuery(Query{})
}

// SetField replaces the field slots of the fluent state. A nil slot is an [ErrInvalidArgument]
// and leaves the state untouched.
func (m *Model) SetField(slots ...obj.O) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.query.SetField(slots...)
	if err != nil {
		return err
	}
	m.query = q
	return nil
}

// AddField merges fields into a slot of the fluent state, see [Query.AddField].
// The [FieldAll] name selects every field not flagged [FlagManual].
func (m *Model) AddField(slot int, fields obj.O) *Model {
	return m.update(func(q Query) Query { return q.AddField(slot, fields) })
}

// RemoveField removes fields from the fluent state, see [Query.RemoveField].
func (m *Model) RemoveField(slot int, names ...string) *Model {
	return m.update(func(q Query) Query { return q.RemoveField(slot, names...) })
}

// AddFilter adds a filter to the fluent state, see [Query.AddFilter].
func (m *Model) AddFilter(name string, value any) *Model {
	return m.update(func(q Query) Query { return q.AddFilter(name, value) })
}

// SetFilter replaces the filters of the fluent state.
func (m *Model) SetFilter(filters obj.O) *Model {
	return m.update(func(q Query) Query { return q.SetFilter(filters) })
}

// RemoveFilter removes filters from the fluent state, see [Query.RemoveFilter].
func (m *Model) RemoveFilter(names ...string) *Model {
	return m.update(func(q Query) Query { return q.RemoveFilter(names...) })
}

// AddSort adds a sort to the fluent state, see [Query.AddSort].
func (m *Model) AddSort(name string) *Model {
	return m.update(func(q Query) Query { return q.AddSort(name) })
}

// SetSort replaces the sorts of the fluent state.
func (m *Model) SetSort(names ...string) *Model {
	return m.update(func(q Query) Query { return q.SetSort(names...) })
}

// RemoveSort removes sorts from the fluent state, see [Query.RemoveSort].
func (m *Model) RemoveSort(names ...string) *Model {
	return m.update(func(q Query) Query { return q.RemoveSort(names...) })
}

func (m *Model) update(f func(Query) Query) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.query = f(m.query)
	return m
}

// take returns the fluent state for an operation, resetting it unless kept.
// The state is taken before the statement runs so it is reset whatever the outcome is.
func (m *Model) take(c call) Query {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.query.Clone()
	if !c.keep {
		m.query = Query{}
	}
	return q
}

func (m *Model) invoke(ctx context.Context, method Method, opts []CallOption) (Result, error) {
	c, err := newCall(opts)
	if err != nil {
		return Result{}, err
	}
	return m.Run(ctx, method, m.take(c), c.limit, c.offset)
}

// Search returns the records selected by the fluent state.
func (m *Model) Search(ctx context.Context, opts ...CallOption) ([]obj.O, error) {
	res, err := m.invoke(ctx, MethodSearch, opts)
	return res.Records, err
}

// Create creates one record per field slot of the fluent state and returns their keys.
func (m *Model) Create(ctx context.Context, opts ...CallOption) ([]Key, error) {
	res, err := m.invoke(ctx, MethodCreate, opts)
	return res.Keys, err
}

// Update patches the selected records with the first field slot and returns their keys.
func (m *Model) Update(ctx context.Context, opts ...CallOption) ([]Key, error) {
	res, err := m.invoke(ctx, MethodUpdate, opts)
	return res.Keys, err
}

// Remove removes the selected records and returns their keys.
func (m *Model) Remove(ctx context.Context, opts ...CallOption) ([]Key, error) {
	res, err := m.invoke(ctx, MethodRemove, opts)
	return res.Keys, err
}

// Get returns the first selected record (after the offset), nil if there is none.
// Any limit option is ignored.
func (m *Model) Get(ctx context.Context, opts ...CallOption) (obj.O, error) {
	records, err := m.Search(ctx, append(opts, Limit(1))...)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// Count returns the number of selected records.
func (m *Model) Count(ctx context.Context, opts ...CallOption) (int, error) {
	records, err := m.Search(ctx, opts...)
	return len(records), err
}

// FieldValue returns the value of the named field of the first selected record.
// It returns nil if there is no record.
func (m *Model) FieldValue(ctx context.Context, name string, opts ...CallOption) (any, error) {
	record, err := m.Get(ctx, opts...)
	if err != nil || record == nil {
		return nil, err
	}
	return record[name], nil
}

// FieldList returns the value of the named field of every selected record.
func (m *Model) FieldList(ctx context.Context, name string, opts ...CallOption) ([]any, error) {
	records, err := m.Search(ctx, opts...)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(records))
	for i, record := range records {
		values[i] = record[name]
	}
	return values, nil
}

// Each searches the selected records in chunks of the given size, calling fn for every non empty
// chunk with the offset of its first record. Iteration stops when fn returns false, when a chunk
// is empty or once limit records were visited (zero means no limit). The fluent state is used
// for every chunk and reset at the end unless kept.
func (m *Model) Each(ctx context.Context, chunk int, fn func(records []obj.O, offset int) bool, opts ...CallOption) error {
	c, err := newCall(opts)
	if err != nil {
		return err
	}
	if chunk < 1 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidArgument, chunk)
	}
	q := m.take(c)

	for visited := 0; c.limit == 0 || visited < c.limit; visited += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := chunk
		if c.limit > 0 {
			size = min(chunk, c.limit-visited)
		}
		offset := c.offset + visited
		res, err := m.Run(ctx, MethodSearch, q, size, offset)
		if err != nil {
			return err
		}
		if len(res.Records) == 0 || !fn(res.Records, offset) {
			return nil
		}
	}
	return nil
}

// Batch creates the records of every field slot of the fluent state with shared merged into each
// slot (shared values win). With a positive chunk the records are created in chunks of that many
// slots, zero creates all of them at once. It returns the keys of every created record in order.
func (m *Model) Batch(ctx context.Context, shared obj.O, chunk int, opts ...CallOption) ([]Key, error) {
	c, err := newCall(opts)
	if err != nil {
		return nil, err
	}
	if chunk < 0 {
		return nil, fmt.Errorf("%w: negative chunk size %d", ErrInvalidArgument, chunk)
	}
	q := m.take(c).Merge(shared)
	if chunk == 0 {
		res, err := m.Run(ctx, MethodCreate, q, 0, 0)
		return res.Keys, err
	}

	var keys []Key
	for offset := 0; offset < len(q.Fields); offset += chunk {
		res, err := m.Run(ctx, MethodCreate, q, chunk, offset)
		if err != nil {
			return keys, err
		}
		keys = append(keys, res.Keys...)
	}
	return keys, nil
}
