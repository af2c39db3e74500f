package model

import (
	"fmt"
	"maps"
	"slices"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

// Query selects what a statement works on: the fields of each slot, the filters and the sort order.
// It is a value: builder methods return an updated copy and never change the receiver.
type Query struct {
	// Fields holds one field name -> value mapping per slot. Every slot must be non nil.
	Fields []obj.O
	// Filters maps a filter name, optionally with an attached operator token (like "age>="), to its test value.
	Filters obj.O
	// Sorts lists sort names in priority order, "!" attached to a name reverses it (like "age!").
	Sorts []string
}

// FieldAll is a field name that selects every field not flagged [FlagManual].
const FieldAll = "*"

// Clone returns a deep copy of q.
func (q Query) Clone() Query {
	var c Query
	if q.Fields != nil {
		c.Fields = obj.CloneList(q.Fields)
	}
	if q.Filters != nil {
		c.Filters = obj.Clone(q.Filters)
	}
	c.Sorts = slices.Clone(q.Sorts)
	return c
}

// IsZero reports whether the query selects nothing.
func (q Query) IsZero() bool {
	return len(q.Fields) == 0 && len(q.Filters) == 0 && len(q.Sorts) == 0
}

// SetField replaces all the field slots. Slots can't be nil.
func (q Query) SetField(slots ...obj.O) (Query, error) {
	for i, slot := range slots {
		if slot == nil {
			return q, fmt.Errorf("%w: field slot %d is nil", ErrInvalidArgument, i)
		}
	}
	c := q.Clone()
	c.Fields = obj.CloneList(slots)
	return c, nil
}

// AddField merges the fields into the given slot. A slot beyond the last one (or negative)
// appends a new slot.
func (q Query) AddField(slot int, fields obj.O) Query {
	c := q.Clone()
	if slot < 0 || slot >= len(c.Fields) {
		c.Fields = append(c.Fields, obj.O{})
		slot = len(c.Fields) - 1
	}
	for name, v := range fields {
		c.Fields[slot][name] = obj.CloneValue(v)
	}
	return c
}

// RemoveField removes the named fields from the given slot, or from every slot when slot is negative.
// Without names the slot itself is removed (every slot when negative). Slots left empty are removed.
func (q Query) RemoveField(slot int, names ...string) Query {
	c := q.Clone()
	if len(names) == 0 {
		switch {
		case slot < 0:
			c.Fields = nil
		case slot < len(c.Fields):
			c.Fields = slices.Delete(c.Fields, slot, slot+1)
		}
		return c
	}
	for i, fields := range c.Fields {
		if slot >= 0 && i != slot {
			continue
		}
		for _, name := range names {
			delete(fields, name)
		}
	}
	c.Fields = slices.DeleteFunc(c.Fields, func(fields obj.O) bool {
		return len(fields) == 0
	})
	return c
}

// AddFilter adds (or replaces) a filter. The name may carry an operator token, like "name^".
func (q Query) AddFilter(name string, value any) Query {
	c := q.Clone()
	if c.Filters == nil {
		c.Filters = obj.O{}
	}
	c.Filters[name] = obj.CloneValue(value)
	return c
}

// SetFilter replaces all filters.
func (q Query) SetFilter(filters obj.O) Query {
	c := q.Clone()
	c.Filters = obj.Clone(filters)
	return c
}

// RemoveFilter removes the named filters (names as given to [Query.AddFilter]).
// Without names every filter is removed.
func (q Query) RemoveFilter(names ...string) Query {
	c := q.Clone()
	if len(names) == 0 {
		c.Filters = nil
		return c
	}
	for _, name := range names {
		delete(c.Filters, name)
	}
	return c
}

// AddSort appends a sort. A previous sort with the same bare name, in any direction, is
// removed: the latest one wins.
func (q Query) AddSort(name string) Query {
	c := q.Clone()
	c.Sorts = appendSort(c.Sorts, name)
	return c
}

// SetSort replaces all sorts. Duplicated names keep only the latest occurrence.
func (q Query) SetSort(names ...string) Query {
	c := q.Clone()
	c.Sorts = nil
	for _, name := range names {
		c.Sorts = appendSort(c.Sorts, name)
	}
	return c
}

// RemoveSort removes the sorts with the given bare names. Without names every sort is removed.
func (q Query) RemoveSort(names ...string) Query {
	c := q.Clone()
	if len(names) == 0 {
		c.Sorts = nil
		return c
	}
	for _, name := range names {
		c.Sorts = removeSort(c.Sorts, name)
	}
	return c
}

func appendSort(sorts []string, name string) []string {
	return append(removeSort(sorts, name), name)
}

func removeSort(sorts []string, name string) []string {
	bare, _ := operator.Detach(name)
	return slices.DeleteFunc(sorts, func(s string) bool {
		b, _ := operator.Detach(s)
		return b == bare
	})
}

// Merge returns the fields of every slot with shared merged in. Shared values win.
func (q Query) Merge(shared obj.O) Query {
	c := q.Clone()
	for _, fields := range c.Fields {
		maps.Copy(fields, obj.Clone(shared))
	}
	return c
}
