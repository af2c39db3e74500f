package model

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
	"github.com/birdie-ai/modelkit/xerrors"
)

type (
	// Filter matches records by comparing the value at its path with the assigned test values.
	// Every operator assigned must match (AND), a test list with the any flag matches if any
	// of its values matches (OR).
	Filter struct {
		Base
		path string
	}

	// MatchFunc matches a record against one operator and test value.
	MatchFunc func(record obj.O, op operator.Operator, test any) (bool, error)

	// CustomFilter is a filter that delegates matching to a function.
	CustomFilter struct {
		Base
		match MatchFunc
	}

	// matcher is the default behavior of filter definitions.
	matcher interface {
		Match(record obj.O) (bool, error)
	}
)

// NewFilter creates a filter definition.
// Accepted options: [WithPath], [WithOperator] and [WithOperators].
func NewFilter(name string, opts ...Option) (*Filter, error) {
	cfg := newConfig(opts)
	base, err := newBase(KindFilter, name, cfg)
	if err != nil {
		return nil, err
	}
	path := cfg.path
	if path == "" {
		path = name
	}
	return &Filter{Base: base, path: path}, nil
}

// NewCustomFilter creates a filter definition matching records with fn.
func NewCustomFilter(name string, fn MatchFunc, opts ...Option) (*CustomFilter, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: filter %q without match function", ErrInvalidArgument, name)
	}
	base, err := newBase(KindFilter, name, newConfig(opts))
	if err != nil {
		return nil, err
	}
	return &CustomFilter{Base: base, match: fn}, nil
}

// Instance implements [Definition].
func (f *Filter) Instance() Definition {
	c := *f
	c.Base = f.instance()
	return &c
}

// Path returns the record path compared by the filter.
func (f *Filter) Path() string { return f.path }

// Match reports whether the record matches every assigned operator.
func (f *Filter) Match(record obj.O) (bool, error) {
	input, _ := obj.Lookup(record, f.path)
	for op, test := range f.slots[0] {
		ok, err := Match(input, op, test)
		if err != nil {
			return false, fmt.Errorf("filter %q: %w", f.name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Instance implements [Definition].
func (f *CustomFilter) Instance() Definition {
	c := *f
	c.Base = f.instance()
	return &c
}

// Match reports whether the record matches every assigned operator.
func (f *CustomFilter) Match(record obj.O) (bool, error) {
	for op, test := range f.slots[0] {
		ok, err := f.match(record, op, test)
		if err != nil {
			return false, fmt.Errorf("filter %q: %w", f.name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Match compares input with test using the given operator.
// With the any flag and a list test, the match succeeds if any of the list values matches.
// The not flag inverts the final result.
func Match(input any, op operator.Operator, test any) (bool, error) {
	tests := []any{test}
	if op.Any {
		if list, ok := asList(test); ok {
			tests = list
		}
	}
	matched := false
	for _, t := range tests {
		ok, err := matchOne(input, op, t)
		if err != nil {
			return false, err
		}
		if ok {
			matched = true
			break
		}
	}
	return matched != op.Not, nil
}

func matchOne(input any, op operator.Operator, test any) (bool, error) {
	switch op.Type {
	case operator.Default:
		if op.Loose {
			return obj.LooseEqual(input, test), nil
		}
		return obj.Equal(input, test), nil
	case operator.Greater:
		c := obj.Compare(input, test)
		return c > 0 || (op.Loose && c == 0), nil
	case operator.Lesser:
		c := obj.Compare(input, test)
		return c < 0 || (op.Loose && c == 0), nil
	case operator.Contain:
		in, t := foldText(input, test, op.Loose)
		return strings.Contains(in, t), nil
	case operator.Begin:
		in, t := foldText(input, test, op.Loose)
		return strings.HasPrefix(in, t), nil
	case operator.End:
		in, t := foldText(input, test, op.Loose)
		return strings.HasSuffix(in, t), nil
	case operator.Regexp:
		pattern := obj.Text(test)
		if op.Loose {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, xerrors.Tag(err, ErrInvalidArgument)
		}
		return re.MatchString(obj.Text(input)), nil
	default:
		return false, fmt.Errorf("%w: operator %q is not supported", ErrLogic, op)
	}
}

func foldText(input, test any, loose bool) (string, string) {
	in, t := obj.Text(input), obj.Text(test)
	if loose {
		return strings.ToLower(in), strings.ToLower(t)
	}
	return in, t
}

func asList(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}
