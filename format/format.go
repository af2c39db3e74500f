// Package format provides [model.Formatter] implementations that validate and convert field values.
//
// Validation only happens when a field is written (create and update statements), reads
// only convert the stored values. Every validation failure matches [ErrValidation].
package format

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/google/uuid"
)

type (
	// Option configures a formatter.
	Option func(*config)

	config struct {
		def       any
		notNull   bool
		min       *float64
		max       *float64
		precision int
		pattern   *regexp.Regexp
	}
)

// Datetime input layouts, RFC3339 included.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// WithDefault sets the value returned when the value is null.
func WithDefault(v any) Option {
	return func(c *config) { c.def = v }
}

// NotNull rejects writes without a value.
func NotNull() Option {
	return func(c *config) { c.notNull = true }
}

// Min sets the minimum value of numbers or the minimum length of texts.
func Min(v float64) Option {
	return func(c *config) { c.min = &v }
}

// Max sets the maximum value of numbers or the maximum length of texts.
func Max(v float64) Option {
	return func(c *config) { c.max = &v }
}

// Precision sets the decimal places numbers are rounded to. Zero rounds to integers.
func Precision(n int) Option {
	return func(c *config) { c.precision = n }
}

// Pattern sets the pattern texts must match on writes.
func Pattern(re *regexp.Regexp) Option {
	return func(c *config) { c.pattern = re }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Base only handles null values: written nulls are rejected with [NotNull] and nulls are
// replaced by the [WithDefault] value.
func Base(opts ...Option) model.Formatter {
	c := newConfig(opts)
	return c.base
}

func (c config) base(value any, _ []obj.O, field *model.Field, _ int) (any, error) {
	if value != nil {
		return value, nil
	}
	if c.notNull && isWrite(field) {
		return nil, validation(&NullError{Field: field.Name()})
	}
	return obj.CloneValue(c.def), nil
}

// Number converts values to numbers rounded to the [Precision], integers when it is zero.
// Written values must be numeric and within [Min] and [Max].
func Number(opts ...Option) model.Formatter {
	c := newConfig(opts)
	return func(value any, list []obj.O, field *model.Field, slot int) (any, error) {
		if value != nil {
			n, ok := obj.Number(value)
			if isWrite(field) {
				if !ok {
					return nil, validation(&InvalidError{Field: field.Name(), Format: "number"})
				}
				if err := c.bounds(field, n); err != nil {
					return nil, err
				}
			}
			if ok {
				value = round(n, c.precision)
			}
		}
		return c.base(value, list, field, slot)
	}
}

// String converts values to text. Written texts must have a length (in characters) within
// [Min] and [Max] and match the [Pattern].
func String(opts ...Option) model.Formatter {
	c := newConfig(opts)
	return func(value any, list []obj.O, field *model.Field, slot int) (any, error) {
		if value != nil {
			text := obj.Text(value)
			if isWrite(field) {
				if err := c.bounds(field, float64(utf8.RuneCountInString(text))); err != nil {
					return nil, err
				}
				if c.pattern != nil && !c.pattern.MatchString(text) {
					return nil, validation(&InvalidError{Field: field.Name(), Format: c.pattern.String()})
				}
			}
			value = text
		}
		return c.base(value, list, field, slot)
	}
}

// List only accepts writes of one of the allowed values (compared loosely). Nulls are accepted.
func List(allowed []any, opts ...Option) model.Formatter {
	c := newConfig(opts)
	allowed = slices.Clone(allowed)
	return func(value any, list []obj.O, field *model.Field, slot int) (any, error) {
		if value != nil && isWrite(field) {
			if !slices.ContainsFunc(allowed, func(a any) bool { return obj.LooseEqual(a, value) }) {
				return nil, validation(&ListError{Field: field.Name(), Allowed: allowed})
			}
		}
		return c.base(value, list, field, slot)
	}
}

// Datetime parses values as timestamps and renders them with the layout ([time.RFC3339] if empty).
// Accepted inputs are [time.Time], unix seconds and texts in RFC3339, "2006-01-02 15:04:05" or
// "2006-01-02" format. Written values must be parseable, unparseable values are kept on reads.
func Datetime(layout string, opts ...Option) model.Formatter {
	if layout == "" {
		layout = time.RFC3339
	}
	c := newConfig(opts)
	return func(value any, list []obj.O, field *model.Field, slot int) (any, error) {
		if value != nil {
			t, ok := parseTime(value)
			switch {
			case ok:
				value = t.Format(layout)
			case isWrite(field):
				return nil, validation(&InvalidError{Field: field.Name(), Format: layout})
			}
		}
		return c.base(value, list, field, slot)
	}
}

// Sequence assigns the next integer (the highest value of the field in the list plus one) to
// records created without a value. Other values are handled like [Number].
func Sequence(opts ...Option) model.Formatter {
	number := Number(opts...)
	return func(value any, list []obj.O, field *model.Field, slot int) (any, error) {
		if value == nil && field.Method() == model.MethodCreate {
			next := 1.0
			for _, record := range list {
				v, _ := obj.Lookup(record, field.Path())
				if n, ok := obj.Number(v); ok && n >= next {
					next = math.Floor(n) + 1
				}
			}
			value = next
		}
		return number(value, list, field, slot)
	}
}

// UUID assigns a random UUID to records created without a value. Written values must be UUIDs.
func UUID(opts ...Option) model.Formatter {
	c := newConfig(opts)
	return func(value any, list []obj.O, field *model.Field, slot int) (any, error) {
		switch {
		case value == nil && field.Method() == model.MethodCreate:
			value = uuid.NewString()
		case value != nil && isWrite(field):
			id, err := uuid.Parse(obj.Text(value))
			if err != nil {
				return nil, validation(&InvalidError{Field: field.Name(), Format: "uuid"})
			}
			value = id.String()
		}
		return c.base(value, list, field, slot)
	}
}

func (c config) bounds(field *model.Field, n float64) error {
	if (c.min != nil && n < *c.min) || (c.max != nil && n > *c.max) {
		return validation(&LengthError{Field: field.Name(), Min: c.min, Max: c.max})
	}
	return nil
}

func isWrite(field *model.Field) bool {
	m := field.Method()
	return m == model.MethodCreate || m == model.MethodUpdate
}

func round(n float64, precision int) any {
	if precision <= 0 {
		return int64(math.Round(n))
	}
	p := math.Pow10(precision)
	return math.Round(n*p) / p
}

func parseTime(v any) (time.Time, bool) {
	switch vv := v.(type) {
	case time.Time:
		return vv, true
	case string:
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, vv); err == nil {
				return t, true
			}
		}
		if n, err := strconv.ParseInt(vv, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
		return time.Time{}, false
	}
	if obj.IsNumber(v) {
		n, _ := obj.Number(v)
		return time.Unix(int64(n), 0).UTC(), true
	}
	return time.Time{}, false
}
