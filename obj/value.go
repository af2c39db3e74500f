package obj

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Clone returns a deep copy of o. Nested objects and lists are copied, other values are shared.
func Clone(o O) O {
	if o == nil {
		return nil
	}
	c := make(O, len(o))
	for k, v := range o {
		c[k] = CloneValue(v)
	}
	return c
}

// CloneList returns a deep copy of every object of the list.
func CloneList(list []O) []O {
	if list == nil {
		return nil
	}
	c := make([]O, len(list))
	for i, o := range list {
		c[i] = Clone(o)
	}
	return c
}

// CloneValue returns a deep copy of v if it is an object or a list.
func CloneValue(v any) any {
	switch vv := v.(type) {
	case O:
		return Clone(vv)
	case []O:
		return CloneList(vv)
	case []any:
		c := make([]any, len(vv))
		for i, e := range vv {
			c[i] = CloneValue(e)
		}
		return c
	default:
		return v
	}
}

// Merge copies every key of src into dst. Nested objects present on both sides are merged
// recursively, any other value of src replaces the one of dst.
func Merge(dst, src O) {
	for k, v := range src {
		sv, ok := v.(O)
		if !ok {
			dst[k] = CloneValue(v)
			continue
		}
		dv, ok := dst[k].(O)
		if !ok {
			dst[k] = Clone(sv)
			continue
		}
		Merge(dv, sv)
	}
}

// Number returns the float64 representation of v and true if v is numeric.
// Go numeric types, [json.Number] and strings holding a decimal number are numeric.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// IsNumber reports whether v is a Go numeric value (numeric strings don't count).
func IsNumber(v any) bool {
	if _, ok := v.(string); ok {
		return false
	}
	_, ok := Number(v)
	return ok
}

// Text returns the textual representation of v used by text comparisons.
// nil is the empty text, numbers use the shortest decimal representation and
// objects or lists are encoded as JSON.
func Text(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case bool:
		return strconv.FormatBool(vv)
	case O, []any, []O:
		d, err := json.Marshal(vv)
		if err != nil {
			return fmt.Sprint(vv)
		}
		return string(d)
	}
	if n, ok := Number(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Equal reports whether a and b are strictly equal: numbers are compared by value
// whatever their Go type is, everything else must have the same type and be deeply equal.
func Equal(a, b any) bool {
	if IsNumber(a) && IsNumber(b) {
		na, _ := Number(a)
		nb, _ := Number(b)
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

// LooseEqual reports whether a and b are equal after coercion: numeric values (including
// numeric strings) are compared by value, booleans by truthiness and anything else by text.
func LooseEqual(a, b any) bool {
	if Equal(a, b) {
		return true
	}
	if na, ok := Number(a); ok {
		if nb, ok := Number(b); ok {
			return na == nb
		}
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		return Truthy(a) == Truthy(b)
	}
	return Text(a) == Text(b)
}

// Truthy reports whether v is a non empty value.
func Truthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != "" && vv != "0"
	case O:
		return len(vv) > 0
	case []any:
		return len(vv) > 0
	}
	if n, ok := Number(v); ok {
		return n != 0
	}
	return true
}

// Compare returns -1, 0 or +1 comparing a and b. When both are numeric (see [Number])
// they are compared by value, otherwise their [Text] is compared byte by byte.
func Compare(a, b any) int {
	if na, ok := Number(a); ok {
		if nb, ok := Number(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(Text(a), Text(b))
}

// Hash returns a string identifying v under [Equal], usable as a map key.
func Hash(v any) string {
	if IsNumber(v) {
		n, _ := Number(v)
		return "n:" + strconv.FormatFloat(n, 'g', -1, 64)
	}
	switch vv := v.(type) {
	case nil:
		return "z:"
	case string:
		return "s:" + vv
	case bool:
		return "b:" + strconv.FormatBool(vv)
	}
	return fmt.Sprintf("%T:%s", v, Text(v))
}

// Pick returns a new object with only the given keys of o. Missing keys are ignored.
func Pick(o O, names ...string) O {
	picked := O{}
	for _, name := range names {
		if v, ok := o[name]; ok {
			picked[name] = v
		}
	}
	return picked
}

// Equals reports whether both objects have the same keys with [Equal] values.
func Equals(a, b O) bool {
	if len(a) != len(b) {
		return false
	}
	return maps.EqualFunc(a, b, Equal)
}
