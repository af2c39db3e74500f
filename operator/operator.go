// Package operator parses and encodes the compact comparison tokens used to
// filter and sort records, like "[]>=" (greater or equal to any of a list) or "!*"
// (does not contain).
//
// A token is made of an optional base [Type] and a set of flags. Flags may appear in
// any order and position on input but are always encoded in a canonical order:
// any ("[]"), not ("!"), the base type and then loose ("=").
package operator

import (
	"regexp"
	"slices"
	"strings"
)

type (
	// Type is the base comparison of an [Operator].
	Type string

	// Operator is a parsed comparison directive.
	Operator struct {
		Type Type
		// Any makes the operator match if any of the values of a test list matches.
		Any bool
		// Not inverts the result of the comparison.
		Not bool
		// Loose relaxes the comparison: coerced equality, inclusive ranges
		// and case-insensitive text matching.
		Loose bool
	}
)

// Base comparison types.
const (
	Default Type = ""
	Greater Type = ">"
	Lesser  Type = "<"
	Begin   Type = "^"
	End     Type = "$"
	Contain Type = "*"
	Search  Type = "%"
	Pattern Type = "?"
	Regexp  Type = "|"
)

// Flag tokens.
const (
	FlagAny   = "[]"
	FlagNot   = "!"
	FlagLoose = "="
)

// Common composed tokens.
const (
	Equal        = ""
	NotEqual     = "!"
	LooseEqual   = "="
	EqualAny     = "[]"
	NotEqualAny  = "[]!"
	GreaterEqual = ">="
	LesserEqual  = "<="
	GreaterAny   = "[]>"
	LesserAny    = "[]<"
)

var types = []Type{Greater, Lesser, Begin, End, Contain, Search, Pattern, Regexp}

// trailing matches the operator token suffix of a name.
var trailing = regexp.MustCompile(`[^A-Za-z0-9_-]+$`)

// Parse parses the given token. Parsing never fails: flags are detected wherever
// they appear and whatever remains is the base type. A remainder that is not a
// known [Type], like "<>", is kept as is and reported by [Type.Known].
func Parse(token string) Operator {
	var op Operator
	if strings.Contains(token, FlagAny) {
		op.Any = true
		token = strings.ReplaceAll(token, FlagAny, "")
	}
	if strings.Contains(token, FlagNot) {
		op.Not = true
		token = strings.ReplaceAll(token, FlagNot, "")
	}
	if strings.Contains(token, FlagLoose) {
		op.Loose = true
		token = strings.ReplaceAll(token, FlagLoose, "")
	}
	op.Type = Type(token)
	return op
}

// Known reports whether t is one of the base comparison types.
func (t Type) Known() bool {
	return t == Default || slices.Contains(types, t)
}

// String encodes the operator as its canonical token.
func (op Operator) String() string {
	var b strings.Builder
	if op.Any {
		b.WriteString(FlagAny)
	}
	if op.Not {
		b.WriteString(FlagNot)
	}
	b.WriteString(string(op.Type))
	if op.Loose {
		b.WriteString(FlagLoose)
	}
	return b.String()
}

// IsDefault reports whether op is the plain strict equality.
func (op Operator) IsDefault() bool {
	return op == Operator{}
}

// Attach returns name with the operator token appended.
func Attach(token, name string) string {
	return name + token
}

// Detach splits a name with an attached operator token, like "age>=", into its bare name and the parsed
// operator. The token is the trailing run of characters other than letters, digits, '_' and '-'.
// A name without such a run yields the [Default] operator.
func Detach(name string) (string, Operator) {
	loc := trailing.FindStringIndex(name)
	if loc == nil {
		return name, Operator{}
	}
	return name[:loc[0]], Parse(name[loc[0]:])
}
