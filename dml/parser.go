package dml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"unique"

	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

// parser errors.
var (
	ErrSyntax = errors.New("syntax error")
)

// clauses lists the statement clauses and the operations accepting them.
var clauses = map[string][]OpKind{
	"FIELDS": {SEARCH, REMOVE},
	"SET":    {CREATE, UPDATE},
	"VALUES": {CREATE, UPDATE},
	"WHERE":  {SEARCH, COUNT, UPDATE, REMOVE},
	"SORT":   {SEARCH, COUNT, UPDATE, REMOVE},
	"LIMIT":  {SEARCH, COUNT, UPDATE, REMOVE},
	"OFFSET": {SEARCH, COUNT, UPDATE, REMOVE},
}

// Parse the textual input and return a list of statements.
func Parse(in []byte) (Stmts, error) {
	var stmts Stmts
	for {
		// len(rest) > 0 *if and only if* there's non-blank data still to be processed.
		stmt, rest, err := parseStmt(in)
		if err == errEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", len(stmts)+1, err)
		}
		stmts = append(stmts, stmt)
		if len(rest) == 0 {
			break
		}
		in = rest
	}
	return stmts, nil
}

func parseStmt(in []byte) (Stmt, []byte, error) {
	in = skipblank(in)
	if len(in) == 0 {
		return Stmt{}, nil, errEOF
	}
	ident, in, err := lexIdent(in)
	if err != nil {
		return Stmt{}, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	var stmt Stmt
	switch op := OpKind(strings.ToUpper(ident)); op {
	case SEARCH, COUNT, CREATE, UPDATE, REMOVE:
		stmt.Op = op
	default:
		return Stmt{}, nil, fmt.Errorf("%w: %w: %s", ErrSyntax, ErrInvalidOperation, ident)
	}

	in = skipblank(in)
	if len(in) == 0 {
		return Stmt{}, nil, errUnexpectedEOF()
	}
	entity, in, err := lexIdent(in)
	if err != nil {
		return Stmt{}, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	stmt.Entity = unique.Make(entity)

	seen := map[string]bool{}
	for {
		in = skipblank(in)
		if len(in) == 0 {
			return Stmt{}, nil, errUnexpectedEOF()
		}
		if in[0] == ';' {
			in = in[1:]
			break
		}
		ident, rest, err := lexIdent(in)
		if err != nil {
			return Stmt{}, nil, fmt.Errorf("%w: expected a clause or ';' but got %q", ErrSyntax, truncate(in))
		}
		kw := strings.ToUpper(ident)
		ops, ok := clauses[kw]
		if !ok {
			return Stmt{}, nil, fmt.Errorf("%w: unknown clause %s", ErrSyntax, ident)
		}
		if !slices.Contains(ops, stmt.Op) {
			return Stmt{}, nil, fmt.Errorf("%w: %s does not accept %s", ErrSyntax, stmt.Op, kw)
		}
		if seen[kw] {
			return Stmt{}, nil, fmt.Errorf("%w: duplicate %s", ErrSyntax, kw)
		}
		seen[kw] = true

		in = skipblank(rest)
		if len(in) == 0 {
			return Stmt{}, nil, errUnexpectedEOF()
		}
		switch kw {
		case "FIELDS":
			var slot obj.O
			slot, in, err = parseAssigns(in, false)
			stmt.Fields = []obj.O{slot}
		case "SET":
			var slot obj.O
			slot, in, err = parseAssigns(in, true)
			stmt.Fields = []obj.O{slot}
		case "VALUES":
			stmt.Fields, in, err = parseValues(in)
		case "WHERE":
			stmt.Where, in, err = parseWhere(in)
		case "SORT":
			stmt.Sort, in, err = parseSort(in)
		case "LIMIT":
			stmt.Limit, in, err = lexInt(in)
		case "OFFSET":
			stmt.Offset, in, err = lexInt(in)
		}
		if err != nil {
			return Stmt{}, nil, err
		}
	}

	if seen["SET"] && seen["VALUES"] {
		return Stmt{}, nil, fmt.Errorf("%w: SET and VALUES can't be combined", ErrSyntax)
	}
	if err := validate(stmt); err != nil {
		return Stmt{}, nil, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	return stmt, in, nil
}

// parseAssigns parses a comma separated list of `name = <json>`. When the value is not
// required a bare name is assigned to nil, and "*" is accepted as a name.
func parseAssigns(in []byte, required bool) (obj.O, []byte, error) {
	assign := obj.O{}
	for {
		var (
			name string
			err  error
		)
		if !required && in[0] == '*' {
			name, in = model.FieldAll, in[1:]
		} else {
			name, in, err = lexName(in)
			if err != nil {
				return nil, nil, err
			}
		}
		if _, ok := assign[name]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate assignment of %q", ErrSyntax, name)
		}

		in = skipblank(in)
		var val any
		switch {
		case len(in) > 0 && in[0] == '=':
			in = skipblank(in[1:])
			if len(in) == 0 {
				return nil, nil, errUnexpectedEOF()
			}
			in, err = parseJSON(in, &val)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: failed to parse value of %q as JSON: %v", ErrSyntax, name, err)
			}
			in = skipblank(in)
		case required:
			return nil, nil, fmt.Errorf("%w: expected '=' after %q", ErrSyntax, name)
		}
		assign[name] = val

		if len(in) > 0 && in[0] == ',' {
			in = skipblank(in[1:])
			if len(in) == 0 {
				return nil, nil, errUnexpectedEOF()
			}
			continue
		}
		return assign, in, nil
	}
}

func parseValues(in []byte) ([]obj.O, []byte, error) {
	var slots []obj.O
	for {
		if in[0] != '{' {
			return nil, nil, fmt.Errorf("%w: VALUES requires JSON objects but got %q", ErrSyntax, truncate(in))
		}
		var (
			slot obj.O
			err  error
		)
		in, err = parseJSON(in, &slot)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: failed to parse value as JSON Object: %v", ErrSyntax, err)
		}
		slots = append(slots, slot)

		in = skipblank(in)
		if len(in) > 0 && in[0] == ',' {
			in = skipblank(in[1:])
			if len(in) == 0 {
				return nil, nil, errUnexpectedEOF()
			}
			continue
		}
		return slots, in, nil
	}
}

func parseSort(in []byte) ([]string, []byte, error) {
	var sorts []string
	for {
		name, rest, err := lexName(in)
		if err != nil {
			return nil, nil, err
		}
		in = rest
		if len(in) > 0 && in[0] == '!' {
			name += operator.NotEqual
			in = in[1:]
		}
		sorts = append(sorts, name)

		in = skipblank(in)
		if len(in) > 0 && in[0] == ',' {
			in = skipblank(in[1:])
			if len(in) == 0 {
				return nil, nil, errUnexpectedEOF()
			}
			continue
		}
		return sorts, in, nil
	}
}

func parseWhere(in []byte) (Clauses, []byte, error) {
	var where Clauses
	for {
		if in[0] == '{' {
			clauses, rest, err := parseWhereObject(in)
			if err != nil {
				return nil, nil, err
			}
			where = append(where, clauses...)
			in = rest
		} else {
			clause, rest, err := parseComparison(in)
			if err != nil {
				return nil, nil, err
			}
			where = append(where, clause)
			in = rest
		}

		in = skipblank(in)
		rest, ok := lexKeyword(in, "AND")
		if !ok {
			break
		}
		in = skipblank(rest)
		if len(in) == 0 {
			return nil, nil, errUnexpectedEOF()
		}
	}

	seen := map[string]bool{}
	for _, c := range where {
		filter := operator.Attach(c.Op, c.Field)
		if seen[filter] {
			return nil, nil, fmt.Errorf("%w: invalid WHERE: duplicate AND field %q", ErrSyntax, filter)
		}
		seen[filter] = true
	}
	return where, in, nil
}

func parseComparison(in []byte) (Clause, []byte, error) {
	name, in, err := lexName(in)
	if err != nil {
		return Clause{}, nil, err
	}
	in = skipblank(in)
	if len(in) == 0 {
		return Clause{}, nil, errUnexpectedEOF()
	}
	token, in, err := lexComparison(in)
	if err != nil {
		return Clause{}, nil, err
	}
	in = skipblank(in)
	if len(in) == 0 {
		return Clause{}, nil, errUnexpectedEOF()
	}
	if operator.Parse(token).Any && in[0] != '[' {
		return Clause{}, nil, fmt.Errorf("%w: IN requires a JSON list argument but got %q", ErrSyntax, truncate(in))
	}
	var val any
	in, err = parseJSON(in, &val)
	if err != nil {
		return Clause{}, nil, fmt.Errorf("%w: parsing value as JSON: %v", ErrSyntax, err)
	}
	return Clause{Field: name, Op: token, Value: val}, in, nil
}

func lexComparison(in []byte) (string, []byte, error) {
	for _, c := range comparisons {
		if bytes.HasPrefix(in, []byte(c.text)) {
			return c.token, in[len(c.text):], nil
		}
	}
	if rest, ok := lexKeyword(in, kwIn); ok {
		return operator.EqualAny, rest, nil
	}
	if rest, ok := lexKeyword(in, kwNot); ok {
		if rest, ok := lexKeyword(skipblank(rest), kwIn); ok {
			return operator.NotEqualAny, rest, nil
		}
	}
	return "", nil, fmt.Errorf("%w: invalid where: unexpected %q", ErrSyntax, truncate(in))
}

func parseWhereObject(in []byte) (Clauses, []byte, error) {
	var (
		where obj.O
		err   error
	)
	in, err = parseJSON(in, &where)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to parse value as JSON Object: %v", ErrSyntax, err)
	}
	if len(where) == 0 {
		return nil, nil, fmt.Errorf("%w: WHERE object require key-value entries", ErrSyntax)
	}
	clauses := make(Clauses, 0, len(where))
	for _, k := range slices.Sorted(maps.Keys(where)) {
		name, op := operator.Detach(k)
		if !isIdent(name) {
			return nil, nil, fmt.Errorf("%w: WHERE object keys need to be valid identifier but found %q", ErrSyntax, k)
		}
		clauses = append(clauses, Clause{Field: name, Op: op.String(), Value: where[k]})
	}
	return clauses, in, nil
}

func parseJSON[T any](in []byte, val *T) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(in))
	err := dec.Decode(val)
	if err != nil {
		return nil, fmt.Errorf("parsing JSON: %v", err)
	}
	return in[dec.InputOffset():], nil
}

func errUnexpectedEOF() error {
	return fmt.Errorf("%w: unexpected eof", ErrSyntax)
}

var errEOF = errors.New("eof")
