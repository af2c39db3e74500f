package dml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unique"

	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
)

// encoder errors
var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrMissingEntity    = errors.New(`entity is not provided`)
	ErrMissingAssign    = errors.New(`CREATE and UPDATE require field values`)
	ErrInvalidClause    = errors.New(`invalid clause`)
	ErrNotIdent         = errors.New(`not an identifier`)
)

// Encode validates and encode the statements in its text format, one statement per line.
func Encode(w io.Writer, stmts Stmts) error {
	for _, stmt := range stmts {
		err := validate(stmt)
		if err != nil {
			return err
		}
		err = write(w, encode(stmt)+"\n")
		if err != nil {
			return err
		}
	}
	return nil
}

// String returns the statement in its text format. The statement is not validated.
func (s Stmt) String() string {
	return encode(s)
}

func validate(stmt Stmt) error {
	var errs []error
	switch stmt.Op {
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidOperation, stmt.Op))
	case SEARCH, COUNT, CREATE, UPDATE, REMOVE:
	}
	var empty unique.Handle[string]
	if stmt.Entity == empty || stmt.Entity.Value() == "" {
		errs = append(errs, ErrMissingEntity)
	}
	if stmt.Entity != empty && stmt.Entity.Value() != "" && !isIdent(stmt.Entity.Value()) {
		errs = append(errs, fmt.Errorf("invalid entity %s: %w", stmt.Entity.Value(), ErrNotIdent))
	}

	switch stmt.Op {
	case CREATE, UPDATE:
		if len(stmt.Fields) == 0 {
			errs = append(errs, ErrMissingAssign)
		}
		for i, slot := range stmt.Fields {
			if len(slot) == 0 {
				errs = append(errs, fmt.Errorf("%w: empty values at %d", ErrMissingAssign, i))
			}
		}
	case COUNT:
		if len(stmt.Fields) > 0 {
			errs = append(errs, fmt.Errorf("%w: COUNT does not select fields", ErrInvalidClause))
		}
	default:
		if len(stmt.Fields) > 1 {
			errs = append(errs, fmt.Errorf("%w: %s selects fields of a single slot", ErrInvalidClause, stmt.Op))
		}
	}
	if stmt.Op == UPDATE && len(stmt.Fields) > 1 {
		errs = append(errs, fmt.Errorf("%w: UPDATE accepts a single set of values", ErrInvalidClause))
	}
	if stmt.Op == CREATE && (len(stmt.Where) > 0 || len(stmt.Sort) > 0 || stmt.Limit != 0 || stmt.Offset != 0) {
		errs = append(errs, fmt.Errorf("%w: CREATE accepts only values", ErrInvalidClause))
	}
	if stmt.Limit < 0 || stmt.Offset < 0 {
		errs = append(errs, fmt.Errorf("%w: negative LIMIT or OFFSET", ErrInvalidClause))
	}
	for _, c := range stmt.Where {
		if !isIdent(c.Field) {
			errs = append(errs, fmt.Errorf("clause with invalid field %s: %w", c.Field, ErrNotIdent))
		}
	}
	for _, s := range stmt.Sort {
		if name, op := operator.Detach(s); name == "" || (!op.IsDefault() && op.String() != operator.NotEqual) {
			errs = append(errs, fmt.Errorf("%w: invalid sort %q", ErrInvalidClause, s))
		}
	}
	return errors.Join(errs...)
}

func encode(stmt Stmt) string {
	var b strings.Builder
	b.WriteString(string(stmt.Op) + " " + stmt.Entity.Value())

	switch stmt.Op {
	case CREATE, UPDATE:
		if len(stmt.Fields) == 1 {
			b.WriteString(" SET " + encodeAssigns(stmt.Fields[0], true))
		} else if len(stmt.Fields) > 1 {
			values := make([]string, len(stmt.Fields))
			for i, slot := range stmt.Fields {
				values[i] = encodeJSON(slot)
			}
			b.WriteString(" VALUES " + strings.Join(values, ", "))
		}
	default:
		if len(stmt.Fields) > 0 {
			b.WriteString(" FIELDS " + encodeAssigns(stmt.Fields[0], false))
		}
	}
	if len(stmt.Where) > 0 {
		b.WriteString(" WHERE " + encodeClauses(stmt.Where))
	}
	if len(stmt.Sort) > 0 {
		sorts := make([]string, len(stmt.Sort))
		for i, s := range stmt.Sort {
			name, op := operator.Detach(s)
			sorts[i] = encodeName(name) + op.String()
		}
		b.WriteString(" SORT " + strings.Join(sorts, ", "))
	}
	if stmt.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(stmt.Limit))
	}
	if stmt.Offset > 0 {
		b.WriteString(" OFFSET " + strconv.Itoa(stmt.Offset))
	}
	b.WriteString(";")
	return b.String()
}

func encodeAssigns(slot obj.O, required bool) string {
	assigns := make([]string, 0, len(slot))
	for _, name := range slices.Sorted(maps.Keys(slot)) {
		assign := encodeName(name)
		if name == model.FieldAll && !required {
			assign = model.FieldAll
		}
		if v := slot[name]; v != nil || required {
			assign += " = " + encodeJSON(v)
		}
		assigns = append(assigns, assign)
	}
	return strings.Join(assigns, ", ")
}

func encodeClauses(where Clauses) string {
	clauses := make([]string, len(where))
	for i, c := range where {
		clauses[i] = encodeClause(c)
	}
	return strings.Join(clauses, " AND ")
}

func encodeClause(c Clause) string {
	token := operator.Parse(c.Op).String()
	_, isList := c.Value.([]any)
	switch {
	case token == operator.EqualAny && isList:
		return encodeName(c.Field) + " " + kwIn + " " + encodeJSON(c.Value)
	case token == operator.NotEqualAny && isList:
		return encodeName(c.Field) + " " + kwNot + " " + kwIn + " " + encodeJSON(c.Value)
	}
	for _, cmp := range comparisons {
		if cmp.token == token {
			return encodeName(c.Field) + " " + cmp.text + " " + encodeJSON(c.Value)
		}
	}
	return encodeJSON(obj.O{operator.Attach(token, c.Field): c.Value})
}

func encodeName(name string) string {
	if isIdent(name) {
		return name
	}
	return encodeJSON(name)
}

func encodeJSON(v any) string {
	d, err := json.Marshal(v)
	if err != nil {
		return encodeJSON(fmt.Sprint(v))
	}
	return string(d)
}

func write(w io.Writer, s string) error {
	_, err := w.Write([]byte(s))
	return err
}
