// Package dml implements a textual statement language over models.
//
// A statement names a method, an entity (the model) and the clauses of its query:
//
//	SEARCH users FIELDS id, name WHERE age >= 30 AND city IN ["Lisbon", "Porto"] SORT age!, name LIMIT 10;
//	CREATE users VALUES {"id": 1, "name": "ann"}, {"id": 2, "name": "ben"};
//	UPDATE users SET name = "anna" WHERE id = 1;
//	REMOVE users WHERE {"name^=": "a"};
//	COUNT users WHERE age > 20;
//
// Comparisons in the textual WHERE form are =, !=, >, >=, <, <=, IN and NOT IN. Any other
// operator token is written with the JSON object form, where keys are filter names with the
// operator token attached, like {"name^": "a"}. Both forms can be combined with AND.
package dml

import (
	"unique"

	"github.com/birdie-ai/modelkit/obj"
)

type (
	// Stmt is a single dml statement.
	Stmt struct {
		Op     OpKind
		Entity unique.Handle[string]
		// Fields holds one slot per record for CREATE and UPDATE. For SEARCH and REMOVE it
		// holds the selected fields in a single slot.
		Fields []obj.O
		Where  Clauses
		// Sort lists sort names with their operator token, like "age!".
		Sort   []string
		Limit  int
		Offset int
	}

	// Stmts is a list of statements.
	Stmts []Stmt

	// OpKind is the statement operation: SEARCH | COUNT | CREATE | UPDATE | REMOVE
	OpKind string

	// Clauses is a AND-based list of clause.
	Clauses []Clause

	// Clause is a filter predicate.
	Clause struct {
		Field string
		// Op is the operator token of the filter, "" being equality.
		Op    string
		Value any
	}
)

// As we will process large bulks of statements, this ensures we don't waste memory in redundant information.
var (
	SEARCH = OpKind("SEARCH")
	COUNT  = OpKind("COUNT")
	CREATE = OpKind("CREATE")
	UPDATE = OpKind("UPDATE")
	REMOVE = OpKind("REMOVE")
)

// textual comparisons of the WHERE clause and their operator tokens.
var comparisons = []struct {
	text  string
	token string
}{
	// longest first, so ">=" is not read as ">".
	{"!=", "!"},
	{">=", ">="},
	{"<=", "<="},
	{"=", ""},
	{">", ">"},
	{"<", "<"},
}

const (
	kwIn  = "IN"
	kwNot = "NOT"
)
