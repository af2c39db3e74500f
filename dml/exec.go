package dml

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/operator"
	"github.com/birdie-ai/modelkit/slog"
)

type (
	// Models maps entity names to the models that run their statements.
	Models map[string]*model.Model

	// Result is the outcome of an executed statement.
	Result struct {
		Stmt Stmt
		// Records found by SEARCH.
		Records []obj.O
		// Keys of the records written by CREATE, UPDATE and REMOVE.
		Keys []model.Key
		// Count of records found or written.
		Count int
	}
)

// ErrUnknownEntity indicates a statement over an entity with no model.
var ErrUnknownEntity = errors.New("unknown entity")

// Method returns the model method that runs the statement.
func (s Stmt) Method() model.Method {
	switch s.Op {
	case CREATE:
		return model.MethodCreate
	case UPDATE:
		return model.MethodUpdate
	case REMOVE:
		return model.MethodRemove
	}
	return model.MethodSearch
}

// Query returns the model query of the statement.
func (s Stmt) Query() model.Query {
	q := model.Query{Sorts: slices.Clone(s.Sort)}
	if len(s.Fields) > 0 {
		q.Fields = obj.CloneList(s.Fields)
	}
	if len(s.Where) > 0 {
		q.Filters = obj.O{}
		for _, c := range s.Where {
			q.Filters[operator.Attach(c.Op, c.Field)] = obj.CloneValue(c.Value)
		}
	}
	return q
}

// Exec executes the statements in order, each on the model of its entity, stopping at the
// first failure. The results of the statements executed before the failure are returned.
func Exec(ctx context.Context, models Models, stmts Stmts) ([]Result, error) {
	results := make([]Result, 0, len(stmts))
	for i, stmt := range stmts {
		m, ok := models[stmt.Entity.Value()]
		if !ok {
			return results, fmt.Errorf("statement %d: %w: %q", i+1, ErrUnknownEntity, stmt.Entity.Value())
		}
		res, err := ExecStmt(ctx, m, stmt)
		if err != nil {
			return results, fmt.Errorf("statement %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// ExecStmt executes a single statement on the model. The fluent state of the model is not used.
func ExecStmt(ctx context.Context, m *model.Model, stmt Stmt) (Result, error) {
	if err := validate(stmt); err != nil {
		return Result{}, err
	}
	start := time.Now()
	res, err := m.Run(ctx, stmt.Method(), stmt.Query(), stmt.Limit, stmt.Offset)
	if err != nil {
		return Result{}, err
	}

	result := Result{Stmt: stmt, Keys: res.Keys, Count: len(res.Keys)}
	switch stmt.Op {
	case SEARCH:
		result.Records = res.Records
		result.Count = len(res.Records)
	case COUNT:
		result.Count = len(res.Records)
	}
	slog.FromCtx(ctx).Debug("dml statement executed",
		"op", string(stmt.Op),
		"entity", stmt.Entity.Value(),
		"count", result.Count,
		"elapsed", time.Since(start),
	)
	return result, nil
}
