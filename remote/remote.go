// Package remote runs statements over HTTP: [Handler] serves a set of models and [Client]
// sends statements to it.
//
// Statements are posted as text to the exec path and answered with a JSON [Response]:
//
//	POST /exec
//	SEARCH users FIELDS name WHERE age >= 18 SORT name;
//
//	{"results": [{"statement": "SEARCH users FIELDS name WHERE age >= 18 SORT name;", "records": [...], "count": 2}]}
package remote

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/birdie-ai/modelkit/dml"
	"github.com/birdie-ai/modelkit/format"
	"github.com/birdie-ai/modelkit/model"
	"github.com/birdie-ai/modelkit/obj"
	"github.com/birdie-ai/modelkit/slog"
	"github.com/birdie-ai/modelkit/tracing"
)

type (
	// Output is the JSON form of an executed statement.
	Output struct {
		Statement string      `json:"statement"`
		Records   []obj.O     `json:"records,omitempty"`
		Keys      []model.Key `json:"keys,omitempty"`
		Count     int         `json:"count"`
	}

	// Response is the body of every exec response. Results holds the statements executed
	// before a failure.
	Response struct {
		Results []Output `json:"results"`
		Error   string   `json:"error,omitempty"`
	}
)

// Paths and headers of the exec protocol.
const (
	ExecPath    = "/exec"
	TraceHeader = "X-Trace-Id"
	OrgHeader   = "X-Organization-Id"
)

const maxBodySize = 8 << 20

// NewOutput converts an executed statement.
func NewOutput(res dml.Result) Output {
	return Output{
		Statement: res.Stmt.String(),
		Records:   res.Records,
		Keys:      res.Keys,
		Count:     res.Count,
	}
}

// Handler serves the statements posted to [ExecPath] with the given models.
func Handler(models dml.Models) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ExecPath, func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if id := req.Header.Get(TraceHeader); id != "" {
			ctx = tracing.CtxWithTraceID(ctx, id)
			ctx = slog.NewContext(ctx, slog.FromCtx(ctx).With("trace_id", id))
		}
		if id := req.Header.Get(OrgHeader); id != "" {
			ctx = tracing.CtxWithOrgID(ctx, id)
			ctx = slog.NewContext(ctx, slog.FromCtx(ctx).With("organization_id", id))
		}
		ctx, traceID := tracing.Ensure(ctx)
		log := slog.FromCtx(ctx)
		w.Header().Set(TraceHeader, traceID)

		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodySize))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, Response{Error: err.Error()})
			return
		}
		stmts, err := dml.Parse(body)
		if err != nil {
			log.Debug("rejected statements", "error", err)
			writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
			return
		}

		results, err := dml.Exec(ctx, models, stmts)
		resp := Response{Results: make([]Output, len(results))}
		for i, res := range results {
			resp.Results[i] = NewOutput(res)
		}
		if err != nil {
			resp.Error = err.Error()
			code := statusCode(err)
			if code >= http.StatusInternalServerError {
				log.Error("executing statements", "error", err, "executed", len(results))
			}
			writeJSON(w, code, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return mux
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, dml.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, format.ErrValidation),
		errors.Is(err, model.ErrInvalidArgument),
		errors.Is(err, dml.ErrInvalidClause):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		code = http.StatusInternalServerError
		body, _ = json.Marshal(Response{Error: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
