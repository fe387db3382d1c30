package sql

import (
	"context"
	"encoding/json"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/optimizer"
	"github.com/guileen/querycore/types"
)

// Explain returns the plan of a single SELECT. With analyze set the query is
// executed and the plan annotated with actual rows and times.
func (e *Engine) Explain(ctx context.Context, sql string, analyze bool, params ...types.Value) (*optimizer.ExplainNode, error) {
	stmt, err := e.parser.ParseOne(sql)
	if err != nil {
		return nil, err
	}
	if x, ok := stmt.(*ast.ExplainStmt); ok {
		stmt, analyze = x.Stmt, analyze || x.Analyze
	}
	return e.explain(ctx, stmt, params, analyze)
}

func (e *Engine) explain(ctx context.Context, stmt ast.Statement, params []types.Value, analyze bool) (*optimizer.ExplainNode, error) {
	sel, ok := stmt.(*ast.SelectStmt)
	if !ok {
		return nil, qerrors.NewUnsupportedError(op, "EXPLAIN of %s is not supported", stmt.Verb())
	}
	if !analyze {
		entry, _, err := e.prepare(ctx, sel, params)
		if err != nil {
			return nil, err
		}
		return optimizer.Explain(entry.Plan, nil), nil
	}
	out, err := e.query(ctx, sel, params, true)
	if err != nil {
		return nil, err
	}
	return optimizer.Explain(out.Plan, out.Actual), nil
}

// explainStatement renders EXPLAIN as a result set: one text line per row,
// or a single row holding the flattened JSON node list.
func (e *Engine) explainStatement(ctx context.Context, s *ast.ExplainStmt, params []types.Value) (*types.QueryResult, error) {
	node, err := e.explain(ctx, s.Stmt, params, s.Analyze)
	if err != nil {
		return nil, err
	}
	result := &types.QueryResult{Columns: []string{"QUERY PLAN"}}
	if s.JSON {
		data, err := json.Marshal(node.Flatten())
		if err != nil {
			return nil, qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeInternal, op)
		}
		result.Rows = []types.Row{{types.NewText(string(data))}}
	} else {
		for _, line := range node.Lines() {
			result.Rows = append(result.Rows, types.Row{types.NewText(line)})
		}
	}
	for _, n := range node.Flatten() {
		if n.Warning != "" {
			result.Warnings = append(result.Warnings, n.Operation+": "+n.Warning)
		}
	}
	result.Count = int64(len(result.Rows))
	return result, nil
}
