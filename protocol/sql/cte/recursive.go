package cte

import (
	"context"
	"fmt"

	"github.com/guileen/querycore/codec"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/types"
)

// RecursiveOptions bound the fixpoint iteration.
type RecursiveOptions struct {
	MaxIterations int
	// UnionAll keeps duplicate rows of the base term.
	UnionAll bool
}

// StepFunc runs the recursive term against the rows produced by the previous
// iteration.
type StepFunc func(ctx context.Context, delta []types.Row) ([]types.Row, error)

// EvaluateRecursive runs base once and then step until it yields no unseen
// row. A row already produced is never fed back, so cyclic data terminates.
// Reaching MaxIterations stops with a truncated result and a warning.
func EvaluateRecursive(ctx context.Context, name string, base func(context.Context) ([]types.Row, error), step StepFunc, opts RecursiveOptions) (*Result, error) {
	rows, err := base(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	var buf []byte
	fresh := func(row types.Row) bool {
		buf = codec.EncodeRow(buf[:0], row)
		if _, ok := seen[string(buf)]; ok {
			return false
		}
		seen[string(buf)] = struct{}{}
		return true
	}

	out := &Result{}
	for _, row := range rows {
		if fresh(row) || opts.UnionAll {
			out.Rows = append(out.Rows, row)
		}
	}
	delta := out.Rows

	iterations := 0
	for len(delta) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, qerrors.FromContext(err, op)
		}
		if opts.MaxIterations > 0 && iterations >= opts.MaxIterations {
			out.Truncated = true
			out.Warning = fmt.Sprintf("recursive query %q stopped after %d iterations", name, iterations)
			logger.WarnContext(ctx, "recursive cte truncated",
				logger.Component("cte"),
				logger.CTE(name),
				"iterations", iterations,
				logger.Rows(len(out.Rows)))
			break
		}
		produced, err := step(ctx, delta)
		if err != nil {
			return nil, err
		}
		iterations++
		next := make([]types.Row, 0, len(produced))
		for _, row := range produced {
			if fresh(row) {
				next = append(next, row)
			}
		}
		out.Rows = append(out.Rows, next...)
		delta = next
	}
	logger.DebugContext(ctx, "recursive cte evaluated",
		logger.Component("cte"),
		logger.CTE(name),
		"iterations", iterations,
		logger.Rows(len(out.Rows)))
	return out, nil
}
