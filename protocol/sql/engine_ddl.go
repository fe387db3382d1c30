package sql

import (
	"context"
	"errors"
	"time"

	"github.com/guileen/querycore/catalog"
	cerrors "github.com/guileen/querycore/catalog/errors"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/types"
)

// catalogError classifies a catalog error. Unknown objects are planning
// errors; everything else fails execution.
func catalogError(err error) error {
	switch {
	case cerrors.IsTableNotFoundError(err), cerrors.IsIndexNotFoundError(err), errors.Is(err, cerrors.ErrColumnNotFound):
		return qerrors.Wrap(err, qerrors.KindPlanning, qerrors.ErrCodeUnresolved, op)
	case cerrors.IsTableAlreadyExistsError(err), errors.Is(err, cerrors.ErrIndexAlreadyExists):
		return qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeConstraint, op)
	case errors.Is(err, cerrors.ErrInvalidColumnType), errors.Is(err, cerrors.ErrInvalidPrivilege):
		return qerrors.Wrap(err, qerrors.KindPlanning, qerrors.ErrCodeUnsupported, op)
	}
	return qerrors.Wrap(err, qerrors.KindExecution, qerrors.ErrCodeStorage, op)
}

func (e *Engine) createTable(ctx context.Context, s *ast.CreateTableStmt) (*types.QueryResult, error) {
	start := time.Now()
	def := s.Table
	if err := e.catalog.CreateTable(ctx, def); err != nil {
		if s.IfNotExists && cerrors.IsTableAlreadyExistsError(err) {
			return affected(0, start), nil
		}
		return nil, catalogError(err)
	}
	if err := e.storage.CreateTable(ctx, def); err != nil {
		if derr := e.catalog.DropTable(ctx, def.Name); derr != nil {
			logger.WarnContext(ctx, "catalog rollback failed",
				logger.Component("engine"), logger.Table(def.Name), logger.ErrorField(derr))
		}
		return nil, storageError(err)
	}
	e.invalidate(def.Name, true)
	logger.InfoContext(ctx, "table created", logger.Component("engine"), logger.Table(def.Name))
	return affected(0, start), nil
}

func (e *Engine) createIndex(ctx context.Context, s *ast.CreateIndexStmt) (*types.QueryResult, error) {
	start := time.Now()
	if err := e.catalog.CreateIndex(ctx, s.Table, s.Index); err != nil {
		if s.IfNotExists && errors.Is(err, cerrors.ErrIndexAlreadyExists) {
			return affected(0, start), nil
		}
		return nil, catalogError(err)
	}
	if err := e.storage.CreateIndex(ctx, s.Table, s.Index); err != nil {
		if _, derr := e.catalog.DropIndex(ctx, s.Index.Name); derr != nil {
			logger.WarnContext(ctx, "catalog rollback failed",
				logger.Component("engine"), logger.Table(s.Table), logger.ErrorField(derr))
		}
		return nil, storageError(err)
	}
	// New access paths change the best plan.
	e.invalidate(s.Table, true)
	return affected(0, start), nil
}

func (e *Engine) drop(ctx context.Context, s *ast.DropStmt) (*types.QueryResult, error) {
	start := time.Now()
	for _, name := range s.Names {
		if s.Index {
			table, err := e.catalog.DropIndex(ctx, name)
			if err != nil {
				if s.IfExists && cerrors.IsIndexNotFoundError(err) {
					continue
				}
				return nil, catalogError(err)
			}
			if err := e.storage.DropIndex(ctx, table, name); err != nil {
				return nil, storageError(err)
			}
			e.invalidate(table, true)
			continue
		}
		if err := e.catalog.DropTable(ctx, name); err != nil {
			if s.IfExists && cerrors.IsTableNotFoundError(err) {
				continue
			}
			return nil, catalogError(err)
		}
		if err := e.storage.DropTable(ctx, name); err != nil {
			return nil, storageError(err)
		}
		e.stats.Remove(name)
		e.invalidate(name, true)
		logger.InfoContext(ctx, "table dropped", logger.Component("engine"), logger.Table(name))
	}
	return affected(0, start), nil
}

// grant records GRANT and REVOKE in the catalog. Enforcement is left to the
// authentication layer.
func (e *Engine) grant(ctx context.Context, s *ast.GrantStmt) (*types.QueryResult, error) {
	start := time.Now()
	apply := e.catalog.Grant
	if s.Revoke {
		apply = e.catalog.Revoke
	}
	var n int64
	for _, table := range s.Tables {
		for _, grantee := range s.Grantees {
			for _, action := range s.Privileges {
				if err := apply(ctx, catalog.Privilege{Grantee: grantee, Table: table, Action: action}); err != nil {
					return nil, catalogError(err)
				}
				n++
			}
		}
	}
	return affected(n, start), nil
}

// analyze collects statistics for the named tables, or for every table, and
// drops the plans costed with the old ones.
func (e *Engine) analyze(ctx context.Context, s *ast.AnalyzeStmt) (*types.QueryResult, error) {
	start := time.Now()
	tables := s.Tables
	if len(tables) == 0 {
		defs, err := e.catalog.ListTables(ctx)
		if err != nil {
			return nil, catalogError(err)
		}
		for _, def := range defs {
			tables = append(tables, def.Name)
		}
	}
	result := &types.QueryResult{Columns: []string{"table", "rows", "pages"}}
	for _, name := range tables {
		stats, err := e.collector.Analyze(ctx, name)
		if err != nil {
			if qe := qerrors.FromContext(err, op); qe != nil {
				return nil, qe
			}
			return nil, catalogError(err)
		}
		e.plans.InvalidateTable(stats.TableName)
		result.Rows = append(result.Rows, types.Row{
			types.NewText(stats.TableName),
			types.NewInt(stats.RowCount),
			types.NewInt(stats.PageCount),
		})
	}
	result.Count = int64(len(result.Rows))
	result.ExecutionTime = time.Since(start)
	return result, nil
}
