// Package parser turns validated SQL text into ast statements using the
// PostgreSQL grammar from pg_query.
package parser

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/protocol/sql/validation"
)

const op = "parse"

// Parser validates and parses SQL text. It is safe for concurrent use.
type Parser struct {
	validator *validation.Validator
}

// New creates a Parser using v for the lexical stages. A nil validator uses
// the default options.
func New(v *validation.Validator) *Parser {
	if v == nil {
		v = validation.New(validation.Options{})
	}
	return &Parser{validator: v}
}

var defaultParser = New(nil)

// Parse validates and parses text with the default validator.
func Parse(text string) ([]ast.Statement, error) {
	return defaultParser.Parse(text)
}

// Parse returns every statement in text, or an error and no statements.
func (p *Parser) Parse(text string) ([]ast.Statement, error) {
	clean, err := p.validator.Validate(text)
	if err != nil {
		return nil, err
	}
	result, err := pg_query.Parse(clean)
	if err != nil {
		return nil, qerrors.NewSyntaxError(op, err.Error())
	}
	if len(result.Stmts) == 0 {
		return nil, qerrors.NewSyntaxError(op, "no statements found in query")
	}

	stmts := make([]ast.Statement, 0, len(result.Stmts))
	for _, raw := range result.Stmts {
		stmt, err := convertStatement(raw.GetStmt())
		if err != nil {
			return nil, err
		}
		if err := p.checkFunctions(stmt); err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

// ParseOne parses text that must hold exactly one statement.
func (p *Parser) ParseOne(text string) (ast.Statement, error) {
	stmts, err := p.Parse(text)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, qerrors.NewSyntaxError(op, "expected a single statement")
	}
	return stmts[0], nil
}

func (p *Parser) checkFunctions(stmt ast.Statement) error {
	var err error
	visitExprs(stmt, func(e ast.Expr) {
		ast.Walk(e, func(n ast.Expr) bool {
			if f, ok := n.(*ast.FuncCall); ok && err == nil {
				err = p.validator.CheckFunction(f.Name)
			}
			return err == nil
		})
	})
	return err
}

// visitExprs calls fn with every top-level expression of stmt.
func visitExprs(stmt ast.Statement, fn func(ast.Expr)) {
	switch s := stmt.(type) {
	case *ast.SelectStmt:
		visitSelect(s, fn)
	case *ast.InsertStmt:
		for _, row := range s.Values {
			for _, e := range row {
				fn(e)
			}
		}
		if s.Query != nil {
			visitSelect(s.Query, fn)
		}
	case *ast.UpdateStmt:
		for _, a := range s.Set {
			fn(a.Value)
		}
		fn(s.Where)
	case *ast.DeleteStmt:
		fn(s.Where)
	case *ast.ExplainStmt:
		visitExprs(s.Stmt, fn)
	}
}

func visitSelect(s *ast.SelectStmt, fn func(ast.Expr)) {
	if s == nil {
		return
	}
	if s.With != nil {
		for _, c := range s.With.CTEs {
			visitSelect(c.Query, fn)
		}
	}
	if s.SetOp != nil {
		visitSelect(s.SetOp.Left, fn)
		visitSelect(s.SetOp.Right, fn)
	}
	for _, t := range s.Targets {
		fn(t.Expr)
	}
	var visitTable func(ast.TableExpr)
	visitTable = func(t ast.TableExpr) {
		switch x := t.(type) {
		case *ast.JoinExpr:
			visitTable(x.Left)
			visitTable(x.Right)
			fn(x.On)
		case *ast.SubqueryRef:
			visitSelect(x.Query, fn)
		}
	}
	for _, f := range s.From {
		visitTable(f)
	}
	fn(s.Where)
	for _, g := range s.GroupBy {
		fn(g)
	}
	fn(s.Having)
	for _, o := range s.OrderBy {
		fn(o.Expr)
	}
}

func unsupported(format string, args ...interface{}) error {
	return qerrors.NewUnsupportedError(op, format, args...)
}

func lowerName(s string) string { return strings.ToLower(s) }
