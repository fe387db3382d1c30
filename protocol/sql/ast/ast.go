// Package ast defines the statement and expression trees produced by the
// parser. Trees are immutable once built; rewrites return new nodes.
package ast

import (
	"github.com/guileen/querycore/types"
)

// Statement is one parsed SQL statement.
type Statement interface {
	// Verb is the leading keyword, e.g. SELECT or CREATE TABLE.
	Verb() string
	String() string
	stmtNode()
}

// Expr is a scalar expression.
type Expr interface {
	String() string
	exprNode()
}

// JoinKind enumerates the supported joins.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinCross
)

func (k JoinKind) String() string {
	switch k {
	case JoinLeft:
		return "LEFT"
	case JoinRight:
		return "RIGHT"
	case JoinFull:
		return "FULL"
	case JoinCross:
		return "CROSS"
	default:
		return "INNER"
	}
}

// CTEMaterialize carries the MATERIALIZED / NOT MATERIALIZED hint.
type CTEMaterialize int

const (
	MaterializeDefault CTEMaterialize = iota
	MaterializeAlways
	MaterializeNever
)

// ---- statements ----

// SelectStmt is a query. When SetOp is set the statement is a UNION of two
// branches and only With, OrderBy, Limit and Offset apply to the result.
type SelectStmt struct {
	With     *WithClause
	Distinct bool
	Targets  []SelectItem
	From     []TableExpr
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    Expr
	Offset   Expr
	SetOp    *SetOp
}

// SetOp combines two queries.
type SetOp struct {
	All   bool
	Left  *SelectStmt
	Right *SelectStmt
}

// SelectItem is one entry of the target list. Star selects every column,
// optionally qualified by StarTable.
type SelectItem struct {
	Expr      Expr
	Alias     string
	Star      bool
	StarTable string
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr       Expr
	Desc       bool
	NullsFirst *bool
}

// WithClause is the WITH prefix of a query.
type WithClause struct {
	Recursive bool
	CTEs      []*CTE
}

// CTE is one named common table expression.
type CTE struct {
	Name         string
	Columns      []string
	Query        *SelectStmt
	Materialized CTEMaterialize
}

// TableExpr is an entry of the FROM clause.
type TableExpr interface {
	String() string
	tableNode()
}

// TableRef names a table or CTE.
type TableRef struct {
	Name  string
	Alias string
}

// RefName is the name the relation is visible under.
func (t *TableRef) RefName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// JoinExpr joins two table expressions.
type JoinExpr struct {
	Kind  JoinKind
	Left  TableExpr
	Right TableExpr
	On    Expr
	Using []string
}

// SubqueryRef is a derived table.
type SubqueryRef struct {
	Query *SelectStmt
	Alias string
}

// InsertStmt inserts literal rows or the result of a query.
type InsertStmt struct {
	Table   string
	Columns []string
	Values  [][]Expr
	Query   *SelectStmt
}

// Assignment is one SET entry of UPDATE.
type Assignment struct {
	Column string
	Value  Expr
}

// UpdateStmt updates rows matching Where.
type UpdateStmt struct {
	Table string
	Alias string
	Set   []Assignment
	Where Expr
}

// DeleteStmt deletes rows matching Where.
type DeleteStmt struct {
	Table string
	Alias string
	Where Expr
}

// CreateTableStmt creates a table.
type CreateTableStmt struct {
	Table       *types.TableDefinition
	IfNotExists bool
}

// CreateIndexStmt creates a secondary index.
type CreateIndexStmt struct {
	Table       string
	Index       types.IndexDefinition
	IfNotExists bool
}

// DropStmt drops tables or indexes.
type DropStmt struct {
	Index    bool
	Names    []string
	IfExists bool
}

// GrantStmt is GRANT, or REVOKE when Revoke is set.
type GrantStmt struct {
	Revoke     bool
	Privileges []string
	Tables     []string
	Grantees   []string
}

// ExplainStmt wraps a statement whose plan is requested.
type ExplainStmt struct {
	Analyze bool
	JSON    bool
	Stmt    Statement
}

// AnalyzeStmt collects statistics. No tables means every table.
type AnalyzeStmt struct {
	Tables []string
}

func (*SelectStmt) stmtNode()      {}
func (*InsertStmt) stmtNode()      {}
func (*UpdateStmt) stmtNode()      {}
func (*DeleteStmt) stmtNode()      {}
func (*CreateTableStmt) stmtNode() {}
func (*CreateIndexStmt) stmtNode() {}
func (*DropStmt) stmtNode()        {}
func (*GrantStmt) stmtNode()       {}
func (*ExplainStmt) stmtNode()     {}
func (*AnalyzeStmt) stmtNode()     {}

func (*SelectStmt) Verb() string      { return "SELECT" }
func (*InsertStmt) Verb() string      { return "INSERT" }
func (*UpdateStmt) Verb() string      { return "UPDATE" }
func (*DeleteStmt) Verb() string      { return "DELETE" }
func (*CreateTableStmt) Verb() string { return "CREATE TABLE" }
func (*CreateIndexStmt) Verb() string { return "CREATE INDEX" }
func (*ExplainStmt) Verb() string     { return "EXPLAIN" }
func (*AnalyzeStmt) Verb() string     { return "ANALYZE" }

func (s *DropStmt) Verb() string {
	if s.Index {
		return "DROP INDEX"
	}
	return "DROP TABLE"
}

func (s *GrantStmt) Verb() string {
	if s.Revoke {
		return "REVOKE"
	}
	return "GRANT"
}

func (*TableRef) tableNode()    {}
func (*JoinExpr) tableNode()    {}
func (*SubqueryRef) tableNode() {}

// ---- expressions ----

// ColumnRef references a column, optionally qualified.
type ColumnRef struct {
	Table string
	Name  string
}

// Literal is a constant.
type Literal struct {
	Value types.Value
}

// Param is a positional parameter $Index (1-based).
type Param struct {
	Index int
}

// UnaryExpr is NOT, unary minus or unary plus.
type UnaryExpr struct {
	Op   string
	Expr Expr
}

// BinaryExpr covers logical, comparison, arithmetic and concatenation operators.
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

// FuncCall is a scalar or aggregate function call.
type FuncCall struct {
	Name     string
	Args     []Expr
	Star     bool
	Distinct bool
}

// When is one WHEN branch of CASE.
type When struct {
	Cond   Expr
	Result Expr
}

// CaseExpr is CASE [operand] WHEN ... [ELSE ...] END.
type CaseExpr struct {
	Operand Expr
	Whens   []When
	Else    Expr
}

// BetweenExpr is expr [NOT] BETWEEN low AND high.
type BetweenExpr struct {
	Expr Expr
	Low  Expr
	High Expr
	Not  bool
}

// InExpr is expr [NOT] IN (list).
type InExpr struct {
	Expr Expr
	List []Expr
	Not  bool
}

// LikeExpr is expr [NOT] LIKE/ILIKE pattern.
type LikeExpr struct {
	Expr            Expr
	Pattern         Expr
	Not             bool
	CaseInsensitive bool
}

// IsNullExpr is expr IS [NOT] NULL.
type IsNullExpr struct {
	Expr Expr
	Not  bool
}

// CastExpr converts to one of the storage types.
type CastExpr struct {
	Expr Expr
	Type types.ColumnType
}

func (*ColumnRef) exprNode()   {}
func (*Literal) exprNode()     {}
func (*Param) exprNode()       {}
func (*UnaryExpr) exprNode()   {}
func (*BinaryExpr) exprNode()  {}
func (*FuncCall) exprNode()    {}
func (*CaseExpr) exprNode()    {}
func (*BetweenExpr) exprNode() {}
func (*InExpr) exprNode()      {}
func (*LikeExpr) exprNode()    {}
func (*IsNullExpr) exprNode()  {}
func (*CastExpr) exprNode()    {}

var aggregates = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true}

// IsAggregate reports whether name is an aggregate function.
func IsAggregate(name string) bool {
	return aggregates[upper(name)]
}

// And joins conjuncts with AND; nil entries are skipped.
func And(exprs ...Expr) Expr {
	var out Expr
	for _, e := range exprs {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
		} else {
			out = &BinaryExpr{Op: "AND", Left: out, Right: e}
		}
	}
	return out
}

// Conjuncts splits an expression on top-level AND.
func Conjuncts(e Expr) []Expr {
	if e == nil {
		return nil
	}
	if b, ok := e.(*BinaryExpr); ok && b.Op == "AND" {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	return []Expr{e}
}
