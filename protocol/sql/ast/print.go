package ast

import (
	"strconv"
	"strings"
)

func upper(s string) string { return strings.ToUpper(s) }

func (c *ColumnRef) String() string {
	if c.Table != "" {
		return c.Table + "." + c.Name
	}
	return c.Name
}

func (l *Literal) String() string {
	if b, ok := l.Value.Bool(); ok {
		if b {
			return "TRUE"
		}
		return "FALSE"
	}
	return l.Value.SQL()
}

func (p *Param) String() string { return "$" + strconv.Itoa(p.Index) }

func (u *UnaryExpr) String() string {
	inner := u.Expr.String()
	if _, ok := u.Expr.(*BinaryExpr); ok {
		inner = "(" + inner + ")"
	}
	if u.Op == "NOT" {
		return "NOT " + inner
	}
	return u.Op + inner
}

var associative = map[string]bool{"AND": true, "OR": true, "+": true, "*": true, "||": true}

func precedence(op string) int {
	switch op {
	case "OR":
		return 1
	case "AND":
		return 2
	case "=", "<>", "!=", "<", "<=", ">", ">=":
		return 4
	case "||":
		return 5
	case "+", "-":
		return 6
	case "*", "/", "%":
		return 7
	}
	return 3
}

func logical(op string) bool { return op == "AND" || op == "OR" }

func (b *BinaryExpr) String() string {
	return b.child(b.Left, true) + " " + b.Op + " " + b.child(b.Right, false)
}

func (b *BinaryExpr) child(e Expr, left bool) string {
	c, ok := e.(*BinaryExpr)
	if !ok {
		switch e.(type) {
		case *BetweenExpr, *InExpr, *LikeExpr, *IsNullExpr:
			if !logical(b.Op) {
				return "(" + e.String() + ")"
			}
		}
		return e.String()
	}
	if c.Op == b.Op && associative[b.Op] && (left || logical(b.Op)) {
		return c.String()
	}
	// AND nested in OR and the reverse are always grouped.
	if logical(c.Op) && logical(b.Op) {
		return "(" + c.String() + ")"
	}
	cp, bp := precedence(c.Op), precedence(b.Op)
	if cp > bp || (cp == bp && left && bp > 4) {
		return c.String()
	}
	return "(" + c.String() + ")"
}

func (f *FuncCall) String() string {
	var sb strings.Builder
	sb.WriteString(upper(f.Name))
	sb.WriteByte('(')
	if f.Star {
		sb.WriteByte('*')
	} else {
		if f.Distinct {
			sb.WriteString("DISTINCT ")
		}
		writeExprs(&sb, f.Args)
	}
	sb.WriteByte(')')
	return sb.String()
}

func (c *CaseExpr) String() string {
	var sb strings.Builder
	sb.WriteString("CASE")
	if c.Operand != nil {
		sb.WriteString(" " + c.Operand.String())
	}
	for _, w := range c.Whens {
		sb.WriteString(" WHEN " + w.Cond.String() + " THEN " + w.Result.String())
	}
	if c.Else != nil {
		sb.WriteString(" ELSE " + c.Else.String())
	}
	sb.WriteString(" END")
	return sb.String()
}

func not(b bool) string {
	if b {
		return "NOT "
	}
	return ""
}

func operand(e Expr) string {
	if _, ok := e.(*BinaryExpr); ok {
		return "(" + e.String() + ")"
	}
	return e.String()
}

func (b *BetweenExpr) String() string {
	return operand(b.Expr) + " " + not(b.Not) + "BETWEEN " + operand(b.Low) + " AND " + operand(b.High)
}

func (in *InExpr) String() string {
	var sb strings.Builder
	sb.WriteString(operand(in.Expr) + " " + not(in.Not) + "IN (")
	writeExprs(&sb, in.List)
	sb.WriteByte(')')
	return sb.String()
}

func (l *LikeExpr) String() string {
	op := "LIKE "
	if l.CaseInsensitive {
		op = "ILIKE "
	}
	return operand(l.Expr) + " " + not(l.Not) + op + operand(l.Pattern)
}

func (i *IsNullExpr) String() string {
	return operand(i.Expr) + " IS " + not(i.Not) + "NULL"
}

func (c *CastExpr) String() string {
	return "CAST(" + c.Expr.String() + " AS " + upper(string(c.Type)) + ")"
}

func writeExprs(sb *strings.Builder, exprs []Expr) {
	for i, e := range exprs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.String())
	}
}

// ---- table expressions ----

func (t *TableRef) String() string {
	if t.Alias != "" && t.Alias != t.Name {
		return t.Name + " AS " + t.Alias
	}
	return t.Name
}

func (j *JoinExpr) String() string {
	var sb strings.Builder
	sb.WriteString("(" + j.Left.String() + " " + j.Kind.String() + " JOIN " + j.Right.String())
	switch {
	case j.On != nil:
		sb.WriteString(" ON " + j.On.String())
	case len(j.Using) > 0:
		sb.WriteString(" USING (" + strings.Join(j.Using, ", ") + ")")
	}
	sb.WriteByte(')')
	return sb.String()
}

func (s *SubqueryRef) String() string {
	return "(" + s.Query.String() + ") AS " + s.Alias
}

// ---- statements ----

func (s *SelectStmt) String() string {
	var sb strings.Builder
	if s.With != nil {
		sb.WriteString(s.With.String())
		sb.WriteByte(' ')
	}
	if s.SetOp != nil {
		sb.WriteString("(" + s.SetOp.Left.String() + ") UNION ")
		if s.SetOp.All {
			sb.WriteString("ALL ")
		}
		sb.WriteString("(" + s.SetOp.Right.String() + ")")
	} else {
		sb.WriteString("SELECT ")
		if s.Distinct {
			sb.WriteString("DISTINCT ")
		}
		for i, t := range s.Targets {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(t.String())
		}
		if len(s.From) > 0 {
			sb.WriteString(" FROM ")
			for i, f := range s.From {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(f.String())
			}
		}
		if s.Where != nil {
			sb.WriteString(" WHERE " + s.Where.String())
		}
		if len(s.GroupBy) > 0 {
			sb.WriteString(" GROUP BY ")
			writeExprs(&sb, s.GroupBy)
		}
		if s.Having != nil {
			sb.WriteString(" HAVING " + s.Having.String())
		}
	}
	if len(s.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, o := range s.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(o.String())
		}
	}
	if s.Limit != nil {
		sb.WriteString(" LIMIT " + s.Limit.String())
	}
	if s.Offset != nil {
		sb.WriteString(" OFFSET " + s.Offset.String())
	}
	return sb.String()
}

func (t SelectItem) String() string {
	switch {
	case t.Star && t.StarTable != "":
		return t.StarTable + ".*"
	case t.Star:
		return "*"
	case t.Alias != "":
		return t.Expr.String() + " AS " + t.Alias
	}
	return t.Expr.String()
}

func (o OrderItem) String() string {
	s := o.Expr.String()
	if o.Desc {
		s += " DESC"
	}
	if o.NullsFirst != nil {
		if *o.NullsFirst {
			s += " NULLS FIRST"
		} else {
			s += " NULLS LAST"
		}
	}
	return s
}

func (w *WithClause) String() string {
	var sb strings.Builder
	sb.WriteString("WITH ")
	if w.Recursive {
		sb.WriteString("RECURSIVE ")
	}
	for i, c := range w.CTEs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.Name)
		if len(c.Columns) > 0 {
			sb.WriteString("(" + strings.Join(c.Columns, ", ") + ")")
		}
		sb.WriteString(" AS ")
		switch c.Materialized {
		case MaterializeAlways:
			sb.WriteString("MATERIALIZED ")
		case MaterializeNever:
			sb.WriteString("NOT MATERIALIZED ")
		}
		sb.WriteString("(" + c.Query.String() + ")")
	}
	return sb.String()
}

func (s *InsertStmt) String() string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO " + s.Table)
	if len(s.Columns) > 0 {
		sb.WriteString(" (" + strings.Join(s.Columns, ", ") + ")")
	}
	if s.Query != nil {
		sb.WriteString(" " + s.Query.String())
		return sb.String()
	}
	sb.WriteString(" VALUES ")
	for i, row := range s.Values {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		writeExprs(&sb, row)
		sb.WriteByte(')')
	}
	return sb.String()
}

func (s *UpdateStmt) String() string {
	var sb strings.Builder
	sb.WriteString("UPDATE " + s.Table + " SET ")
	for i, a := range s.Set {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.Column + " = " + a.Value.String())
	}
	if s.Where != nil {
		sb.WriteString(" WHERE " + s.Where.String())
	}
	return sb.String()
}

func (s *DeleteStmt) String() string {
	out := "DELETE FROM " + s.Table
	if s.Where != nil {
		out += " WHERE " + s.Where.String()
	}
	return out
}

func (s *CreateTableStmt) String() string {
	cols := make([]string, len(s.Table.Columns))
	for i, c := range s.Table.Columns {
		cols[i] = c.Name + " " + upper(string(c.Type))
		if c.PrimaryKey {
			cols[i] += " PRIMARY KEY"
		} else if !c.Nullable {
			cols[i] += " NOT NULL"
		}
	}
	return "CREATE TABLE " + s.Table.Name + " (" + strings.Join(cols, ", ") + ")"
}

func (s *CreateIndexStmt) String() string {
	unique := ""
	if s.Index.Unique {
		unique = "UNIQUE "
	}
	return "CREATE " + unique + "INDEX " + s.Index.Name + " ON " + s.Table + " (" + strings.Join(s.Index.Columns, ", ") + ")"
}

func (s *DropStmt) String() string {
	out := s.Verb() + " "
	if s.IfExists {
		out += "IF EXISTS "
	}
	return out + strings.Join(s.Names, ", ")
}

func (s *GrantStmt) String() string {
	dir := " TO "
	if s.Revoke {
		dir = " FROM "
	}
	return s.Verb() + " " + strings.Join(s.Privileges, ", ") + " ON " + strings.Join(s.Tables, ", ") + dir + strings.Join(s.Grantees, ", ")
}

func (s *ExplainStmt) String() string {
	out := "EXPLAIN "
	if s.Analyze {
		out += "ANALYZE "
	}
	if s.JSON {
		out += "(FORMAT JSON) "
	}
	return out + s.Stmt.String()
}

func (s *AnalyzeStmt) String() string {
	if len(s.Tables) == 0 {
		return "ANALYZE"
	}
	return "ANALYZE " + strings.Join(s.Tables, ", ")
}
