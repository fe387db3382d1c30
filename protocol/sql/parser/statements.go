package parser

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/types"
)

func convertStatement(node *pg_query.Node) (ast.Statement, error) {
	switch {
	case node.GetSelectStmt() != nil:
		return convertSelect(node.GetSelectStmt())
	case node.GetInsertStmt() != nil:
		return convertInsert(node.GetInsertStmt())
	case node.GetUpdateStmt() != nil:
		return convertUpdate(node.GetUpdateStmt())
	case node.GetDeleteStmt() != nil:
		return convertDelete(node.GetDeleteStmt())
	case node.GetCreateStmt() != nil:
		return convertCreateTable(node.GetCreateStmt())
	case node.GetIndexStmt() != nil:
		return convertCreateIndex(node.GetIndexStmt())
	case node.GetDropStmt() != nil:
		return convertDrop(node.GetDropStmt())
	case node.GetGrantStmt() != nil:
		return convertGrant(node.GetGrantStmt())
	case node.GetExplainStmt() != nil:
		return convertExplain(node.GetExplainStmt())
	case node.GetVacuumStmt() != nil:
		return convertAnalyze(node.GetVacuumStmt())
	case node.GetTransactionStmt() != nil:
		return nil, unsupported("transaction control statements are not supported")
	}
	return nil, unsupported("unsupported statement %T", node.GetNode())
}

// ---- queries ----

func convertSelect(s *pg_query.SelectStmt) (*ast.SelectStmt, error) {
	out := &ast.SelectStmt{}
	if w := s.GetWithClause(); w != nil {
		with, err := convertWith(w)
		if err != nil {
			return nil, err
		}
		out.With = with
	}

	switch s.GetOp() {
	case pg_query.SetOperation_SETOP_NONE, pg_query.SetOperation_SET_OPERATION_UNDEFINED:
		if len(s.GetValuesLists()) > 0 {
			if err := convertValuesSelect(s, out); err != nil {
				return nil, err
			}
		} else if err := convertSimpleSelect(s, out); err != nil {
			return nil, err
		}
	case pg_query.SetOperation_SETOP_UNION:
		left, err := convertSelect(s.GetLarg())
		if err != nil {
			return nil, err
		}
		right, err := convertSelect(s.GetRarg())
		if err != nil {
			return nil, err
		}
		out.SetOp = &ast.SetOp{All: s.GetAll(), Left: left, Right: right}
	default:
		return nil, unsupported("%s is not supported", strings.TrimPrefix(s.GetOp().String(), "SETOP_"))
	}

	for _, n := range s.GetSortClause() {
		sb := n.GetSortBy()
		if sb == nil {
			return nil, unsupported("unsupported ORDER BY item")
		}
		e, err := convertExpr(sb.GetNode())
		if err != nil {
			return nil, err
		}
		item := ast.OrderItem{Expr: e, Desc: sb.GetSortbyDir() == pg_query.SortByDir_SORTBY_DESC}
		switch sb.GetSortbyNulls() {
		case pg_query.SortByNulls_SORTBY_NULLS_FIRST:
			t := true
			item.NullsFirst = &t
		case pg_query.SortByNulls_SORTBY_NULLS_LAST:
			f := false
			item.NullsFirst = &f
		}
		out.OrderBy = append(out.OrderBy, item)
	}
	if n := s.GetLimitCount(); n != nil {
		e, err := convertExpr(n)
		if err != nil {
			return nil, err
		}
		out.Limit = e
	}
	if n := s.GetLimitOffset(); n != nil {
		e, err := convertExpr(n)
		if err != nil {
			return nil, err
		}
		out.Offset = e
	}
	if s.GetLockingClause() != nil {
		return nil, unsupported("row locking clauses are not supported")
	}
	return out, nil
}

func convertSimpleSelect(s *pg_query.SelectStmt, out *ast.SelectStmt) error {
	if s.GetIntoClause() != nil {
		return unsupported("SELECT INTO is not supported")
	}
	if d := s.GetDistinctClause(); len(d) > 0 {
		// DISTINCT is a list holding one nil node; DISTINCT ON carries expressions.
		if len(d) > 1 || d[0].GetNode() != nil {
			return unsupported("DISTINCT ON is not supported")
		}
		out.Distinct = true
	}
	if len(s.GetWindowClause()) > 0 {
		return unsupported("window clauses are not supported")
	}

	for _, n := range s.GetTargetList() {
		rt := n.GetResTarget()
		if rt == nil {
			return unsupported("unsupported select item")
		}
		item, err := convertTarget(rt)
		if err != nil {
			return err
		}
		out.Targets = append(out.Targets, item)
	}
	for _, n := range s.GetFromClause() {
		t, err := convertTable(n)
		if err != nil {
			return err
		}
		out.From = append(out.From, t)
	}
	var err error
	if out.Where, err = convertOptional(s.GetWhereClause()); err != nil {
		return err
	}
	for _, n := range s.GetGroupClause() {
		e, err := convertExpr(n)
		if err != nil {
			return err
		}
		out.GroupBy = append(out.GroupBy, e)
	}
	if out.Having, err = convertOptional(s.GetHavingClause()); err != nil {
		return err
	}
	return nil
}

// convertValuesSelect turns a bare VALUES list into a UNION ALL of
// single-row selects.
func convertValuesSelect(s *pg_query.SelectStmt, out *ast.SelectStmt) error {
	rows, err := convertValuesLists(s.GetValuesLists())
	if err != nil {
		return err
	}
	var acc *ast.SelectStmt
	for _, row := range rows {
		one := &ast.SelectStmt{}
		for i, e := range row {
			one.Targets = append(one.Targets, ast.SelectItem{Expr: e, Alias: fmt.Sprintf("column%d", i+1)})
		}
		if acc == nil {
			acc = one
		} else {
			acc = &ast.SelectStmt{SetOp: &ast.SetOp{All: true, Left: acc, Right: one}}
		}
	}
	out.Targets, out.SetOp = acc.Targets, acc.SetOp
	return nil
}

func convertValuesLists(lists []*pg_query.Node) ([][]ast.Expr, error) {
	rows := make([][]ast.Expr, 0, len(lists))
	for _, l := range lists {
		items := l.GetList().GetItems()
		row := make([]ast.Expr, 0, len(items))
		for _, n := range items {
			e, err := convertExpr(n)
			if err != nil {
				return nil, err
			}
			row = append(row, e)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func convertTarget(rt *pg_query.ResTarget) (ast.SelectItem, error) {
	if cr := rt.GetVal().GetColumnRef(); cr != nil {
		fields := cr.GetFields()
		if len(fields) > 0 && fields[len(fields)-1].GetAStar() != nil {
			item := ast.SelectItem{Star: true}
			if len(fields) == 2 {
				item.StarTable = lowerName(fields[0].GetString_().GetSval())
			}
			return item, nil
		}
	}
	e, err := convertExpr(rt.GetVal())
	if err != nil {
		return ast.SelectItem{}, err
	}
	return ast.SelectItem{Expr: e, Alias: rt.GetName()}, nil
}

func convertWith(w *pg_query.WithClause) (*ast.WithClause, error) {
	out := &ast.WithClause{Recursive: w.GetRecursive()}
	for _, n := range w.GetCtes() {
		c := n.GetCommonTableExpr()
		if c == nil {
			return nil, unsupported("unsupported WITH item")
		}
		q := c.GetCtequery().GetSelectStmt()
		if q == nil {
			return nil, unsupported("data-modifying WITH is not supported")
		}
		body, err := convertSelect(q)
		if err != nil {
			return nil, err
		}
		cte := &ast.CTE{Name: lowerName(c.GetCtename()), Query: body}
		for _, col := range c.GetAliascolnames() {
			cte.Columns = append(cte.Columns, lowerName(col.GetString_().GetSval()))
		}
		switch c.GetCtematerialized() {
		case pg_query.CTEMaterialize_CTEMaterializeAlways:
			cte.Materialized = ast.MaterializeAlways
		case pg_query.CTEMaterialize_CTEMaterializeNever:
			cte.Materialized = ast.MaterializeNever
		}
		out.CTEs = append(out.CTEs, cte)
	}
	return out, nil
}

func convertTable(n *pg_query.Node) (ast.TableExpr, error) {
	switch {
	case n.GetRangeVar() != nil:
		rv := n.GetRangeVar()
		return &ast.TableRef{Name: lowerName(rv.GetRelname()), Alias: lowerName(rv.GetAlias().GetAliasname())}, nil
	case n.GetJoinExpr() != nil:
		return convertJoin(n.GetJoinExpr())
	case n.GetRangeSubselect() != nil:
		rs := n.GetRangeSubselect()
		if rs.GetLateral() {
			return nil, unsupported("LATERAL is not supported")
		}
		q, err := convertSelect(rs.GetSubquery().GetSelectStmt())
		if err != nil {
			return nil, err
		}
		alias := lowerName(rs.GetAlias().GetAliasname())
		if alias == "" {
			return nil, unsupported("subquery in FROM must have an alias")
		}
		return &ast.SubqueryRef{Query: q, Alias: alias}, nil
	case n.GetRangeFunction() != nil:
		return nil, unsupported("table functions are not supported")
	}
	return nil, unsupported("unsupported FROM item")
}

func convertJoin(j *pg_query.JoinExpr) (ast.TableExpr, error) {
	if j.GetIsNatural() {
		return nil, unsupported("NATURAL JOIN is not supported")
	}
	left, err := convertTable(j.GetLarg())
	if err != nil {
		return nil, err
	}
	right, err := convertTable(j.GetRarg())
	if err != nil {
		return nil, err
	}
	out := &ast.JoinExpr{Left: left, Right: right}
	switch j.GetJointype() {
	case pg_query.JoinType_JOIN_INNER:
		out.Kind = ast.JoinInner
	case pg_query.JoinType_JOIN_LEFT:
		out.Kind = ast.JoinLeft
	case pg_query.JoinType_JOIN_RIGHT:
		out.Kind = ast.JoinRight
	case pg_query.JoinType_JOIN_FULL:
		out.Kind = ast.JoinFull
	default:
		return nil, unsupported("join type %s is not supported", j.GetJointype())
	}
	for _, u := range j.GetUsingClause() {
		out.Using = append(out.Using, lowerName(u.GetString_().GetSval()))
	}
	if out.On, err = convertOptional(j.GetQuals()); err != nil {
		return nil, err
	}
	if out.Kind == ast.JoinInner && out.On == nil && len(out.Using) == 0 {
		out.Kind = ast.JoinCross
	}
	if j.GetAlias() != nil {
		return nil, unsupported("aliased joins are not supported")
	}
	return out, nil
}

// ---- DML ----

func convertInsert(s *pg_query.InsertStmt) (ast.Statement, error) {
	if s.GetWithClause() != nil || len(s.GetReturningList()) > 0 || s.GetOnConflictClause() != nil {
		return nil, unsupported("INSERT with WITH, RETURNING or ON CONFLICT is not supported")
	}
	out := &ast.InsertStmt{Table: lowerName(s.GetRelation().GetRelname())}
	for _, c := range s.GetCols() {
		out.Columns = append(out.Columns, lowerName(c.GetResTarget().GetName()))
	}
	sel := s.GetSelectStmt().GetSelectStmt()
	if sel == nil {
		return nil, unsupported("INSERT DEFAULT VALUES is not supported")
	}
	if len(sel.GetValuesLists()) > 0 && sel.GetOp() == pg_query.SetOperation_SETOP_NONE {
		rows, err := convertValuesLists(sel.GetValuesLists())
		if err != nil {
			return nil, err
		}
		out.Values = rows
		return out, nil
	}
	q, err := convertSelect(sel)
	if err != nil {
		return nil, err
	}
	out.Query = q
	return out, nil
}

func convertUpdate(s *pg_query.UpdateStmt) (ast.Statement, error) {
	if len(s.GetFromClause()) > 0 || len(s.GetReturningList()) > 0 || s.GetWithClause() != nil {
		return nil, unsupported("UPDATE with FROM, RETURNING or WITH is not supported")
	}
	rel := s.GetRelation()
	out := &ast.UpdateStmt{Table: lowerName(rel.GetRelname()), Alias: lowerName(rel.GetAlias().GetAliasname())}
	for _, n := range s.GetTargetList() {
		rt := n.GetResTarget()
		if rt == nil || len(rt.GetIndirection()) > 0 {
			return nil, unsupported("unsupported SET target")
		}
		v, err := convertExpr(rt.GetVal())
		if err != nil {
			return nil, err
		}
		out.Set = append(out.Set, ast.Assignment{Column: lowerName(rt.GetName()), Value: v})
	}
	var err error
	if out.Where, err = convertOptional(s.GetWhereClause()); err != nil {
		return nil, err
	}
	return out, nil
}

func convertDelete(s *pg_query.DeleteStmt) (ast.Statement, error) {
	if len(s.GetUsingClause()) > 0 || len(s.GetReturningList()) > 0 || s.GetWithClause() != nil {
		return nil, unsupported("DELETE with USING, RETURNING or WITH is not supported")
	}
	rel := s.GetRelation()
	out := &ast.DeleteStmt{Table: lowerName(rel.GetRelname()), Alias: lowerName(rel.GetAlias().GetAliasname())}
	var err error
	if out.Where, err = convertOptional(s.GetWhereClause()); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- DDL / DCL / utility ----

func convertCreateTable(s *pg_query.CreateStmt) (ast.Statement, error) {
	name := lowerName(s.GetRelation().GetRelname())
	def := &types.TableDefinition{Name: name}
	var pk []string
	for _, elt := range s.GetTableElts() {
		switch {
		case elt.GetColumnDef() != nil:
			cd := elt.GetColumnDef()
			col := types.ColumnDefinition{Name: lowerName(cd.GetColname()), Nullable: true}
			typ, err := typeName(cd.GetTypeName())
			if err != nil {
				return nil, err
			}
			col.Type = typ
			for _, cn := range cd.GetConstraints() {
				c := cn.GetConstraint()
				switch c.GetContype() {
				case pg_query.ConstrType_CONSTR_NOTNULL:
					col.Nullable = false
				case pg_query.ConstrType_CONSTR_PRIMARY:
					col.PrimaryKey, col.Nullable = true, false
					pk = append(pk, col.Name)
				case pg_query.ConstrType_CONSTR_UNIQUE:
					col.Unique = true
				case pg_query.ConstrType_CONSTR_DEFAULT:
					e, err := convertExpr(c.GetRawExpr())
					if err != nil {
						return nil, err
					}
					lit, ok := e.(*ast.Literal)
					if !ok {
						return nil, unsupported("column default must be a constant")
					}
					v := lit.Value
					col.Default = &v
				case pg_query.ConstrType_CONSTR_NULL:
				default:
					return nil, unsupported("column constraint %s is not supported", c.GetContype())
				}
			}
			def.Columns = append(def.Columns, col)
		case elt.GetConstraint() != nil:
			c := elt.GetConstraint()
			if c.GetContype() != pg_query.ConstrType_CONSTR_PRIMARY {
				return nil, unsupported("table constraint %s is not supported", c.GetContype())
			}
			for _, k := range c.GetKeys() {
				pk = append(pk, lowerName(k.GetString_().GetSval()))
			}
		default:
			return nil, unsupported("unsupported table element")
		}
	}
	for _, k := range pk {
		i := def.ColumnIndex(k)
		if i < 0 {
			return nil, unsupported("primary key column %s does not exist", k)
		}
		def.Columns[i].PrimaryKey, def.Columns[i].Nullable = true, false
	}
	if len(pk) > 0 {
		def.Indexes = append(def.Indexes, types.IndexDefinition{Name: name + "_pkey", Columns: pk, Unique: true})
	}
	for _, c := range def.Columns {
		if c.Unique && !c.PrimaryKey {
			def.Indexes = append(def.Indexes, types.IndexDefinition{Name: name + "_" + c.Name + "_key", Columns: []string{c.Name}, Unique: true})
		}
	}
	return &ast.CreateTableStmt{Table: def, IfNotExists: s.GetIfNotExists()}, nil
}

func convertCreateIndex(s *pg_query.IndexStmt) (ast.Statement, error) {
	if s.GetWhereClause() != nil {
		return nil, unsupported("partial indexes are not supported")
	}
	table := lowerName(s.GetRelation().GetRelname())
	idx := types.IndexDefinition{Name: lowerName(s.GetIdxname()), Unique: s.GetUnique()}
	for _, p := range s.GetIndexParams() {
		el := p.GetIndexElem()
		if el == nil || el.GetName() == "" {
			return nil, unsupported("expression indexes are not supported")
		}
		idx.Columns = append(idx.Columns, lowerName(el.GetName()))
	}
	if idx.Name == "" {
		idx.Name = table + "_" + strings.Join(idx.Columns, "_") + "_idx"
	}
	return &ast.CreateIndexStmt{Table: table, Index: idx, IfNotExists: s.GetIfNotExists()}, nil
}

func convertDrop(s *pg_query.DropStmt) (ast.Statement, error) {
	out := &ast.DropStmt{IfExists: s.GetMissingOk()}
	switch s.GetRemoveType() {
	case pg_query.ObjectType_OBJECT_TABLE:
	case pg_query.ObjectType_OBJECT_INDEX:
		out.Index = true
	default:
		return nil, unsupported("DROP %s is not supported", strings.TrimPrefix(s.GetRemoveType().String(), "OBJECT_"))
	}
	for _, obj := range s.GetObjects() {
		items := obj.GetList().GetItems()
		if len(items) == 0 {
			return nil, unsupported("unsupported DROP target")
		}
		out.Names = append(out.Names, lowerName(items[len(items)-1].GetString_().GetSval()))
	}
	return out, nil
}

func convertGrant(s *pg_query.GrantStmt) (ast.Statement, error) {
	if s.GetObjtype() != pg_query.ObjectType_OBJECT_TABLE || s.GetTargtype() != pg_query.GrantTargetType_ACL_TARGET_OBJECT {
		return nil, unsupported("only table privileges are supported")
	}
	out := &ast.GrantStmt{Revoke: !s.GetIsGrant()}
	for _, p := range s.GetPrivileges() {
		ap := p.GetAccessPriv()
		if len(ap.GetCols()) > 0 {
			return nil, unsupported("column privileges are not supported")
		}
		out.Privileges = append(out.Privileges, strings.ToUpper(ap.GetPrivName()))
	}
	if len(out.Privileges) == 0 {
		out.Privileges = []string{"ALL"}
	}
	for _, o := range s.GetObjects() {
		out.Tables = append(out.Tables, lowerName(o.GetRangeVar().GetRelname()))
	}
	for _, g := range s.GetGrantees() {
		rs := g.GetRoleSpec()
		if rs.GetRoletype() == pg_query.RoleSpecType_ROLESPEC_PUBLIC {
			out.Grantees = append(out.Grantees, "public")
			continue
		}
		out.Grantees = append(out.Grantees, lowerName(rs.GetRolename()))
	}
	return out, nil
}

func convertExplain(s *pg_query.ExplainStmt) (ast.Statement, error) {
	out := &ast.ExplainStmt{}
	for _, o := range s.GetOptions() {
		de := o.GetDefElem()
		switch strings.ToLower(de.GetDefname()) {
		case "analyze":
			out.Analyze = defBool(de)
		case "format":
			switch f := strings.ToLower(defString(de)); f {
			case "json":
				out.JSON = true
			case "text":
			default:
				return nil, unsupported("EXPLAIN format %s is not supported", f)
			}
		case "verbose", "costs":
		default:
			return nil, unsupported("EXPLAIN option %s is not supported", de.GetDefname())
		}
	}
	inner, err := convertStatement(s.GetQuery())
	if err != nil {
		return nil, err
	}
	switch inner.(type) {
	case *ast.SelectStmt, *ast.InsertStmt, *ast.UpdateStmt, *ast.DeleteStmt:
	default:
		return nil, unsupported("EXPLAIN %s is not supported", inner.Verb())
	}
	out.Stmt = inner
	return out, nil
}

func convertAnalyze(s *pg_query.VacuumStmt) (ast.Statement, error) {
	if s.GetIsVacuumcmd() {
		return nil, unsupported("VACUUM is not supported")
	}
	out := &ast.AnalyzeStmt{}
	for _, r := range s.GetRels() {
		vr := r.GetVacuumRelation()
		if len(vr.GetVaCols()) > 0 {
			return nil, unsupported("column lists in ANALYZE are not supported")
		}
		out.Tables = append(out.Tables, lowerName(vr.GetRelation().GetRelname()))
	}
	return out, nil
}

func defBool(de *pg_query.DefElem) bool {
	arg := de.GetArg()
	if arg == nil {
		return true
	}
	if b := arg.GetBoolean(); b != nil {
		return b.GetBoolval()
	}
	switch strings.ToLower(defString(de)) {
	case "false", "off", "0":
		return false
	}
	return true
}

func defString(de *pg_query.DefElem) string {
	arg := de.GetArg()
	if s := arg.GetString_(); s != nil {
		return s.GetSval()
	}
	if i := arg.GetInteger(); i != nil {
		return fmt.Sprint(i.GetIval())
	}
	return ""
}
