package expr

import (
	"regexp"
	"sort"
	"sync"

	"github.com/guileen/querycore/codec"
	qerrors "github.com/guileen/querycore/errors"
	"github.com/guileen/querycore/protocol/sql/ast"
	"github.com/guileen/querycore/types"
)

// EvalContext carries the bound parameters of one execution and memoizes
// per-execution artifacts such as LIKE patterns built from parameters. It is
// safe to share between the workers of a parallel operator.
type EvalContext struct {
	Params []types.Value
	memo   sync.Map
}

// NewEvalContext creates a context for one execution.
func NewEvalContext(params []types.Value) *EvalContext {
	return &EvalContext{Params: params}
}

func (c *EvalContext) param(i int) (types.Value, error) {
	if c == nil || i < 1 || i > len(c.Params) {
		return types.Null(), qerrors.NewExecutionErrorf(op, "no value supplied for parameter $%d", i)
	}
	return c.Params[i-1], nil
}

// Compiled is an expression bound to a schema.
type Compiled struct {
	root    node
	columns []int
	typ     types.ColumnType
}

// Eval evaluates the expression against row.
func (c *Compiled) Eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	return c.root.eval(row, ctx)
}

// Matches evaluates a predicate; NULL does not match.
func (c *Compiled) Matches(row types.Row, ctx *EvalContext) (bool, error) {
	v, err := c.root.eval(row, ctx)
	if err != nil {
		return false, err
	}
	if v.IsNull() {
		return false, nil
	}
	b, ok := v.Bool()
	if !ok {
		return false, qerrors.NewTypeError(op, "predicate returned %s, not boolean", v.Type)
	}
	return b, nil
}

// Columns lists the row positions the expression reads, ascending.
func (c *Compiled) Columns() []int { return c.columns }

// Type is the statically inferred result type, or unknown.
func (c *Compiled) Type() types.ColumnType { return c.typ }

// Compile resolves every column reference of e against schema.
func Compile(e ast.Expr, schema Schema) (*Compiled, error) {
	cc := &compiler{schema: schema, seen: make(map[int]bool)}
	root, err := cc.compile(e)
	if err != nil {
		return nil, err
	}
	cols := make([]int, 0, len(cc.seen))
	for i := range cc.seen {
		cols = append(cols, i)
	}
	sort.Ints(cols)
	return &Compiled{root: root, columns: cols, typ: cc.typeOf(e)}, nil
}

// CompileAll compiles a list of expressions against one schema.
func CompileAll(exprs []ast.Expr, schema Schema) ([]*Compiled, error) {
	out := make([]*Compiled, len(exprs))
	for i, e := range exprs {
		c, err := Compile(e, schema)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// TypeOf infers the result type of e over schema without compiling it.
func TypeOf(e ast.Expr, schema Schema) types.ColumnType {
	cc := &compiler{schema: schema}
	return cc.typeOf(e)
}

type compiler struct {
	schema Schema
	seen   map[int]bool
}

func (cc *compiler) compileAll(exprs []ast.Expr) ([]node, error) {
	out := make([]node, len(exprs))
	for i, e := range exprs {
		n, err := cc.compile(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (cc *compiler) compile(e ast.Expr) (node, error) {
	switch x := e.(type) {
	case *ast.ColumnRef:
		idx, err := cc.schema.Resolve(x.Table, x.Name)
		if err != nil {
			return nil, err
		}
		if cc.seen != nil {
			cc.seen[idx] = true
		}
		return columnNode(idx), nil
	case *ast.Literal:
		return constNode{v: x.Value}, nil
	case *ast.Param:
		return paramNode(x.Index), nil
	case *ast.UnaryExpr:
		inner, err := cc.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "NOT":
			return notNode{inner}, nil
		case "-":
			return negNode{inner}, nil
		case "+":
			return inner, nil
		}
		return nil, qerrors.NewUnsupportedError("compile", "unary operator %s is not supported", x.Op)
	case *ast.BinaryExpr:
		l, err := cc.compile(x.Left)
		if err != nil {
			return nil, err
		}
		r, err := cc.compile(x.Right)
		if err != nil {
			return nil, err
		}
		switch {
		case x.Op == "AND":
			return andNode{l, r}, nil
		case x.Op == "OR":
			return orNode{l, r}, nil
		case isComparison(x.Op):
			return &cmpNode{op: x.Op, l: l, r: r}, nil
		case isArithmetic(x.Op):
			return &arithNode{op: x.Op, l: l, r: r}, nil
		case x.Op == "||":
			return concatNode{l, r}, nil
		}
		return nil, qerrors.NewUnsupportedError("compile", "operator %s is not supported", x.Op)
	case *ast.BetweenExpr:
		nodes, err := cc.compileAll([]ast.Expr{x.Expr, x.Low, x.High})
		if err != nil {
			return nil, err
		}
		return &betweenNode{e: nodes[0], lo: nodes[1], hi: nodes[2], not: x.Not}, nil
	case *ast.InExpr:
		return cc.compileIn(x)
	case *ast.LikeExpr:
		return cc.compileLike(x)
	case *ast.IsNullExpr:
		inner, err := cc.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		return isNullNode{e: inner, not: x.Not}, nil
	case *ast.CastExpr:
		inner, err := cc.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		return castNode{e: inner, typ: x.Type}, nil
	case *ast.CaseExpr:
		return cc.compileCase(x)
	case *ast.FuncCall:
		return cc.compileFunc(x)
	case nil:
		return nil, qerrors.NewPlanningError("compile", "missing expression")
	}
	return nil, qerrors.NewUnsupportedError("compile", "expression %T is not supported", e)
}

func (cc *compiler) compileIn(x *ast.InExpr) (node, error) {
	probe, err := cc.compile(x.Expr)
	if err != nil {
		return nil, err
	}
	items, err := cc.compileAll(x.List)
	if err != nil {
		return nil, err
	}
	n := &inNode{e: probe, items: items, not: x.Not, hashable: true}
	constant := true
	for _, it := range items {
		switch it.(type) {
		case constNode:
		case paramNode:
			constant = false
		default:
			constant, n.hashable = false, false
		}
	}
	if constant {
		vals := make([]types.Value, len(items))
		for i, it := range items {
			vals[i] = it.(constNode).v
		}
		n.set = newValueSet(vals)
	}
	return n, nil
}

func (cc *compiler) compileLike(x *ast.LikeExpr) (node, error) {
	subject, err := cc.compile(x.Expr)
	if err != nil {
		return nil, err
	}
	pattern, err := cc.compile(x.Pattern)
	if err != nil {
		return nil, err
	}
	n := &likeNode{e: subject, pattern: pattern, not: x.Not, ci: x.CaseInsensitive}
	switch p := pattern.(type) {
	case constNode:
		if !p.v.IsNull() {
			re, err := compileLike(textOf(p.v), x.CaseInsensitive)
			if err != nil {
				return nil, err
			}
			n.re = re
		}
	case paramNode:
		n.memoize = true
	}
	return n, nil
}

func (cc *compiler) compileCase(x *ast.CaseExpr) (node, error) {
	n := &caseNode{}
	var err error
	if x.Operand != nil {
		if n.operand, err = cc.compile(x.Operand); err != nil {
			return nil, err
		}
	}
	for _, w := range x.Whens {
		cond, err := cc.compile(w.Cond)
		if err != nil {
			return nil, err
		}
		res, err := cc.compile(w.Result)
		if err != nil {
			return nil, err
		}
		n.whens = append(n.whens, caseWhen{cond: cond, result: res})
	}
	if x.Else != nil {
		if n.els, err = cc.compile(x.Else); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (cc *compiler) compileFunc(x *ast.FuncCall) (node, error) {
	name := upperName(x.Name)
	if ast.IsAggregate(name) {
		return nil, qerrors.NewPlanningErrorf("compile", "aggregate function %s is not allowed here", name)
	}
	if x.Star || x.Distinct {
		return nil, qerrors.NewPlanningErrorf("compile", "%s does not accept * or DISTINCT", name)
	}
	args, err := cc.compileAll(x.Args)
	if err != nil {
		return nil, err
	}
	if name == "COALESCE" {
		if len(args) == 0 {
			return nil, qerrors.NewPlanningError("compile", "COALESCE requires arguments")
		}
		return coalesceNode(args), nil
	}
	fn, err := lookupFunction(name, len(args))
	if err != nil {
		return nil, err
	}
	return &funcNode{fn: fn, args: args}, nil
}

func (cc *compiler) typeOf(e ast.Expr) types.ColumnType {
	switch x := e.(type) {
	case *ast.ColumnRef:
		if idx, err := cc.schema.Resolve(x.Table, x.Name); err == nil {
			return cc.schema[idx].Type
		}
	case *ast.Literal:
		return x.Value.Type
	case *ast.CastExpr:
		return x.Type
	case *ast.UnaryExpr:
		if x.Op == "NOT" {
			return types.ColumnTypeBoolean
		}
		return cc.typeOf(x.Expr)
	case *ast.BinaryExpr:
		switch {
		case x.Op == "AND" || x.Op == "OR" || isComparison(x.Op):
			return types.ColumnTypeBoolean
		case x.Op == "||":
			return types.ColumnTypeText
		case isArithmetic(x.Op):
			l, r := cc.typeOf(x.Left), cc.typeOf(x.Right)
			if l == types.ColumnTypeBigInt && r == types.ColumnTypeBigInt {
				return types.ColumnTypeBigInt
			}
			if l.IsNumeric() && r.IsNumeric() {
				return types.ColumnTypeDouble
			}
		}
	case *ast.BetweenExpr, *ast.InExpr, *ast.LikeExpr, *ast.IsNullExpr:
		return types.ColumnTypeBoolean
	case *ast.CaseExpr:
		for _, w := range x.Whens {
			if t := cc.typeOf(w.Result); t != types.ColumnTypeUnknown {
				return t
			}
		}
		if x.Else != nil {
			return cc.typeOf(x.Else)
		}
	case *ast.FuncCall:
		name := upperName(x.Name)
		switch name {
		case "COUNT":
			return types.ColumnTypeBigInt
		case "AVG":
			return types.ColumnTypeDouble
		case "SUM", "MIN", "MAX", "COALESCE", "NULLIF", "ABS", "CEIL", "CEILING", "FLOOR", "ROUND", "MOD":
			if len(x.Args) > 0 {
				t := cc.typeOf(x.Args[0])
				if name == "ROUND" && len(x.Args) == 2 && t == types.ColumnTypeBigInt {
					return types.ColumnTypeDouble
				}
				return t
			}
		}
		if f, ok := functions[name]; ok {
			return f.ret
		}
	}
	return types.ColumnTypeUnknown
}

// ---- nodes ----

type node interface {
	eval(row types.Row, ctx *EvalContext) (types.Value, error)
}

type columnNode int

func (n columnNode) eval(row types.Row, _ *EvalContext) (types.Value, error) {
	if int(n) >= len(row) {
		return types.Null(), qerrors.NewExecutionErrorf(op, "row has no column %d", int(n))
	}
	return row[n], nil
}

type constNode struct{ v types.Value }

func (n constNode) eval(types.Row, *EvalContext) (types.Value, error) { return n.v, nil }

type paramNode int

func (n paramNode) eval(_ types.Row, ctx *EvalContext) (types.Value, error) {
	return ctx.param(int(n))
}

type andNode struct{ l, r node }

func (n andNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	lv, err := n.l.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	if b, null, err := truth(lv); err != nil {
		return types.Null(), err
	} else if !null && !b {
		return falseValue, nil
	}
	rv, err := n.r.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return and3(lv, rv)
}

type orNode struct{ l, r node }

func (n orNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	lv, err := n.l.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	if b, null, err := truth(lv); err != nil {
		return types.Null(), err
	} else if !null && b {
		return trueValue, nil
	}
	rv, err := n.r.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return or3(lv, rv)
}

type notNode struct{ e node }

func (n notNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return not3(v)
}

type negNode struct{ e node }

func (n negNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return negate(v)
}

type cmpNode struct {
	op   string
	l, r node
}

func (n *cmpNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	lv, err := n.l.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	rv, err := n.r.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return compare(n.op, lv, rv)
}

type arithNode struct {
	op   string
	l, r node
}

func (n *arithNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	lv, err := n.l.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	rv, err := n.r.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return arith(n.op, lv, rv)
}

type concatNode struct{ l, r node }

func (n concatNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	lv, err := n.l.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	rv, err := n.r.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return concat(lv, rv), nil
}

type betweenNode struct {
	e, lo, hi node
	not       bool
}

func (n *betweenNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	lo, err := n.lo.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	hi, err := n.hi.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return between(v, lo, hi, n.not)
}

type isNullNode struct {
	e   node
	not bool
}

func (n isNullNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return isNullTest(v, n.not), nil
}

type castNode struct {
	e   node
	typ types.ColumnType
}

func (n castNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	return castValue(v, n.typ)
}

type caseWhen struct{ cond, result node }

type caseNode struct {
	operand node
	whens   []caseWhen
	els     node
}

func (n *caseNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	var subject types.Value
	if n.operand != nil {
		v, err := n.operand.eval(row, ctx)
		if err != nil {
			return types.Null(), err
		}
		subject = v
	}
	for _, w := range n.whens {
		c, err := w.cond.eval(row, ctx)
		if err != nil {
			return types.Null(), err
		}
		if n.operand != nil {
			if c, err = compare("=", subject, c); err != nil {
				return types.Null(), err
			}
		}
		if IsTrue(c) {
			return w.result.eval(row, ctx)
		}
	}
	if n.els != nil {
		return n.els.eval(row, ctx)
	}
	return types.Null(), nil
}

type coalesceNode []node

func (n coalesceNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	for _, a := range n {
		v, err := a.eval(row, ctx)
		if err != nil || !v.IsNull() {
			return v, err
		}
	}
	return types.Null(), nil
}

type funcNode struct {
	fn   function
	args []node
}

func (n *funcNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	args := make([]types.Value, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(row, ctx)
		if err != nil {
			return types.Null(), err
		}
		args[i] = v
	}
	return callFunction(n.fn, args)
}

// ---- IN ----

type valueSet struct {
	keys    map[string]struct{}
	values  []types.Value
	family  int
	mixed   bool
	hasNull bool
}

func family(v types.Value) int {
	switch v.Data.(type) {
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	}
	return 0
}

func newValueSet(vals []types.Value) *valueSet {
	s := &valueSet{keys: make(map[string]struct{}, len(vals)), values: vals}
	for _, v := range vals {
		if v.IsNull() {
			s.hasNull = true
			continue
		}
		f := family(v)
		if s.family == 0 {
			s.family = f
		} else if s.family != f {
			s.mixed = true
		}
		s.keys[codec.KeyString(v)] = struct{}{}
	}
	return s
}

func (s *valueSet) contains(v types.Value, not bool) (types.Value, error) {
	if v.IsNull() {
		return types.Null(), nil
	}
	if s.mixed || (s.family != 0 && family(v) != s.family) {
		return inList(v, s.values, not)
	}
	if _, ok := s.keys[codec.KeyString(v)]; ok {
		return boolValue(!not), nil
	}
	if s.hasNull {
		return types.Null(), nil
	}
	return boolValue(not), nil
}

type inNode struct {
	e     node
	items []node
	not   bool
	// set is built at compile time for literal lists; hashable lists that
	// include parameters build theirs once per EvalContext.
	set      *valueSet
	hashable bool
}

func (n *inNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	if n.set != nil {
		return n.set.contains(v, n.not)
	}
	if n.hashable && ctx != nil {
		if s, ok := ctx.memo.Load(n); ok {
			return s.(*valueSet).contains(v, n.not)
		}
	}
	vals := make([]types.Value, len(n.items))
	for i, it := range n.items {
		if vals[i], err = it.eval(row, ctx); err != nil {
			return types.Null(), err
		}
	}
	if n.hashable && ctx != nil {
		s := newValueSet(vals)
		ctx.memo.Store(n, s)
		return s.contains(v, n.not)
	}
	return inList(v, vals, n.not)
}

// ---- LIKE ----

type likeNode struct {
	e, pattern node
	not, ci    bool
	re         *regexp.Regexp
	memoize    bool
}

func (n *likeNode) eval(row types.Row, ctx *EvalContext) (types.Value, error) {
	v, err := n.e.eval(row, ctx)
	if err != nil {
		return types.Null(), err
	}
	if n.re != nil {
		return likeMatch(v, n.re, n.not), nil
	}
	if n.memoize && ctx != nil {
		if re, ok := ctx.memo.Load(n); ok {
			return likeMatch(v, re.(*regexp.Regexp), n.not), nil
		}
	}
	p, err := n.pattern.eval(row, ctx)
	if err != nil || p.IsNull() || v.IsNull() {
		return types.Null(), err
	}
	re, err := compileLike(textOf(p), n.ci)
	if err != nil {
		return types.Null(), err
	}
	if n.memoize && ctx != nil {
		ctx.memo.Store(n, re)
	}
	return likeMatch(v, re, n.not), nil
}
