package tracekit

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"
)

// ExpressionKind distinguishes a condition from a watch expression; both
// go through the same whitelist but carry different StatusMessage
// RefersTo values and catalog strings on failure.
type ExpressionKind int

const (
	ConditionExpr ExpressionKind = iota
	WatchExpr
)

// CompileError is returned when a condition or watch expression fails to
// parse or contains a non-whitelisted construct.
type CompileError struct {
	Kind ExpressionKind
	Msg  string
}

func (e *CompileError) Error() string { return e.Msg }

// Status renders the CompileError as the StatusMessage a Breakpoint
// carries when set-time validation fails.
func (e *CompileError) Status() *StatusMessage {
	refersTo := ReferBreakpointCondition
	if e.Kind == WatchExpr {
		refersTo = ReferBreakpointExpression
	}
	return &StatusMessage{
		IsError:     true,
		RefersTo:    refersTo,
		Description: Description{Format: e.Msg},
	}
}

func catalogFormat(kind ExpressionKind) string {
	if kind == WatchExpr {
		return Messages.ExpressionCompileError
	}
	return Messages.ConditionCompileError
}

// CompiledExpr is a validated, side-effect-free expression ready for
// repeated read-only evaluation against a Scope. A nil Node means
// "always true" (the empty-condition case).
type CompiledExpr struct {
	Source string
	Node   ast.Expr
	Kind   ExpressionKind
}

// Compile parses expr as a single Go expression and proves, via a
// whitelist walk of the resulting AST, that it is free of assignment,
// declaration, control transfer, and function/closure definition. This
// mirrors how github.com/go-delve/delve validates and evaluates
// breakpoint conditions: parse with go/parser, walk with go/ast.
func Compile(kind ExpressionKind, expr string) (*CompiledExpr, *CompileError) {
	trimmed := strings.TrimSpace(expr)
	if kind == ConditionExpr && (trimmed == "" || trimmed == ";") {
		return &CompiledExpr{Source: expr, Node: nil, Kind: kind}, nil
	}

	node, err := parser.ParseExpr(trimmed)
	if err != nil {
		return nil, &CompileError{Kind: kind, Msg: catalogFormat(kind)}
	}

	if err := checkExpr(node); err != nil {
		return nil, &CompileError{Kind: kind, Msg: catalogFormat(kind)}
	}

	return &CompiledExpr{Source: expr, Node: node, Kind: kind}, nil
}

// checkExpr recursively proves e contains only whitelisted, read-only
// constructs. The switch below is the full per-node-kind whitelist.
func checkExpr(e ast.Expr) error {
	switch n := e.(type) {
	case nil:
		return nil
	case *ast.BasicLit:
		return nil
	case *ast.Ident:
		if n.Name == "debugger" {
			// debugger has no Go-grammar equivalent (Go has no such
			// keyword), so it parses as a plain identifier read. It is
			// rejected by name regardless of whether a local happens to
			// be called that, matching the categorical rejection the
			// condition/expression whitelist requires.
			return fmt.Errorf("debugger is not a valid expression")
		}
		return nil
	case *ast.ParenExpr:
		return checkExpr(n.X)
	case *ast.SelectorExpr:
		return checkExpr(n.X)
	case *ast.IndexExpr:
		if err := checkExpr(n.X); err != nil {
			return err
		}
		return checkExpr(n.Index)
	case *ast.SliceExpr:
		if err := checkExpr(n.X); err != nil {
			return err
		}
		for _, sub := range []ast.Expr{n.Low, n.High, n.Max} {
			if sub != nil {
				if err := checkExpr(sub); err != nil {
					return err
				}
			}
		}
		return nil
	case *ast.BinaryExpr:
		if err := checkExpr(n.X); err != nil {
			return err
		}
		return checkExpr(n.Y)
	case *ast.UnaryExpr:
		switch n.Op {
		case token.ADD, token.SUB, token.NOT, token.XOR:
			return checkExpr(n.X)
		default:
			// token.AND (address-of) and token.ARROW (channel receive)
			// are rejected: the first can hand out a mutable alias, the
			// second has an observable side effect.
			return fmt.Errorf("unsupported unary operator %s", n.Op)
		}
	case *ast.StarExpr:
		return checkExpr(n.X)
	case *ast.CompositeLit:
		if n.Type != nil {
			if err := checkType(n.Type); err != nil {
				return err
			}
		}
		for _, elt := range n.Elts {
			if err := checkExpr(elt); err != nil {
				return err
			}
		}
		return nil
	case *ast.KeyValueExpr:
		if err := checkExpr(n.Key); err != nil {
			return err
		}
		return checkExpr(n.Value)
	case *ast.Ellipsis:
		if n.Elt == nil {
			return nil
		}
		return checkExpr(n.Elt)
	case *ast.CallExpr:
		if id, ok := n.Fun.(*ast.Ident); ok && (id.Name == "new" || id.Name == "make") {
			return fmt.Errorf("%s is not a read-only call", id.Name)
		}
		if err := checkExpr(n.Fun); err != nil {
			return err
		}
		for _, a := range n.Args {
			if err := checkExpr(a); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported expression %T", e)
	}
}

// checkType validates the type expression attached to a composite
// literal (e.g. the []int in []int{1,2,3}); it is deliberately more
// permissive than checkExpr since types carry no evaluation semantics.
func checkType(t ast.Expr) error {
	switch n := t.(type) {
	case *ast.Ident:
		return nil
	case *ast.SelectorExpr:
		return nil
	case *ast.ArrayType:
		return checkType(n.Elt)
	case *ast.MapType:
		if err := checkType(n.Key); err != nil {
			return err
		}
		return checkType(n.Value)
	case *ast.StarExpr:
		return checkType(n.X)
	case *ast.StructType:
		return nil
	default:
		return fmt.Errorf("unsupported type expression %T", t)
	}
}

// Scope is the read-only view of program state an expression evaluates
// against: the arguments and locals visible at a single stack frame.
// Instrumented call sites build a Scope themselves, since this module
// does not attach to a foreign bytecode VM (see SPEC_FULL.md §4.6).
type Scope interface {
	Function() string
	Location() SourceLocation
	Arguments() map[string]any
	Locals() map[string]any
}

func (c *CompiledExpr) lookup(scope Scope, name string) (any, bool) {
	if name == "true" {
		return true, true
	}
	if name == "false" {
		return false, true
	}
	if name == "nil" {
		return nil, true
	}
	if v, ok := scope.Locals()[name]; ok {
		return v, true
	}
	if v, ok := scope.Arguments()[name]; ok {
		return v, true
	}
	return nil, false
}

// Eval evaluates the compiled expression against scope in read-only
// mode. A nil Node (the empty-condition case) always evaluates true.
func (c *CompiledExpr) Eval(scope Scope) (any, *StatusMessage) {
	if c.Node == nil {
		return true, nil
	}
	return evalNode(c.Node, scope, c)
}

func evalErr(refersTo RefersTo, format string) *StatusMessage {
	return &StatusMessage{IsError: true, RefersTo: refersTo, Description: staticDescription(format)}
}

func evalNode(e ast.Expr, scope Scope, c *CompiledExpr) (any, *StatusMessage) {
	switch n := e.(type) {
	case *ast.BasicLit:
		return literalValue(n)
	case *ast.Ident:
		v, ok := c.lookup(scope, n.Name)
		if !ok {
			return nil, evalErr(ReferVariableName, fmt.Sprintf("undefined: %s", n.Name))
		}
		return v, nil
	case *ast.ParenExpr:
		return evalNode(n.X, scope, c)
	case *ast.SelectorExpr:
		base, status := evalNode(n.X, scope, c)
		if status != nil {
			return nil, status
		}
		return evalSelector(base, n.Sel.Name)
	case *ast.IndexExpr:
		base, status := evalNode(n.X, scope, c)
		if status != nil {
			return nil, status
		}
		idx, status := evalNode(n.Index, scope, c)
		if status != nil {
			return nil, status
		}
		return evalIndex(base, idx)
	case *ast.UnaryExpr:
		v, status := evalNode(n.X, scope, c)
		if status != nil {
			return nil, status
		}
		return evalUnary(n.Op, v)
	case *ast.BinaryExpr:
		x, status := evalNode(n.X, scope, c)
		if status != nil {
			return nil, status
		}
		y, status := evalNode(n.Y, scope, c)
		if status != nil {
			return nil, status
		}
		return evalBinary(n.Op, x, y)
	case *ast.StarExpr:
		v, status := evalNode(n.X, scope, c)
		if status != nil {
			return nil, status
		}
		return evalDeref(v)
	case *ast.CompositeLit:
		return evalComposite(n, scope, c)
	case *ast.CallExpr:
		// Calls are syntactically accepted but never invoked: invoking
		// user code from a read-only evaluator is exactly the mutation
		// channel this evaluator exists to close.
		return nil, evalErr(ReferVariableValue, "calls are not evaluated")
	default:
		return nil, evalErr(ReferVariableValue, fmt.Sprintf("unsupported expression %T", e))
	}
}

func literalValue(lit *ast.BasicLit) (any, *StatusMessage) {
	switch lit.Kind {
	case token.INT:
		if v, err := strconv.ParseInt(lit.Value, 0, 64); err == nil {
			return v, nil
		}
	case token.FLOAT:
		if v, err := strconv.ParseFloat(lit.Value, 64); err == nil {
			return v, nil
		}
	case token.STRING, token.CHAR:
		if v, err := strconv.Unquote(lit.Value); err == nil {
			return v, nil
		}
	}
	return nil, evalErr(ReferVariableValue, "malformed literal")
}

func evalSelector(base any, name string) (any, *StatusMessage) {
	v := reflect.ValueOf(base)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, evalErr(ReferVariableValue, "nil pointer dereference")
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		f := v.FieldByName(name)
		if !f.IsValid() {
			return nil, evalErr(ReferVariableName, fmt.Sprintf("no field %s", name))
		}
		if !f.CanInterface() {
			return nil, evalErr(ReferVariableValue, Messages.ValueHazardous)
		}
		return f.Interface(), nil
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(name))
		if !mv.IsValid() {
			return nil, evalErr(ReferVariableName, fmt.Sprintf("no key %s", name))
		}
		return mv.Interface(), nil
	default:
		return nil, evalErr(ReferVariableValue, fmt.Sprintf("cannot select %s on %T", name, base))
	}
}

func evalIndex(base, idx any) (any, *StatusMessage) {
	v := reflect.ValueOf(base)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.String:
		i, ok := toInt(idx)
		if !ok {
			return nil, evalErr(ReferVariableValue, "index is not an integer")
		}
		if i < 0 || int(i) >= v.Len() {
			return nil, evalErr(ReferVariableValue, "index out of range")
		}
		return v.Index(int(i)).Interface(), nil
	case reflect.Map:
		mv := v.MapIndex(reflect.ValueOf(idx))
		if !mv.IsValid() {
			return nil, evalErr(ReferVariableName, "no such key")
		}
		return mv.Interface(), nil
	default:
		return nil, evalErr(ReferVariableValue, fmt.Sprintf("cannot index %T", base))
	}
}

func evalDeref(v any) (any, *StatusMessage) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr {
		return nil, evalErr(ReferVariableValue, "not a pointer")
	}
	if rv.IsNil() {
		return nil, evalErr(ReferVariableValue, "nil pointer dereference")
	}
	return rv.Elem().Interface(), nil
}

func evalUnary(op token.Token, v any) (any, *StatusMessage) {
	switch op {
	case token.NOT:
		b, ok := v.(bool)
		if !ok {
			return nil, evalErr(ReferVariableValue, "! requires a boolean")
		}
		return !b, nil
	case token.SUB:
		f, ok := toFloat(v)
		if !ok {
			return nil, evalErr(ReferVariableValue, "- requires a number")
		}
		return -f, nil
	case token.ADD:
		return v, nil
	case token.XOR:
		i, ok := toInt(v)
		if !ok {
			return nil, evalErr(ReferVariableValue, "^ requires an integer")
		}
		return ^i, nil
	default:
		return nil, evalErr(ReferVariableValue, "unsupported unary operator")
	}
}

func evalComposite(n *ast.CompositeLit, scope Scope, c *CompiledExpr) (any, *StatusMessage) {
	if len(n.Elts) > 0 {
		if _, ok := n.Elts[0].(*ast.KeyValueExpr); ok {
			m := make(map[string]any, len(n.Elts))
			for _, elt := range n.Elts {
				kv := elt.(*ast.KeyValueExpr)
				key, status := evalNode(kv.Key, scope, c)
				if status != nil {
					return nil, status
				}
				val, status := evalNode(kv.Value, scope, c)
				if status != nil {
					return nil, status
				}
				m[fmt.Sprintf("%v", key)] = val
			}
			return m, nil
		}
	}
	list := make([]any, 0, len(n.Elts))
	for _, elt := range n.Elts {
		v, status := evalNode(elt, scope, c)
		if status != nil {
			return nil, status
		}
		list = append(list, v)
	}
	return list, nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func evalBinary(op token.Token, x, y any) (any, *StatusMessage) {
	if op == token.LAND || op == token.LOR {
		bx, ok1 := x.(bool)
		by, ok2 := y.(bool)
		if !ok1 || !ok2 {
			return nil, evalErr(ReferVariableValue, "&& and || require booleans")
		}
		if op == token.LAND {
			return bx && by, nil
		}
		return bx || by, nil
	}

	if sx, ok := x.(string); ok {
		sy, ok2 := y.(string)
		if !ok2 {
			return nil, evalErr(ReferVariableValue, "mismatched operand types")
		}
		switch op {
		case token.ADD:
			return sx + sy, nil
		case token.EQL:
			return sx == sy, nil
		case token.NEQ:
			return sx != sy, nil
		case token.LSS:
			return sx < sy, nil
		case token.LEQ:
			return sx <= sy, nil
		case token.GTR:
			return sx > sy, nil
		case token.GEQ:
			return sx >= sy, nil
		default:
			return nil, evalErr(ReferVariableValue, "unsupported string operator")
		}
	}

	fx, ok1 := toFloat(x)
	fy, ok2 := toFloat(y)
	if !ok1 || !ok2 {
		return nil, evalErr(ReferVariableValue, "mismatched operand types")
	}
	switch op {
	case token.ADD:
		return fx + fy, nil
	case token.SUB:
		return fx - fy, nil
	case token.MUL:
		return fx * fy, nil
	case token.QUO:
		if fy == 0 {
			return nil, evalErr(ReferVariableValue, "division by zero")
		}
		return fx / fy, nil
	case token.REM:
		ix, _ := toInt(x)
		iy, _ := toInt(y)
		if iy == 0 {
			return nil, evalErr(ReferVariableValue, "division by zero")
		}
		return ix % iy, nil
	case token.EQL:
		return fx == fy, nil
	case token.NEQ:
		return fx != fy, nil
	case token.LSS:
		return fx < fy, nil
	case token.LEQ:
		return fx <= fy, nil
	case token.GTR:
		return fx > fy, nil
	case token.GEQ:
		return fx >= fy, nil
	case token.AND, token.OR, token.XOR, token.SHL, token.SHR:
		ix, _ := toInt(x)
		iy, _ := toInt(y)
		switch op {
		case token.AND:
			return ix & iy, nil
		case token.OR:
			return ix | iy, nil
		case token.XOR:
			return ix ^ iy, nil
		case token.SHL:
			return ix << uint(iy), nil
		case token.SHR:
			return ix >> uint(iy), nil
		}
	}
	return nil, evalErr(ReferVariableValue, "unsupported operator")
}
