package tracekit

import "testing"

type testScope struct {
	fn     string
	loc    SourceLocation
	args   map[string]any
	locals map[string]any
}

func (s *testScope) Function() string         { return s.fn }
func (s *testScope) Location() SourceLocation { return s.loc }
func (s *testScope) Arguments() map[string]any { return s.args }
func (s *testScope) Locals() map[string]any    { return s.locals }

func TestCompileAcceptsWhitelistedExpressions(t *testing.T) {
	exprs := []string{
		"1 + 2",
		`"hello" + name`,
		"order.Amount > 50",
		"order.UserID",
		"items[0]",
		"items[0:2]",
		"-amount",
		"!active",
		"[]int{1, 2, 3}",
		"map[string]int{\"a\": 1}",
		"*ptr",
		"a && b || c",
	}
	for _, e := range exprs {
		if _, cerr := Compile(WatchExpr, e); cerr != nil {
			t.Errorf("Compile(%q) unexpectedly failed: %v", e, cerr)
		}
	}
}

func TestCompileEmptyConditionAlwaysTrue(t *testing.T) {
	c, cerr := Compile(ConditionExpr, "")
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if c.Node != nil {
		t.Error("expected nil Node for empty condition")
	}
	v, status := c.Eval(&testScope{})
	if status != nil {
		t.Fatalf("unexpected eval error: %v", status)
	}
	if v != true {
		t.Errorf("expected true, got %v", v)
	}
}

func TestCompileEmptyWatchExpressionFails(t *testing.T) {
	// Unlike ConditionExpr, an empty WatchExpr has no "always true" meaning
	// and fails to parse.
	if _, cerr := Compile(WatchExpr, ""); cerr == nil {
		t.Error("expected empty watch expression to fail")
	}
}

func TestCompileRejectsFuncLit(t *testing.T) {
	_, cerr := Compile(WatchExpr, "func() { return 1 }()")
	if cerr == nil {
		t.Fatal("expected func literal to be rejected")
	}
	if cerr.Kind != WatchExpr {
		t.Errorf("expected WatchExpr kind, got %v", cerr.Kind)
	}
}

func TestCompileRejectsDebuggerIdentifier(t *testing.T) {
	if _, cerr := Compile(ConditionExpr, "debugger"); cerr == nil {
		t.Error("expected debugger to be categorically rejected")
	}
	// Go has no comma operator, so the whitelist's "comma-sequenced
	// expressions" entry has no direct equivalent; a composite literal
	// with several accepted elements exercises the same property (every
	// component must itself be whitelisted) in Go-native grammar.
	if _, cerr := Compile(WatchExpr, `[]any{1, 2, 3, map[string]int{"f": 2}, 4}`); cerr != nil {
		t.Errorf("expected composite-literal sequence to compile, got %v", cerr)
	}
}

func TestCompileRejectsAddressOf(t *testing.T) {
	if _, cerr := Compile(ConditionExpr, "&order"); cerr == nil {
		t.Error("expected address-of to be rejected")
	}
}

func TestCompileRejectsChannelReceive(t *testing.T) {
	if _, cerr := Compile(ConditionExpr, "<-ch"); cerr == nil {
		t.Error("expected channel receive to be rejected")
	}
}

func TestCompileRejectsNewAndMake(t *testing.T) {
	if _, cerr := Compile(ConditionExpr, "new(int)"); cerr == nil {
		t.Error("expected new() to be rejected")
	}
	if _, cerr := Compile(ConditionExpr, "make([]int, 0)"); cerr == nil {
		t.Error("expected make() to be rejected")
	}
}

func TestCompileAcceptsOtherCalls(t *testing.T) {
	// CallExpr is syntactically accepted (it is not new/make); it is Eval
	// that refuses to actually invoke it.
	c, cerr := Compile(WatchExpr, "len(items)")
	if cerr != nil {
		t.Fatalf("expected len(items) to compile, got %v", cerr)
	}
	_, status := c.Eval(&testScope{locals: map[string]any{"items": []any{1, 2}}})
	if status == nil {
		t.Fatal("expected Eval to refuse invoking a call")
	}
}

func TestCompileRejectsInvalidSyntax(t *testing.T) {
	if _, cerr := Compile(ConditionExpr, "order."); cerr == nil {
		t.Error("expected malformed expression to fail to parse")
	}
}

func TestCompileSemicolonConditionIsAlwaysTrue(t *testing.T) {
	c, cerr := Compile(ConditionExpr, ";")
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if c.Node != nil {
		t.Error("expected nil Node for ';' condition")
	}
}

func TestEvalSelectorOnStruct(t *testing.T) {
	type Order struct {
		Amount float64
		UserID string
	}
	c, cerr := Compile(ConditionExpr, "order.Amount > 50")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	scope := &testScope{locals: map[string]any{"order": Order{Amount: 99.99, UserID: "user123"}}}
	v, status := c.Eval(scope)
	if status != nil {
		t.Fatalf("Eval: %v", status)
	}
	if v != true {
		t.Errorf("expected true, got %v", v)
	}
}

func TestEvalSelectorOnMap(t *testing.T) {
	c, cerr := Compile(WatchExpr, "headers.auth")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	scope := &testScope{locals: map[string]any{"headers": map[string]any{"auth": "token"}}}
	v, status := c.Eval(scope)
	if status != nil {
		t.Fatalf("Eval: %v", status)
	}
	if v != "token" {
		t.Errorf("got %v, want token", v)
	}
}

func TestEvalUndefinedIdentifier(t *testing.T) {
	c, cerr := Compile(ConditionExpr, "missing > 0")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	_, status := c.Eval(&testScope{})
	if status == nil || !status.IsError || status.RefersTo != ReferVariableName {
		t.Fatalf("expected undefined-identifier error, got %v", status)
	}
}

func TestEvalIndexOutOfRange(t *testing.T) {
	c, cerr := Compile(WatchExpr, "items[5]")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	scope := &testScope{locals: map[string]any{"items": []any{1, 2}}}
	_, status := c.Eval(scope)
	if status == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	c, cerr := Compile(ConditionExpr, "1 / 0")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	_, status := c.Eval(&testScope{})
	if status == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestEvalArgumentsFallback(t *testing.T) {
	c, cerr := Compile(ConditionExpr, "userID")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	scope := &testScope{args: map[string]any{"userID": "abc"}}
	v, status := c.Eval(scope)
	if status != nil {
		t.Fatalf("Eval: %v", status)
	}
	if v != "abc" {
		t.Errorf("got %v, want abc", v)
	}
}

func TestEvalBooleanLiterals(t *testing.T) {
	c, cerr := Compile(ConditionExpr, "true && !false")
	if cerr != nil {
		t.Fatalf("Compile: %v", cerr)
	}
	v, status := c.Eval(&testScope{})
	if status != nil {
		t.Fatalf("Eval: %v", status)
	}
	if v != true {
		t.Errorf("got %v, want true", v)
	}
}
