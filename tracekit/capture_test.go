package tracekit

import "testing"

type captureOrder struct {
	ID     int
	Amount float64
	Next   *captureOrder
}

func TestCaptureBasicFrame(t *testing.T) {
	scope := &testScope{
		fn:     "processOrder",
		loc:    SourceLocation{Path: "order.go", Line: 42},
		args:   map[string]any{"userID": "u1"},
		locals: map[string]any{"amount": 99.5},
	}
	frames, table, _ := Capture([]Scope{scope}, nil, DefaultCaptureConfig())
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Function != "processOrder" {
		t.Errorf("Function = %q", frames[0].Function)
	}
	if len(frames[0].Arguments) != 1 || frames[0].Arguments[0].Name != "userID" {
		t.Errorf("unexpected arguments: %+v", frames[0].Arguments)
	}
	if len(frames[0].Locals) != 1 || frames[0].Locals[0].Value != "99.5" {
		t.Errorf("unexpected locals: %+v", frames[0].Locals)
	}
	_ = table
}

func TestCaptureMaxFramesBound(t *testing.T) {
	scopes := make([]Scope, 5)
	for i := range scopes {
		scopes[i] = &testScope{fn: "f"}
	}
	cfg := DefaultCaptureConfig()
	cfg.MaxFrames = 2
	frames, _, _ := Capture(scopes, nil, cfg)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (bounded by MaxFrames)", len(frames))
	}
}

func TestCaptureFramesBeyondMaxExpandAreNotExpanded(t *testing.T) {
	scopes := []Scope{
		&testScope{fn: "f0", locals: map[string]any{"x": 1}},
		&testScope{fn: "f1", locals: map[string]any{"y": 2}},
	}
	cfg := DefaultCaptureConfig()
	cfg.MaxExpandFrames = 1
	frames, table, _ := Capture(scopes, nil, cfg)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if len(frames[0].Locals) != 1 || frames[0].Locals[0].Name != "x" {
		t.Errorf("expected frame 0 expanded, got %+v", frames[0].Locals)
	}
	if len(frames[1].Locals) != 1 || frames[1].Locals[0].Name != "" || frames[1].Locals[0].VarTableIndex == nil {
		t.Errorf("expected frame 1 unexpanded placeholder, got %+v", frames[1].Locals)
	}
	idx := *frames[1].Locals[0].VarTableIndex
	if table[idx].Status == nil || table[idx].Status.Description.Format != Messages.FrameNotExpanded {
		t.Errorf("expected FrameNotExpanded status, got %+v", table[idx])
	}
}

func TestCaptureStringTruncation(t *testing.T) {
	cfg := DefaultCaptureConfig()
	cfg.MaxStringLength = 5
	scope := &testScope{locals: map[string]any{"s": "abcdefghij"}}
	frames, _, _ := Capture([]Scope{scope}, nil, cfg)
	v := frames[0].Locals[0]
	if v.Value != "abcde..." {
		t.Errorf("Value = %q, want truncated with ellipsis", v.Value)
	}
}

func TestCaptureMaxPropertiesTruncatesStruct(t *testing.T) {
	type wide struct{ A, B, C, D int }
	cfg := DefaultCaptureConfig()
	cfg.MaxProperties = 2
	scope := &testScope{locals: map[string]any{"w": wide{1, 2, 3, 4}}}
	_, table, _ := Capture([]Scope{scope}, nil, cfg)
	var entry *Variable
	for i := range table {
		if table[i].Type == "wide" {
			entry = &table[i]
		}
	}
	if entry == nil {
		t.Fatalf("expected interned struct entry in table: %+v", table)
	}
	if len(entry.Members) != 2 {
		t.Errorf("got %d members, want 2", len(entry.Members))
	}
	if entry.Status == nil || entry.Status.Description.Format != Messages.OnlyFirstNProperties {
		t.Errorf("expected OnlyFirstNProperties status, got %+v", entry.Status)
	}
}

func TestCaptureCyclicPointerIsInternedNotInfinite(t *testing.T) {
	a := &captureOrder{ID: 1}
	a.Next = a // self-cycle through a pointer field

	scope := &testScope{locals: map[string]any{"a": a}}
	frames, table, _ := Capture([]Scope{scope}, nil, DefaultCaptureConfig())

	if len(frames[0].Locals) != 1 {
		t.Fatalf("unexpected locals: %+v", frames[0].Locals)
	}
	// A pointer-to-struct is interned under the pointer's own identity,
	// so re-entering a through a.Next reuses the same table entry.
	if len(table) == 0 {
		t.Fatal("expected at least one interned table entry")
	}
}

func TestCaptureHazardousValueIsNotInvoked(t *testing.T) {
	scope := &testScope{locals: map[string]any{"h": hazardousStub{}}}
	frames, _, _ := Capture([]Scope{scope}, nil, DefaultCaptureConfig())
	v := frames[0].Locals[0]
	if v.Status == nil || !v.Status.IsError || v.Status.Description.Format != Messages.ValueHazardous {
		t.Errorf("expected a hazardous-value status, got %+v", v)
	}
}

type hazardousStub struct{}

func (hazardousStub) Hazardous() bool { return true }

func TestCaptureWatchExpressionEvaluated(t *testing.T) {
	watch := mustCompile(t, WatchExpr, "order.Amount")
	scope := &testScope{locals: map[string]any{"order": captureOrder{ID: 1, Amount: 42.5}}}
	_, _, evaluated := Capture([]Scope{scope}, []*CompiledExpr{watch}, DefaultCaptureConfig())
	if len(evaluated) != 1 || evaluated[0].Value != "42.5" {
		t.Fatalf("unexpected evaluated expressions: %+v", evaluated)
	}
}

func TestCaptureWatchExpressionErrorDoesNotAbortCapture(t *testing.T) {
	watch := mustCompile(t, WatchExpr, "missing.Field")
	scope := &testScope{locals: map[string]any{"x": 1}}
	frames, _, evaluated := Capture([]Scope{scope}, []*CompiledExpr{watch}, DefaultCaptureConfig())
	if len(frames) != 1 {
		t.Fatalf("expected frame capture to still succeed, got %d frames", len(frames))
	}
	if len(evaluated) != 1 || evaluated[0].Status == nil {
		t.Fatalf("expected a failed-evaluation Variable, got %+v", evaluated)
	}
}
