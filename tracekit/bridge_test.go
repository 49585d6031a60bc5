package tracekit

import (
	"context"
	"testing"
	"time"
)

func mustCompile(t *testing.T, kind ExpressionKind, expr string) *CompiledExpr {
	t.Helper()
	c, cerr := Compile(kind, expr)
	if cerr != nil {
		t.Fatalf("Compile(%q): %v", expr, cerr)
	}
	return c
}

func TestBridgeRegisterUnregisterCountsListeners(t *testing.T) {
	br := newBridge(newRegistry(), DefaultCaptureConfig())
	if br.numListeners() != 0 {
		t.Fatalf("numListeners = %d, want 0", br.numListeners())
	}
	br.register()
	br.register()
	if br.numListeners() != 2 {
		t.Fatalf("numListeners = %d, want 2", br.numListeners())
	}
	br.unregister()
	if br.numListeners() != 1 {
		t.Fatalf("numListeners = %d, want 1", br.numListeners())
	}
	br.unregister()
	br.unregister() // must not go negative
	if br.numListeners() != 0 {
		t.Fatalf("numListeners = %d, want 0", br.numListeners())
	}
}

func TestBridgeHitCaptureIsOneShot(t *testing.T) {
	reg := newRegistry()
	br := newBridge(reg, DefaultCaptureConfig())
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	bp := &Breakpoint{ID: "a", Action: ActionCapture, Location: SourceLocation{Path: "order/service.go", Line: 10}}
	rb := &registeredBreakpoint{bp: bp, location: loc}
	reg.insert(bp.ID, rb)

	scope := &testScope{fn: "process", locals: map[string]any{"x": 1}}
	br.Hit(context.Background(), loc, 10, []Scope{scope})
	if bp.CaptureCount != 1 {
		t.Fatalf("CaptureCount = %d, want 1", bp.CaptureCount)
	}
	if !rb.fired {
		t.Fatal("expected fired to be true after a capture")
	}

	// A second Hit at the same location must not re-capture: one-shot.
	br.Hit(context.Background(), loc, 10, []Scope{scope})
	if bp.CaptureCount != 1 {
		t.Fatalf("CaptureCount = %d after second hit, want still 1 (one-shot)", bp.CaptureCount)
	}
}

func TestBridgeHitConditionGatesCapture(t *testing.T) {
	reg := newRegistry()
	br := newBridge(reg, DefaultCaptureConfig())
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	bp := &Breakpoint{ID: "a", Action: ActionCapture, Location: SourceLocation{Path: "order/service.go", Line: 10}, Condition: "amount > 50"}
	rb := &registeredBreakpoint{bp: bp, location: loc, condition: mustCompile(t, ConditionExpr, "amount > 50")}
	reg.insert(bp.ID, rb)

	br.Hit(context.Background(), loc, 10, []Scope{&testScope{locals: map[string]any{"amount": 10.0}}})
	if bp.CaptureCount != 0 {
		t.Fatalf("expected condition false to skip capture, CaptureCount = %d", bp.CaptureCount)
	}

	br.Hit(context.Background(), loc, 10, []Scope{&testScope{locals: map[string]any{"amount": 100.0}}})
	if bp.CaptureCount != 1 {
		t.Fatalf("expected condition true to capture, CaptureCount = %d", bp.CaptureCount)
	}
}

func TestBridgeHitConditionEvalErrorStillHits(t *testing.T) {
	reg := newRegistry()
	br := newBridge(reg, DefaultCaptureConfig())
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	bp := &Breakpoint{ID: "a", Action: ActionCapture, Location: SourceLocation{Path: "order/service.go", Line: 10}, Condition: "missing > 0"}
	rb := &registeredBreakpoint{bp: bp, location: loc, condition: mustCompile(t, ConditionExpr, "missing > 0")}
	reg.insert(bp.ID, rb)

	br.Hit(context.Background(), loc, 10, []Scope{&testScope{locals: map[string]any{}}})
	if bp.CaptureCount != 1 {
		t.Fatalf("expected a condition eval error to still count as a hit, CaptureCount = %d", bp.CaptureCount)
	}
	if bp.Status == nil || !bp.Status.IsError {
		t.Fatal("expected bp.Status to carry the eval error")
	}
}

func TestBridgeHitLogActionRearms(t *testing.T) {
	reg := newRegistry()
	br := newBridge(reg, DefaultCaptureConfig())
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	bp := &Breakpoint{ID: "a", Action: ActionLog, Location: SourceLocation{Path: "order/service.go", Line: 10}, MaxCaptures: 2}
	rb := &registeredBreakpoint{bp: bp, location: loc}
	reg.insert(bp.ID, rb)

	scope := &testScope{}
	br.Hit(context.Background(), loc, 10, []Scope{scope})
	br.Hit(context.Background(), loc, 10, []Scope{scope})
	if bp.CaptureCount != 2 {
		t.Fatalf("CaptureCount = %d, want 2", bp.CaptureCount)
	}

	// MaxCaptures reached: a third hit must not fire again.
	br.Hit(context.Background(), loc, 10, []Scope{scope})
	if bp.CaptureCount != 2 {
		t.Fatalf("CaptureCount = %d after exceeding MaxCaptures, want still 2", bp.CaptureCount)
	}
}

func TestBridgeOnCaptureCallbackInvoked(t *testing.T) {
	reg := newRegistry()
	br := newBridge(reg, DefaultCaptureConfig())
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	bp := &Breakpoint{ID: "a", Action: ActionCapture, Location: SourceLocation{Path: "order/service.go", Line: 10}}
	rb := &registeredBreakpoint{bp: bp, location: loc}
	reg.insert(bp.ID, rb)

	var calledWith float64
	called := false
	br.onCapture = func(durationMs float64) {
		called = true
		calledWith = durationMs
	}

	br.Hit(context.Background(), loc, 10, []Scope{&testScope{}})
	if !called {
		t.Fatal("expected onCapture to be invoked after a CAPTURE fire")
	}
	if calledWith < 0 {
		t.Errorf("expected a non-negative duration, got %v", calledWith)
	}
	if bp.DiagnosticStackTrace == "" {
		t.Error("expected DiagnosticStackTrace to be populated on capture")
	}
}

func TestBridgeHitWaiterFiresOnce(t *testing.T) {
	reg := newRegistry()
	br := newBridge(reg, DefaultCaptureConfig())
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	bp := &Breakpoint{ID: "a", Action: ActionCapture, Location: SourceLocation{Path: "order/service.go", Line: 10}}
	rb := &registeredBreakpoint{bp: bp, location: loc}
	reg.insert(bp.ID, rb)

	done := make(chan error, 1)
	rb.waiter = func(err error) { done <- err }
	rb.waiterSet = true

	br.Hit(context.Background(), loc, 10, []Scope{&testScope{}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected waiter error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected waiter callback to have been scheduled")
	}
	if rb.waiterSet {
		t.Error("expected waiterSet to be cleared after firing")
	}
}
