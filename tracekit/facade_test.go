package tracekit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestAgent(t *testing.T) (*Agent, string) {
	t.Helper()
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "order", "service.go"), "package order\n\nfunc Process() {\n\t// line 4\n}\n")

	s := NewScanner()
	inv, err := s.Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return NewAgent(nil, DefaultCaptureConfig(), inv), dir
}

func TestAgentSetClearLifecycle(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "order/service.go", Line: 4}}

	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("Set: %v", err)
	}
	if a.NumBreakpoints() != 1 {
		t.Fatalf("NumBreakpoints = %d, want 1", a.NumBreakpoints())
	}
	if a.NumListeners() != 1 {
		t.Fatalf("NumListeners = %d, want 1", a.NumListeners())
	}

	a.Clear(bp)
	if a.NumBreakpoints() != 0 {
		t.Fatalf("NumBreakpoints = %d, want 0 after Clear", a.NumBreakpoints())
	}
	if a.NumListeners() != 0 {
		t.Fatalf("NumListeners = %d, want 0 after Clear", a.NumListeners())
	}
}

func TestAgentSetDuplicateIDRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	bp1 := &Breakpoint{ID: "dup", Location: SourceLocation{Path: "order/service.go", Line: 4}}
	bp2 := &Breakpoint{ID: "dup", Location: SourceLocation{Path: "order/service.go", Line: 4}}

	done1 := make(chan error, 1)
	a.Set(bp1, func(err error) { done1 <- err })
	if err := <-done1; err != nil {
		t.Fatalf("first Set: %v", err)
	}

	done2 := make(chan error, 1)
	a.Set(bp2, func(err error) { done2 <- err })
	if err := <-done2; err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
	if a.NumBreakpoints() != 1 {
		t.Fatalf("NumBreakpoints = %d, want 1 (rejected duplicate must not register)", a.NumBreakpoints())
	}
}

func TestAgentSetUnresolvableLocationRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "missing/file.go", Line: 1}}

	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected unresolvable path to be rejected")
	}
	if bp.Status == nil || !bp.Status.IsError {
		t.Fatal("expected bp.Status to carry the resolve failure")
	}
	if a.NumBreakpoints() != 0 {
		t.Fatalf("NumBreakpoints = %d, want 0", a.NumBreakpoints())
	}
}

func TestAgentSetInvalidLineNumberRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "order/service.go", Line: 9999}}

	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected out-of-range line to be rejected")
	}
	if bp.Status == nil || bp.Status.RefersTo != ReferBreakpointSourceLocation {
		t.Fatalf("expected a source-location status, got %+v", bp.Status)
	}
}

func TestAgentSetInvalidConditionRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "order/service.go", Line: 4}, Condition: "func(){}()"}

	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected non-whitelisted condition to be rejected")
	}
	if bp.Status == nil || bp.Status.RefersTo != ReferBreakpointCondition {
		t.Fatalf("expected a condition status, got %+v", bp.Status)
	}
}

func TestAgentSetInvalidExpressionRejected(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "order/service.go", Line: 4}, Expressions: []string{"new(int)"}}

	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	if err := <-done; err == nil {
		t.Fatal("expected non-whitelisted watch expression to be rejected")
	}
	if bp.Status == nil || bp.Status.RefersTo != ReferBreakpointExpression {
		t.Fatalf("expected an expression status, got %+v", bp.Status)
	}
}

func TestAgentWaitRequiresRegisteredBreakpoint(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "never-set"}
	if err := a.Wait(bp, func(error) {}); err == nil {
		t.Fatal("expected Wait on an unregistered breakpoint to fail")
	}
}

func TestAgentWaitRejectsSecondConcurrentWaiter(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "order/service.go", Line: 4}}

	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	<-done

	if err := a.Wait(bp, func(error) {}); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := a.Wait(bp, func(error) {}); err == nil {
		t.Fatal("expected a second concurrent Wait to be rejected")
	}
}

func TestAgentHitFiresWaiter(t *testing.T) {
	a, _ := newTestAgent(t)
	bp := &Breakpoint{ID: "bp-1", Action: ActionCapture, Location: SourceLocation{Path: "order/service.go", Line: 4}}

	setDone := make(chan error, 1)
	a.Set(bp, func(err error) { setDone <- err })
	if err := <-setDone; err != nil {
		t.Fatalf("Set: %v", err)
	}

	waitDone := make(chan error, 1)
	if err := a.Wait(bp, func(err error) { waitDone <- err }); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	entry, rerr := a.Resolver().Resolve("order/service.go")
	if rerr != nil {
		t.Fatalf("Resolve: %v", rerr)
	}

	reqCtx := &RequestContext{Method: "GET", Path: "/orders/1"}
	ctx := context.WithValue(context.Background(), requestContextKey{}, reqCtx)
	a.Hit(ctx, entry, 4, []Scope{&testScope{fn: "Process"}})

	select {
	case err := <-waitDone:
		if err != nil {
			t.Fatalf("unexpected waiter error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Hit to fire the waiter")
	}
	if bp.CaptureCount != 1 {
		t.Fatalf("CaptureCount = %d, want 1", bp.CaptureCount)
	}
	if len(bp.StackFrames) != 1 {
		t.Fatalf("expected one captured StackFrame, got %d", len(bp.StackFrames))
	}
	if got := extractRequestContext(bp.hitContext()); got != reqCtx {
		t.Errorf("expected Hit's context to be carried onto the breakpoint, got %+v", got)
	}
}

func TestAgentWireMetricsIncrementsGaugeOnSet(t *testing.T) {
	a, _ := newTestAgent(t)
	sdk := &SDK{config: &Config{ServiceName: "svc"}, metricsRegistry: newMetricsRegistry("", "", "svc")}
	a.WireMetrics(sdk)

	bp := &Breakpoint{ID: "bp-1", Location: SourceLocation{Path: "order/service.go", Line: 4}}
	done := make(chan error, 1)
	a.Set(bp, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("Set: %v", err)
	}
	if a.breakpointsActive == nil {
		t.Fatal("expected breakpointsActive gauge to be wired")
	}
}
