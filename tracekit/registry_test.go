package tracekit

import "testing"

func TestRegistryInsertGetRemove(t *testing.T) {
	r := newRegistry()
	rb := &registeredBreakpoint{bp: &Breakpoint{ID: "bp-1"}}

	if _, ok := r.get("bp-1"); ok {
		t.Fatal("expected no entry before insert")
	}

	r.insert("bp-1", rb)
	got, ok := r.get("bp-1")
	if !ok || got != rb {
		t.Fatalf("expected to get back the inserted record, got %v, %v", got, ok)
	}
	if r.count() != 1 {
		t.Errorf("count = %d, want 1", r.count())
	}

	r.remove("bp-1")
	if _, ok := r.get("bp-1"); ok {
		t.Error("expected entry to be gone after remove")
	}
	if r.count() != 0 {
		t.Errorf("count = %d, want 0", r.count())
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := newRegistry()
	r.remove("never-inserted") // must not panic
	if r.count() != 0 {
		t.Errorf("count = %d, want 0", r.count())
	}
}

func TestRegistryZeroValueIDsAreDistinctKeys(t *testing.T) {
	r := newRegistry()
	r.insert(0, &registeredBreakpoint{bp: &Breakpoint{ID: 0}})
	r.insert("", &registeredBreakpoint{bp: &Breakpoint{ID: ""}})
	if r.count() != 2 {
		t.Fatalf("count = %d, want 2 (zero-value ids of different types are distinct keys)", r.count())
	}
}

func TestRegistryByLocation(t *testing.T) {
	r := newRegistry()
	loc := &FileEntry{AbsPath: "/repo/order/service.go"}
	other := &FileEntry{AbsPath: "/repo/payment/service.go"}

	r.insert("a", &registeredBreakpoint{bp: &Breakpoint{ID: "a", Location: SourceLocation{Line: 10}}, location: loc})
	r.insert("b", &registeredBreakpoint{bp: &Breakpoint{ID: "b", Location: SourceLocation{Line: 20}}, location: loc})
	r.insert("c", &registeredBreakpoint{bp: &Breakpoint{ID: "c", Location: SourceLocation{Line: 10}}, location: other})

	matches := r.byLocation("/repo/order/service.go", 10)
	if len(matches) != 1 || matches[0].bp.ID != "a" {
		t.Fatalf("expected exactly breakpoint a, got %+v", matches)
	}

	if matches := r.byLocation("/repo/order/service.go", 99); len(matches) != 0 {
		t.Fatalf("expected no matches at unregistered line, got %+v", matches)
	}
}
