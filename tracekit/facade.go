package tracekit

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Logger is the minimal logging surface the Agent needs. *log.Logger
// satisfies it directly, matching the teacher's plain log.Printf style
// rather than introducing a structured logging framework.
type Logger interface {
	Printf(format string, args ...any)
}

// Agent is the engine's public Facade: Set/Clear/Wait/NumBreakpoints/
// NumListeners, exactly as spec.md §6 names them.
type Agent struct {
	mu        sync.Mutex
	logger    Logger
	cfg       CaptureConfig
	inventory *Inventory
	resolver  *Resolver
	reg       *registry
	bridge    *Bridge

	breakpointsActive Gauge
	capturesTotal     Counter
	captureDuration   Histogram
}

// WireMetrics attaches sdk's metrics registry to the Agent, so
// tracekit.breakpoints.active, tracekit.captures.total, and
// tracekit.capture.duration_ms get emitted through the same buffered
// exporter as any other SDK metric. Safe to skip: an Agent with no
// metrics wired simply emits none.
func (a *Agent) WireMetrics(sdk *SDK) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tags := map[string]string{"service": sdk.config.ServiceName}
	a.breakpointsActive = sdk.Gauge("tracekit.breakpoints.active", tags)
	a.capturesTotal = sdk.Counter("tracekit.captures.total", tags)
	a.captureDuration = sdk.Histogram("tracekit.capture.duration_ms", tags)
	a.bridge.onCapture = func(durationMs float64) {
		a.capturesTotal.Inc()
		a.captureDuration.Record(durationMs)
	}
}

// NewAgent constructs an Agent; it performs no I/O (the Inventory must
// already have been produced by a Scanner.Scan call).
func NewAgent(logger Logger, cfg CaptureConfig, inventory *Inventory) *Agent {
	if logger == nil {
		logger = log.Default()
	}
	reg := newRegistry()
	return &Agent{
		logger:    logger,
		cfg:       cfg,
		inventory: inventory,
		resolver:  NewResolver(inventory, DefaultSourceExtensions),
		reg:       reg,
		bridge:    newBridge(reg, cfg),
	}
}

// Set validates, resolves, and compiles bp, then registers it with the
// Bridge. On any failure bp.Status is populated and the same error is
// passed to cb; on success cb is invoked with a nil error once
// registration has completed. Per the concurrency model, cb always runs
// on its own goroutine so the caller may not interleave it with Set's
// own return.
func (a *Agent) Set(bp *Breakpoint, cb func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.reg.get(bp.ID); exists {
		err := fmt.Errorf("breakpoint id %v is already registered", bp.ID)
		go cb(err)
		return
	}

	entry, rerr := a.resolver.Resolve(bp.Location.Path)
	if rerr != nil {
		bp.Status = rerr.Status()
		go cb(rerr)
		return
	}

	if bp.Location.Line < 1 || int64(bp.Location.Line) > countLines(entry) {
		bp.Status = &StatusMessage{
			IsError:     true,
			RefersTo:    ReferBreakpointSourceLocation,
			Description: invalidLineNumber(baseName(entry.AbsPath), bp.Location.Line),
		}
		err := fmt.Errorf("%s", bp.Status.Description.Format)
		go cb(err)
		return
	}

	cond, cerr := Compile(ConditionExpr, bp.Condition)
	if cerr != nil {
		bp.Status = cerr.Status()
		go cb(cerr)
		return
	}

	watches := make([]*CompiledExpr, 0, len(bp.Expressions))
	for _, expr := range bp.Expressions {
		w, werr := Compile(WatchExpr, expr)
		if werr != nil {
			bp.Status = werr.Status()
			go cb(werr)
			return
		}
		watches = append(watches, w)
	}

	rb := &registeredBreakpoint{bp: bp, condition: cond, watches: watches, location: entry}
	a.reg.insert(bp.ID, rb)
	a.bridge.register()
	if a.breakpointsActive != nil {
		a.breakpointsActive.Inc()
	}

	a.logger.Printf("📸 breakpoint %v set at %s:%d", bp.ID, entry.AbsPath, bp.Location.Line)
	go cb(nil)
}

// Clear synchronously removes bp: it unregisters from the Bridge, drops
// any pending waiter without firing it, and is safe to call from inside
// a Wait callback.
func (a *Agent) Clear(bp *Breakpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.reg.get(bp.ID); !exists {
		return
	}
	a.reg.remove(bp.ID)
	a.bridge.unregister()
	if a.breakpointsActive != nil {
		a.breakpointsActive.Dec()
	}
}

// Wait installs cb to fire exactly once when bp next hits and has been
// captured, or with an error if capture failed. Calling Wait a second
// time on the same breakpoint before the first callback has fired is a
// programmer error and returns an error immediately instead of silently
// replacing the first waiter.
func (a *Agent) Wait(bp *Breakpoint, cb func(error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rb, exists := a.reg.get(bp.ID)
	if !exists {
		return fmt.Errorf("breakpoint id %v is not registered", bp.ID)
	}
	if rb.waiterSet {
		return fmt.Errorf("breakpoint id %v already has a pending wait", bp.ID)
	}
	rb.waiter = cb
	rb.waiterSet = true
	return nil
}

// Hit is the control-plane-facing entry point for the Debug-hook Bridge:
// instrumented call sites invoke it (or AutoHit) when execution reaches
// a line that might carry a breakpoint. It is serialized against
// Set/Clear/Wait by the same mutex, satisfying the engine's cooperative
// concurrency model. ctx is the request-scoped context at the hit (nil if
// none), carried through to the captured Breakpoint so a later
// ControlPlaneClient.onHit can attach RequestContext/trace ids.
func (a *Agent) Hit(ctx context.Context, loc *FileEntry, line int32, scopes []Scope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bridge.Hit(ctx, loc, line, scopes)
}

// NumBreakpoints reports the live registry size, for health checks and
// the cleanliness invariant numBreakpoints() == 0.
func (a *Agent) NumBreakpoints() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.count()
}

// NumListeners reports the Bridge's physical listener count, for the
// cleanliness invariant numListeners() == 0.
func (a *Agent) NumListeners() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bridge.numListeners()
}

// Resolver exposes the Agent's Path Resolver for callers (such as
// AutoHit) that need to resolve a location outside of Set.
func (a *Agent) Resolver() *Resolver { return a.resolver }

// Bridge exposes the Agent's Debug-hook Bridge for AutoHit.
func (a *Agent) Bridge() *Bridge { return a.bridge }

// NewCorrelationID mints an internal id for correlating a Wait callback
// with the span/log attributes recorded around it.
func NewCorrelationID() string { return uuid.NewString() }

func countLines(entry *FileEntry) int64 {
	// The inventory records byte length, not line count; the file is
	// read and its newlines counted on every Set that reaches the line
	// check, which avoids a second read of every file during the
	// initial Scan.
	data, err := os.ReadFile(entry.AbsPath)
	if err != nil {
		return 0
	}
	lines := int64(1)
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	return lines
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
