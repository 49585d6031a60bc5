package tracekit

import (
	"context"
	"runtime"
	"strings"
	"time"
)

// Bridge owns the single physical break-event subscription and
// multiplexes it across every logical Breakpoint registered at a given
// location. It generalizes the teacher's
// SnapshotClient.CheckAndCaptureWithContext: that function already
// resolved (file, line) via runtime.Caller, matched a cache entry,
// checked expiry, captured, and shipped — Hit is the same flow turned
// into a registered-listener model instead of a single hard-coded
// client.
//
// Bridge is not itself safe for concurrent use: the Agent Facade
// serializes every call into it (both control-context Set/Clear/Wait and
// break-event Hit) behind a single mutex, per the engine's concurrency
// model.
type Bridge struct {
	reg       *registry
	listeners int
	cfg       CaptureConfig

	// onCapture, when set via Agent.WireMetrics, is invoked after every
	// CAPTURE-action fire with the capture's wall-clock duration in
	// milliseconds.
	onCapture func(durationMs float64)
}

func newBridge(reg *registry, cfg CaptureConfig) *Bridge {
	return &Bridge{reg: reg, cfg: cfg}
}

// register counts one listener for each registered breakpoint;
// unregister removes one again and never lets the count drop below
// zero. The Bridge never touches any listener it did not install itself.
func (br *Bridge) register() {
	br.listeners++
}

func (br *Bridge) unregister() {
	if br.listeners > 0 {
		br.listeners--
	}
}

func (br *Bridge) numListeners() int {
	return br.listeners
}

// Hit is the single physical entry point every instrumented call site
// invokes when execution reaches a line that might carry a breakpoint.
// scopes is the call stack at the hit, innermost frame first; it is the
// caller's responsibility to build it, since this module does not hook a
// foreign bytecode VM (see SPEC_FULL.md §4.6). ctx is the request-scoped context
// at the hit, if any; it is attached to the Breakpoint so a later
// ControlPlaneClient.onHit can pull the RequestContext/trace ids a
// web-framework middleware stashed on it. Passing nil is fine for a hit
// with no inbound request.
func (br *Bridge) Hit(ctx context.Context, loc *FileEntry, line int32, scopes []Scope) {
	matches := br.reg.byLocation(loc.AbsPath, line)
	for _, rb := range matches {
		if rb.fired && rb.bp.action() == ActionCapture {
			continue // one-shot: already reported, not cleared yet
		}
		if rb.bp.MaxCaptures > 0 && rb.bp.CaptureCount >= rb.bp.MaxCaptures {
			continue
		}

		var scope Scope
		if len(scopes) > 0 {
			scope = scopes[0]
		}

		hit := true
		var condStatus *StatusMessage
		if rb.condition != nil && scope != nil {
			result, status := rb.condition.Eval(scope)
			switch {
			case status != nil:
				// A runtime (not compile-time) evaluation error is
				// treated as a hit carrying the error, per the design
				// decision recorded in DESIGN.md.
				condStatus = status
			default:
				truthy, _ := result.(bool)
				hit = truthy
			}
		}
		if !hit {
			continue
		}

		br.fire(ctx, rb, scopes, condStatus)
	}
}

func (br *Bridge) fire(ctx context.Context, rb *registeredBreakpoint, scopes []Scope, condStatus *StatusMessage) {
	rb.bp.hitCtx = ctx
	rb.bp.CaptureCount++

	if rb.bp.action() == ActionLog {
		rb.bp.Status = condStatus
		rb.bp.EvaluatedExpressions = evaluateForLog(rb, scopes)
	} else {
		rb.fired = true
		start := time.Now()
		frames, table, evaluated := Capture(scopes, rb.watches, br.cfg)
		rb.bp.StackFrames = frames
		rb.bp.VariableTable = table
		rb.bp.EvaluatedExpressions = evaluated
		rb.bp.Status = condStatus
		rb.bp.DiagnosticStackTrace = captureStackTrace(3)
		if br.onCapture != nil {
			br.onCapture(float64(time.Since(start).Microseconds()) / 1000)
		}
	}

	if rb.waiterSet {
		cb := rb.waiter
		rb.waiterSet = false
		go cb(nil)
	}
}

func evaluateForLog(rb *registeredBreakpoint, scopes []Scope) []Variable {
	if len(scopes) == 0 || len(rb.watches) == 0 {
		return nil
	}
	b := newVariableTableBuilder(DefaultCaptureConfig())
	return evaluateWatches(b, rb.watches, scopes[0])
}

// AutoHit is a convenience helper kept from the teacher's
// runtime.Caller-based auto-detection in CheckAndCaptureWithContext: it
// resolves the call site's own (file, line) instead of requiring the
// instrumented code to know it statically. ctx carries the request scope
// through to Hit, exactly as a direct Hit call would.
func AutoHit(ctx context.Context, br *Bridge, resolver *Resolver, scope Scope) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return
	}
	entry, rerr := resolver.Resolve(file)
	if rerr != nil {
		// Fall back to resolving by the raw caller path's basename; if
		// that still fails there is nothing registered here to hit.
		entry, rerr = resolver.Resolve(lastSegment(file))
		if rerr != nil {
			return
		}
	}
	br.Hit(ctx, entry, int32(line), []Scope{scope})
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
