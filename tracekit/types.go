package tracekit

import (
	"context"
	"time"
)

// Action selects what a Breakpoint does when it hits.
type Action string

const (
	// ActionCapture takes a full stack/variable snapshot and is always
	// one-shot: it fires its waiter exactly once and is then cleared.
	ActionCapture Action = "CAPTURE"
	// ActionLog evaluates the breakpoint's Expressions instead of
	// capturing frames, and may re-fire up to MaxCaptures times before
	// the control plane clears it. LogMessageFormat is carried as given:
	// the engine does not substitute the evaluated values into it.
	ActionLog Action = "LOG"
)

// RefersTo names the part of a Breakpoint or Variable a StatusMessage
// describes.
type RefersTo string

const (
	ReferBreakpointSourceLocation RefersTo = "BREAKPOINT_SOURCE_LOCATION"
	ReferBreakpointCondition      RefersTo = "BREAKPOINT_CONDITION"
	ReferBreakpointExpression     RefersTo = "BREAKPOINT_EXPRESSION"
	ReferVariableName             RefersTo = "VARIABLE_NAME"
	ReferVariableValue            RefersTo = "VARIABLE_VALUE"
	ReferUnspecified              RefersTo = "UNSPECIFIED"
)

// SourceLocation identifies a source line a Breakpoint targets. Path is a
// user-supplied hint; it need not match any inventory entry literally
// until it has been through the Path Resolver.
type SourceLocation struct {
	Path   string `json:"path" validate:"required"`
	Line   int32  `json:"line" validate:"required,min=1"`
	Column int32  `json:"column,omitempty"`
}

// Description is the parameterized human-readable half of a
// StatusMessage. Format is a stable catalog string (see messages.go);
// Parameters are substituted positionally by callers that render it.
type Description struct {
	Format     string   `json:"format"`
	Parameters []string `json:"parameters,omitempty"`
}

// StatusMessage is carried on a Breakpoint when set-time validation
// fails, and on individual Variables when capture-time evaluation fails
// or truncates.
type StatusMessage struct {
	IsError     bool        `json:"isError"`
	RefersTo    RefersTo    `json:"refersTo"`
	Description Description `json:"description"`
}

// Variable is a single captured value. Compound values are flattened:
// when a value has child members it is interned into the snapshot's
// VariableTable and referenced by VarTableIndex, breaking cycles and
// sharing structure.
type Variable struct {
	Name          string         `json:"name,omitempty"`
	Value         string         `json:"value,omitempty"`
	Type          string         `json:"type,omitempty"`
	Members       []Variable     `json:"members,omitempty"`
	VarTableIndex *int32         `json:"varTableIndex,omitempty"`
	Status        *StatusMessage `json:"status,omitempty"`
}

// StackFrame is one captured call-stack level.
type StackFrame struct {
	Function  string         `json:"function"`
	Location  SourceLocation `json:"location"`
	Arguments []Variable     `json:"arguments"`
	Locals    []Variable     `json:"locals"`
}

// Breakpoint is a snapshot request plus its output slot. ID is opaque and
// comparable; the literal zero value is a valid, distinct key.
type Breakpoint struct {
	ID               any            `json:"id"`
	Action           Action         `json:"action,omitempty"`
	Location         SourceLocation `json:"location" validate:"required"`
	Condition        string         `json:"condition,omitempty"`
	Expressions      []string       `json:"expressions,omitempty"`
	LogMessageFormat string         `json:"logMessageFormat,omitempty"`

	ServiceName     string     `json:"serviceName,omitempty"`
	CreateTimestamp time.Time  `json:"createTimestamp,omitempty"`
	ExpireAt        *time.Time `json:"expireAt,omitempty"`
	MaxCaptures     int32      `json:"maxCaptures,omitempty"`
	CaptureCount    int32      `json:"captureCount,omitempty"`

	// Output fields, populated on hit.
	StackFrames          []StackFrame   `json:"stackFrames,omitempty"`
	VariableTable        []Variable     `json:"variableTable,omitempty"`
	EvaluatedExpressions []Variable     `json:"evaluatedExpressions,omitempty"`
	Status               *StatusMessage `json:"status,omitempty"`

	// DiagnosticStackTrace is the native Go call stack leading to Hit,
	// captured via runtime.Callers. It complements StackFrames (the
	// caller-supplied logical Scope stack) with the actual goroutine
	// stack at the moment of capture.
	DiagnosticStackTrace string `json:"diagnosticStackTrace,omitempty"`

	// hitCtx is the context.Context the instrumented call site passed to
	// Hit/AutoHit, if any. It is never marshaled: ControlPlaneClient.onHit
	// reads it through hitContext to pull the request-scoped
	// RequestContext and trace/span ids a web-framework middleware
	// stashed on it.
	hitCtx context.Context
}

func (b *Breakpoint) action() Action {
	if b.Action == "" {
		return ActionCapture
	}
	return b.Action
}

// hitContext returns the context captured at the most recent Hit, or
// context.Background() if none was supplied (a direct Hit call from code
// with no inbound request, or a breakpoint that has never fired).
func (b *Breakpoint) hitContext() context.Context {
	if b.hitCtx == nil {
		return context.Background()
	}
	return b.hitCtx
}

// Snapshot is the wire envelope a ControlPlaneClient transmits once a
// Breakpoint has captured.
type Snapshot struct {
	BreakpointID         any             `json:"breakpointId"`
	ServiceName          string          `json:"serviceName"`
	StackFrames          []StackFrame    `json:"stackFrames,omitempty"`
	VariableTable        []Variable      `json:"variableTable,omitempty"`
	EvaluatedExpressions []Variable      `json:"evaluatedExpressions,omitempty"`
	SecurityFlags        []SecurityFlag  `json:"securityFlags,omitempty"`
	RequestContext       *RequestContext `json:"requestContext,omitempty"`
	TraceID              string          `json:"traceId,omitempty"`
	SpanID               string          `json:"spanId,omitempty"`
	DiagnosticStackTrace string          `json:"diagnosticStackTrace,omitempty"`
	CapturedAt           time.Time       `json:"capturedAt"`
}

// CaptureConfig bounds the State Capturer's walk.
type CaptureConfig struct {
	MaxFrames               int `json:"maxFrames" validate:"min=1"`
	MaxExpandFrames          int `json:"maxExpandFrames" validate:"min=0"`
	MaxProperties            int `json:"maxProperties" validate:"min=1"`
	MaxStringLength          int `json:"maxStringLength" validate:"min=1"`
	BreakpointExpirationSec int `json:"breakpointExpirationSec" validate:"min=1"`
}

// DefaultCaptureConfig mirrors the bounds the teacher's SDK defaults in
// config.go's NewSDK defaulting block.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		MaxFrames:               20,
		MaxExpandFrames:         5,
		MaxProperties:           10,
		MaxStringLength:         1024,
		BreakpointExpirationSec: 3600,
	}
}
