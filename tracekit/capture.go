package tracekit

import (
	"fmt"
	"reflect"
	"sort"
)

// Hazardous lets a user type declare that reading it would invoke
// user code (a getter-like accessor backed by a method, a lazily
// computed field, anything the capturer must not touch). The State
// Capturer never calls anything except this one marker method.
type Hazardous interface {
	Hazardous() bool
}

// variableTableBuilder accumulates the per-snapshot VariableTable,
// interning compound values by identity so cycles collapse to a single
// entry and shared structure is referenced, not duplicated.
type variableTableBuilder struct {
	cfg   CaptureConfig
	table []Variable
	seen  map[uintptr]int32
}

func newVariableTableBuilder(cfg CaptureConfig) *variableTableBuilder {
	return &variableTableBuilder{cfg: cfg, seen: make(map[uintptr]int32)}
}

func identityOf(v reflect.Value) (uintptr, bool) {
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return 0, false
		}
		return v.Pointer(), true
	}
	return 0, false
}

// truncate renders a string value bounded by cfg.MaxStringLength,
// appending the ellipsis marker when truncation occurred.
func (b *variableTableBuilder) truncate(s string) string {
	if len(s) <= b.cfg.MaxStringLength {
		return s
	}
	return s[:b.cfg.MaxStringLength] + "..."
}

// build converts a single reflect.Value into a Variable, interning
// compound values into the table and applying maxProperties/
// maxStringLength bounds. depth counts nesting levels but no limit is
// applied to it; the identity map is what breaks true cycles.
func (b *variableTableBuilder) build(name string, rv reflect.Value, depth int) Variable {
	if !rv.IsValid() {
		return Variable{Name: name, Value: "nil", Type: "invalid"}
	}

	for rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Variable{Name: name, Value: "nil", Type: "interface"}
		}
		rv = rv.Elem()
	}

	if rv.CanInterface() {
		if h, ok := rv.Interface().(Hazardous); ok && h.Hazardous() {
			return Variable{Name: name, Status: evalErr(ReferVariableValue, Messages.ValueHazardous)}
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Variable{Name: name, Value: fmt.Sprintf("%v", rv.Bool()), Type: "bool"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Variable{Name: name, Value: fmt.Sprintf("%d", rv.Int()), Type: rv.Kind().String()}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Variable{Name: name, Value: fmt.Sprintf("%d", rv.Uint()), Type: rv.Kind().String()}
	case reflect.Float32, reflect.Float64:
		return Variable{Name: name, Value: fmt.Sprintf("%v", rv.Float()), Type: rv.Kind().String()}
	case reflect.String:
		return Variable{Name: name, Value: b.truncate(rv.String()), Type: "string"}
	case reflect.Ptr:
		if rv.IsNil() {
			return Variable{Name: name, Value: "nil", Type: "pointer"}
		}
		return b.buildPointer(name, rv, depth)
	case reflect.Func:
		return Variable{Name: name, Type: "func"}
	case reflect.Chan:
		return Variable{Name: name, Type: "chan"}
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		id, ok := identityOf(rv)
		return b.buildCompound(name, rv, depth, id, ok)
	default:
		if rv.CanInterface() {
			return Variable{Name: name, Value: fmt.Sprintf("%v", rv.Interface()), Type: rv.Kind().String()}
		}
		return Variable{Name: name, Status: evalErr(ReferVariableValue, Messages.ValueUnreadable)}
	}
}

// buildCompound interns rv into the table under id when hasID is true.
// hasID is false for struct values reached by embedding or by value
// (no pointer indirection to key identity on); callers that do have a
// stable identity for the value — a map/slice/array, or a struct
// reached through a pointer via buildPointer — pass it through so
// cycles collapse correctly.
func (b *variableTableBuilder) buildCompound(name string, rv reflect.Value, depth int, id uintptr, hasID bool) Variable {
	if hasID {
		if idx, seen := b.seen[id]; seen {
			i := idx
			return Variable{Name: name, VarTableIndex: &i}
		}
	}

	idx := int32(len(b.table))
	b.table = append(b.table, Variable{}) // reserve slot, breaks cycles on re-entry

	if hasID {
		b.seen[id] = idx
	}

	members, truncated := b.members(rv, depth)
	entry := Variable{Type: kindName(rv), Members: members}
	if truncated {
		entry.Status = &StatusMessage{IsError: false, RefersTo: ReferUnspecified, Description: onlyFirstN(b.cfg.MaxProperties)}
	}
	b.table[idx] = entry

	i := idx
	return Variable{Name: name, VarTableIndex: &i}
}

// buildPointer dereferences a non-nil pointer, interning by the
// pointer's own identity before descending into the pointee. Without
// this, a pointer that eventually points back to itself (a linked list
// node, a parent/child back-reference) would recurse forever: identity
// on the pointee alone is not enough, since each dereference produces a
// fresh reflect.Value for the same pointer.
func (b *variableTableBuilder) buildPointer(name string, rv reflect.Value, depth int) Variable {
	elem := rv.Elem()
	switch elem.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		// Only these pointee kinds can re-enter a cycle; a pointer to a
		// scalar has nothing to intern. Key the interning off the
		// pointer's own identity rather than the pointee's: a struct
		// reached only through a pointer carries no identity of its own
		// (reflect hands back a fresh Value on every dereference).
		id, _ := identityOf(rv)
		return b.buildCompound(name, elem, depth+1, id, true)
	default:
		return b.build(name, elem, depth)
	}
}

func kindName(rv reflect.Value) string {
	if rv.Kind() == reflect.Struct {
		return rv.Type().Name()
	}
	return rv.Kind().String()
}

func (b *variableTableBuilder) members(rv reflect.Value, depth int) ([]Variable, bool) {
	switch rv.Kind() {
	case reflect.Struct:
		t := rv.Type()
		var out []Variable
		truncated := false
		for i := 0; i < t.NumField(); i++ {
			if len(out) >= b.cfg.MaxProperties {
				truncated = true
				break
			}
			field := t.Field(i)
			fv := rv.Field(i)
			if !fv.CanInterface() {
				out = append(out, Variable{Name: field.Name, Status: evalErr(ReferVariableValue, Messages.ValueHazardous)})
				continue
			}
			out = append(out, b.build(field.Name, fv, depth+1))
		}
		return out, truncated
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface()) })
		var out []Variable
		truncated := len(keys) > b.cfg.MaxProperties
		if truncated {
			keys = keys[:b.cfg.MaxProperties]
		}
		for _, k := range keys {
			out = append(out, b.build(fmt.Sprint(k.Interface()), rv.MapIndex(k), depth+1))
		}
		return out, truncated
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		truncated := n > b.cfg.MaxProperties
		if truncated {
			n = b.cfg.MaxProperties
		}
		out := make([]Variable, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, b.build(fmt.Sprintf("%d", i), rv.Index(i), depth+1))
		}
		return out, truncated
	}
	return nil, false
}

// frameNotExpanded builds the single placeholder Variable a frame beyond
// MaxExpandFrames carries in place of its real arguments/locals.
func (b *variableTableBuilder) frameNotExpanded() []Variable {
	idx := int32(len(b.table))
	b.table = append(b.table, Variable{
		Type:   "unexpanded",
		Status: evalErr(ReferUnspecified, Messages.FrameNotExpanded),
	})
	i := idx
	return []Variable{{VarTableIndex: &i}}
}

// Capture walks scopes (innermost first) into bounded StackFrames and
// evaluates watches, sharing a single VariableTable across both so
// identity interning and cycle-breaking hold snapshot-wide, exactly as
// the engine's State Capturer specifies.
func Capture(scopes []Scope, watches []*CompiledExpr, cfg CaptureConfig) (frames []StackFrame, table []Variable, evaluated []Variable) {
	b := newVariableTableBuilder(cfg)

	max := cfg.MaxFrames
	if max > len(scopes) {
		max = len(scopes)
	}

	frames = make([]StackFrame, 0, max)
	for i := 0; i < max; i++ {
		s := scopes[i]
		var args, locals []Variable
		if i < cfg.MaxExpandFrames {
			args = expandNamed(b, s.Arguments())
			locals = expandNamed(b, s.Locals())
		} else {
			args = b.frameNotExpanded()
			locals = b.frameNotExpanded()
		}
		frames = append(frames, StackFrame{
			Function:  s.Function(),
			Location:  s.Location(),
			Arguments: args,
			Locals:    locals,
		})
	}

	var scope Scope
	if len(scopes) > 0 {
		scope = scopes[0]
	}
	if len(watches) > 0 && scope != nil {
		evaluated = evaluateWatches(b, watches, scope)
	}

	return frames, b.table, evaluated
}

func expandNamed(b *variableTableBuilder, values map[string]any) []Variable {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Variable, 0, len(names))
	for _, name := range names {
		out = append(out, b.build(name, reflect.ValueOf(values[name]), 0))
	}
	return out
}

// evaluateWatches evaluates each compiled watch expression against scope,
// appending its result to EvaluatedExpressions in request order. A
// failed expression gets an error Variable; it never aborts the capture.
func evaluateWatches(b *variableTableBuilder, compiled []*CompiledExpr, scope Scope) []Variable {
	out := make([]Variable, 0, len(compiled))
	for _, c := range compiled {
		v, status := c.Eval(scope)
		if status != nil {
			out = append(out, Variable{Name: c.Source, Status: status})
			continue
		}
		result := b.build(c.Source, reflect.ValueOf(v), 0)
		out = append(out, result)
	}
	return out
}
