package instrument

import (
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
)

// UnknownNamespace is recorded when no namespace can be determined.
const UnknownNamespace = "UnknownClass"

// Binding is one named value visible in the calling scope.
type Binding struct {
	Name  string
	Value any
}

// CallerContext is an introspectable handle to the calling scope. Go has
// no binding reflection, so callers supply one explicitly, usually via
// Scope.
//
// Contract:
// - Errors: both methods are best-effort; failures degrade to defaults
//   (UnknownNamespace, empty argument set) and never abort the call.
type CallerContext interface {
	// Receiver returns the receiver of the calling scope. A reflect.Type
	// receiver marks a class-level call; any other non-nil value is an
	// instance receiver.
	Receiver() (any, error)

	// Bindings returns the scope's named values in declaration order.
	Bindings() ([]Binding, error)
}

// Scope is the standard CallerContext implementation.
type Scope struct {
	receiver any
	bindings []Binding
}

// NewScope creates a scope for the given receiver. Pass a reflect.Type to
// mark a class-level call, an instance for instance calls, or nil when
// there is no receiver.
func NewScope(receiver any) *Scope {
	return &Scope{receiver: receiver}
}

// Bind appends a named value to the scope and returns the scope for
// chaining. Binding order is the positional argument order.
func (s *Scope) Bind(name string, value any) *Scope {
	s.bindings = append(s.bindings, Binding{Name: name, Value: value})
	return s
}

func (s *Scope) Receiver() (any, error) {
	return s.receiver, nil
}

func (s *Scope) Bindings() ([]Binding, error) {
	return append([]Binding(nil), s.bindings...), nil
}

// ClassScope creates a class-level scope for type T.
func ClassScope[T any]() *Scope {
	return NewScope(reflect.TypeOf((*T)(nil)).Elem())
}

// CallerInfo is the identity of an instrumented call site, constructed
// fresh per call and immutable.
type CallerInfo struct {
	Method      string
	Namespace   string
	File        string
	Line        int
	ClassMethod bool
}

// separators that mark a pre-qualified method name.
const nameSeparators = ".#"

// SpanName composes the span name: <namespace>.<method> for class-level
// calls, <namespace>#<method> for instance calls. A method name that is
// already qualified is used verbatim.
func (ci CallerInfo) SpanName() string {
	if strings.ContainsAny(ci.Method, nameSeparators) {
		return ci.Method
	}
	sep := "#"
	if ci.ClassMethod {
		sep = "."
	}
	return ci.Namespace + sep + ci.Method
}

// BareMethod returns the method component: the trailing segment after the
// last separator when the method name is pre-qualified.
func (ci CallerInfo) BareMethod() string {
	if i := strings.LastIndexAny(ci.Method, nameSeparators); i >= 0 {
		return ci.Method[i+1:]
	}
	return ci.Method
}

// selfDir is the directory holding this package's source, used to skip
// our own frames during stack resolution.
var selfDir = func() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	return filepath.Dir(file)
}()

func ownFrame(file string) bool {
	if strings.HasSuffix(file, "_test.go") {
		return false
	}
	return selfDir != "" && filepath.Dir(file) == selfDir
}

// callerFrame finds the first stack frame outside this package, or the
// first frame at all when every frame is ours. An entirely empty stack is
// fatal.
func callerFrame() (runtime.Frame, error) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return runtime.Frame{}, ErrNoCallStack
	}

	frames := runtime.CallersFrames(pcs[:n])
	var first runtime.Frame
	haveFirst := false
	for {
		frame, more := frames.Next()
		if !haveFirst {
			first = frame
			haveFirst = true
		}
		if !ownFrame(frame.File) {
			return frame, nil
		}
		if !more {
			break
		}
	}
	return first, nil
}

// resolveCallSite derives the caller identity from the scope when
// supplied, falling back to stack inspection.
func resolveCallSite(scope CallerContext) (CallerInfo, error) {
	frame, err := callerFrame()
	if err != nil {
		return CallerInfo{}, err
	}

	info := CallerInfo{
		Method: methodFromFunction(frame.Function),
		File:   frame.File,
		Line:   frame.Line,
	}

	if scope == nil {
		ns := namespaceFromFunction(frame.Function)
		if ns == "" {
			ns = namespaceFromFile(frame.File)
		}
		if ns == "" {
			ns = UnknownNamespace
		}
		info.Namespace = ns
		return info, nil
	}

	receiver, err := scope.Receiver()
	if err != nil || receiver == nil {
		ns := namespaceFromFile(frame.File)
		if ns == "" {
			ns = UnknownNamespace
		}
		info.Namespace = ns
		return info, nil
	}

	if t, ok := receiver.(reflect.Type); ok {
		info.ClassMethod = true
		info.Namespace = typeDisplayName(t)
		return info, nil
	}

	info.Namespace = typeName(reflect.TypeOf(receiver))
	return info, nil
}

// methodFromFunction extracts the bare method identifier from a fully
// qualified runtime function name like "pkg/path.(*Type).Method".
func methodFromFunction(fn string) string {
	if fn == "" {
		return ""
	}
	base := fn[strings.LastIndex(fn, "/")+1:]
	if i := strings.LastIndex(base, "."); i >= 0 {
		return base[i+1:]
	}
	return base
}

// namespaceFromFunction extracts the receiver type from a qualified
// runtime function name, when one is present. Receiver kind carries no
// call-kind signal: stack-resolved calls are always instance calls.
func namespaceFromFunction(fn string) string {
	if fn == "" {
		return ""
	}
	base := fn[strings.LastIndex(fn, "/")+1:]
	parts := strings.Split(base, ".")
	if len(parts) < 3 {
		return ""
	}
	recv := parts[len(parts)-2]
	recv = strings.TrimPrefix(recv, "(*")
	recv = strings.TrimPrefix(recv, "(")
	return strings.TrimSuffix(recv, ")")
}

// namespaceFromFile derives a namespace from a source file name:
// "user_service.go" becomes "UserService".
func namespaceFromFile(file string) string {
	base := filepath.Base(file)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		return ""
	}

	var b strings.Builder
	for _, seg := range strings.Split(base, "_") {
		if seg == "" {
			continue
		}
		b.WriteString(strings.ToUpper(seg[:1]))
		b.WriteString(seg[1:])
	}
	return b.String()
}

// typeName returns the bare name of a value's type, dereferencing
// pointers.
func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return typeDisplayName(t)
}

func typeDisplayName(t reflect.Type) string {
	if n := t.Name(); n != "" {
		return n
	}
	return t.String()
}
