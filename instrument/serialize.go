package instrument

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// FilteredValue replaces values whose parameter name matches a PII
	// pattern.
	FilteredValue = "[FILTERED]"

	// NilValue is the explicit sentinel recorded for nil values, so
	// downstream consumers always receive a scalar.
	NilValue = "nil"

	// maxSequenceItems caps how many sequence elements are serialized;
	// later elements are silently dropped.
	maxSequenceItems = 10

	// maxObjectNesting caps in-flight object expansions on one traversal
	// path; objects past the cap record the string form.
	maxObjectNesting = 16

	// returnDepth is the starting depth for return value serialization.
	// Return values are recorded less deeply than fresh arguments.
	returnDepth = 2

	// resolvePerType makes each container resolve its own depth ceiling.
	// A non-negative budget pins the ceiling for a whole subtree, which is
	// how a formatter's output stays inside its object's own allowance.
	resolvePerType = -1
)

// AttributeMapper lets a type control its own flattened representation.
// It takes precedence over name-configured formatter methods.
type AttributeMapper interface {
	ToAttributeMap() map[string]any
}

// FormatterFunc adapts a value of a registered type into an attribute
// mapping.
type FormatterFunc func(value any) map[string]any

var (
	formatterMu       sync.RWMutex
	formatterRegistry = map[reflect.Type]FormatterFunc{}
)

// RegisterFormatter registers an adapter for the exact runtime type,
// taking precedence over AttributeMapper and configured formatter
// methods. Register the type as it is passed: pointer types need a
// pointer registration.
func RegisterFormatter(t reflect.Type, fn FormatterFunc) {
	formatterMu.Lock()
	defer formatterMu.Unlock()
	formatterRegistry[t] = fn
}

func lookupFormatter(t reflect.Type) FormatterFunc {
	formatterMu.RLock()
	defer formatterMu.RUnlock()
	return formatterRegistry[t]
}

// attrBuffer accumulates scalar attributes in insertion order and flushes
// them incrementally onto a span.
type attrBuffer struct {
	kvs     []attribute.KeyValue
	flushed int
}

func (b *attrBuffer) putString(key, v string) {
	b.kvs = append(b.kvs, attribute.String(key, v))
}

func (b *attrBuffer) putBool(key string, v bool) {
	b.kvs = append(b.kvs, attribute.Bool(key, v))
}

func (b *attrBuffer) putInt64(key string, v int64) {
	b.kvs = append(b.kvs, attribute.Int64(key, v))
}

func (b *attrBuffer) putFloat64(key string, v float64) {
	b.kvs = append(b.kvs, attribute.Float64(key, v))
}

func (b *attrBuffer) len() int {
	return len(b.kvs)
}

func (b *attrBuffer) attrs() []attribute.KeyValue {
	return b.kvs
}

// flush writes attributes added since the previous flush.
func (b *attrBuffer) flush(span trace.Span) {
	if b.flushed < len(b.kvs) {
		span.SetAttributes(b.kvs[b.flushed:]...)
		b.flushed = len(b.kvs)
	}
}

// serializer flattens values into span attributes under a policy. It
// never fails: anything it cannot traverse degrades to a string.
type serializer struct {
	policy  *serializationPolicy
	buf     *attrBuffer
	visited map[uintptr]bool
	nesting int
}

// serializeArguments writes one attribute set per captured argument,
// keyed by positional index. Each argument starts a fresh depth budget
// and carries its parameter name for redaction.
func (s *serializer) serializeArguments(prefix string, args Arguments) {
	for i, a := range args {
		s.serializeValue(prefix+"."+strconv.Itoa(i), a.Value, a.ParamName, 0, resolvePerType)
	}
}

// serializeReturn records the return value, starting at returnDepth.
// Disabled entirely when return value tracking is off.
func (s *serializer) serializeReturn(prefix string, value any) {
	if !s.policy.track {
		return
	}
	s.serializeValue(prefix, value, "", returnDepth, resolvePerType)
}

// serializeValue writes zero or more scalar attributes for value under
// prefix. paramName is only set for top-level parameters; recursive calls
// pass it empty so redaction applies to names, never to indices.
func (s *serializer) serializeValue(prefix string, value any, paramName string, depth, budget int) {
	defer func() {
		if r := recover(); r != nil {
			s.buf.putString(prefix, fmt.Sprint(value))
		}
	}()

	if paramName != "" && s.policy.redact(paramName) {
		s.buf.putString(prefix, FilteredValue)
		return
	}

	if value == nil {
		s.buf.putString(prefix, NilValue)
		return
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		s.buf.putString(prefix, rv.String())

	case reflect.Bool:
		s.buf.putBool(prefix, rv.Bool())

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		s.buf.putInt64(prefix, rv.Int())

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		s.buf.putInt64(prefix, int64(rv.Uint()))

	case reflect.Float32, reflect.Float64:
		s.buf.putFloat64(prefix, rv.Float())

	case reflect.Pointer:
		if rv.IsNil() {
			s.buf.putString(prefix, NilValue)
			return
		}
		switch rv.Elem().Kind() {
		case reflect.Struct:
			// Keep the pointer for formatter dispatch.
			s.serializeObject(prefix, value)
		default:
			s.serializeValue(prefix, rv.Elem().Interface(), "", depth, budget)
		}

	case reflect.Map:
		s.serializeMap(prefix, rv, depth, budget)

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			s.buf.putString(prefix, string(rv.Bytes()))
			return
		}
		s.serializeSequence(prefix, rv, depth, budget)

	case reflect.Array:
		s.serializeSequence(prefix, rv, depth, budget)

	default:
		s.serializeObject(prefix, value)
	}
}

// serializeMap flattens map entries under dotted keys, sorted by
// stringified key so output is deterministic. Entries whose key matches a
// PII pattern are skipped. Recursion happens only while depth is below
// the resolved ceiling.
func (s *serializer) serializeMap(prefix string, rv reflect.Value, depth, budget int) {
	limit := budget
	if limit < 0 {
		limit = s.policy.depth.Resolve(typeDisplayName(rv.Type()))
	}
	if depth >= limit {
		return
	}

	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		entries = append(entries, entry{key: fmt.Sprint(iter.Key().Interface()), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	for _, e := range entries {
		if s.policy.redact(e.key) {
			continue
		}
		s.serializeValue(prefix+"."+e.key, e.val.Interface(), "", depth+1, budget)
	}
}

// serializeSequence flattens at most the first maxSequenceItems elements
// under index keys.
func (s *serializer) serializeSequence(prefix string, rv reflect.Value, depth, budget int) {
	limit := budget
	if limit < 0 {
		limit = s.policy.depth.Resolve(typeDisplayName(rv.Type()))
	}
	if depth >= limit {
		return
	}

	n := rv.Len()
	if n > maxSequenceItems {
		n = maxSequenceItems
	}
	for i := 0; i < n; i++ {
		s.serializeValue(prefix+"."+strconv.Itoa(i), rv.Index(i).Interface(), "", depth+1, budget)
	}
}

// serializeObject records the type name at prefix.class unconditionally,
// then flattens the object through a formatter when one resolves. The
// object's depth allowance is its own: the formatter output starts at
// depth 0 against the object's ceiling, regardless of how deep the object
// was nested. A pointer already under expansion on the current path, or
// an object past the nesting cap, records the string form instead.
func (s *serializer) serializeObject(prefix string, value any) {
	tn := typeName(reflect.TypeOf(value))
	s.buf.putString(prefix+".class", tn)

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer {
		addr := rv.Pointer()
		if s.visited[addr] {
			s.buf.putString(prefix, fmt.Sprint(value))
			return
		}
		if s.visited == nil {
			s.visited = make(map[uintptr]bool)
		}
		s.visited[addr] = true
		defer delete(s.visited, addr)
	}

	s.nesting++
	defer func() { s.nesting-- }()
	if s.nesting > maxObjectNesting {
		s.buf.putString(prefix, fmt.Sprint(value))
		return
	}

	limit := s.policy.depth.Resolve(tn)
	if limit <= 0 {
		s.buf.putString(prefix, fmt.Sprint(value))
		return
	}

	mapping, ok := s.resolveFormatter(value, tn)
	if !ok {
		s.buf.putString(prefix, fmt.Sprint(value))
		return
	}
	s.serializeMap(prefix, mapping, 0, limit)
}

// resolveFormatter resolves, in order: a registered adapter for the exact
// runtime type, the AttributeMapper interface, the configured formatter
// method for the type name, and the configured default formatter method.
// A named method is used only when the object actually exposes it with a
// usable shape. Formatter failures degrade to no formatter.
func (s *serializer) resolveFormatter(value any, tn string) (mapping reflect.Value, ok bool) {
	defer func() {
		if recover() != nil {
			mapping, ok = reflect.Value{}, false
		}
	}()

	if fn := lookupFormatter(reflect.TypeOf(value)); fn != nil {
		return reflect.ValueOf(fn(value)), true
	}

	if m, isMapper := value.(AttributeMapper); isMapper {
		return reflect.ValueOf(m.ToAttributeMap()), true
	}

	name := s.policy.formatters[tn]
	if name == "" {
		name = s.policy.formatters["default"]
	}
	if name == "" {
		return reflect.Value{}, false
	}

	method := reflect.ValueOf(value).MethodByName(name)
	if !method.IsValid() {
		return reflect.Value{}, false
	}
	mt := method.Type()
	if mt.NumIn() != 0 || mt.NumOut() == 0 {
		return reflect.Value{}, false
	}

	result := method.Call(nil)[0]
	for result.Kind() == reflect.Interface || result.Kind() == reflect.Pointer {
		if result.IsNil() {
			return reflect.Value{}, false
		}
		result = result.Elem()
	}
	if result.Kind() != reflect.Map {
		return reflect.Value{}, false
	}
	return result, true
}
