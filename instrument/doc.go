// Package instrument wraps units of work in tracing spans, recording the
// call site identity, the call's arguments, and its return value or error
// as flat span attributes.
//
// Go has no caller binding introspection, so argument capture is explicit:
// callers build a Scope describing the receiver and the named values in
// play, and the instrumenter derives everything else (namespace, method
// name, source location) from the scope and the runtime call stack. Values
// are flattened recursively with per-type depth ceilings and PII redaction
// by parameter name.
package instrument
