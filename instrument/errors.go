package instrument

import "errors"

// Setup errors.
var (
	// ErrNoCallStack indicates no usable call stack was available.
	// Instrumentation cannot proceed without a call site.
	ErrNoCallStack = errors.New("instrument: no usable call stack")

	// ErrNilWork indicates a nil work function was passed to Instrument.
	ErrNilWork = errors.New("instrument: work function is nil")
)

// Configuration errors.
var (
	// ErrInvalidTransport indicates an unknown transport selector.
	ErrInvalidTransport = errors.New("instrument: invalid transport")

	// ErrInvalidPIIFilter indicates a PII filter pattern that does not compile.
	ErrInvalidPIIFilter = errors.New("instrument: invalid pii filter pattern")

	// ErrNegativeDepth indicates a negative serialization depth ceiling.
	ErrNegativeDepth = errors.New("instrument: serialization depth must be non-negative")
)

// TypedError provides an explicit error type label, preferred over the
// runtime type name when recording error.type.
type TypedError interface {
	error
	ErrorType() string
}

// ContextualError carries structured context recorded under error.context.*
// when the wrapped work fails.
type ContextualError interface {
	error
	ErrorContext() map[string]any
}
