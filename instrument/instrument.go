package instrument

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonwraymond/autospan/observe"
)

// WorkFunc is the unit of work wrapped by an instrumented call.
type WorkFunc func(ctx context.Context) (any, error)

// Capture is the per-call diagnostic record: what the instrumenter
// resolved for one invocation. It belongs to the call, never to the
// instrumenter, so concurrent calls through one instance cannot clobber
// each other.
type Capture struct {
	Method    string
	Namespace string
	SpanName  string
}

// Instrumenter wraps work functions in spans.
//
// Contract:
// - Concurrency: safe for concurrent use; all per-call state is call-scoped.
// - Context: the span context is passed to the work function; cancellation
//   flows through untouched.
// - Errors: the wrapped work's error is recorded and returned unchanged.
type Instrumenter struct {
	cfg     *Config
	tracer  trace.Tracer
	metrics observe.Metrics
	logger  observe.Logger
	policy  *serializationPolicy
	id      string
}

// Option customizes an Instrumenter.
type Option func(*Instrumenter)

// WithMetrics attaches call metrics recording.
func WithMetrics(m observe.Metrics) Option {
	return func(in *Instrumenter) {
		if m != nil {
			in.metrics = m
		}
	}
}

// WithLogger attaches a logger for best-effort degradation diagnostics.
func WithLogger(l observe.Logger) Option {
	return func(in *Instrumenter) {
		if l != nil {
			in.logger = l
		}
	}
}

// New creates an Instrumenter using the given tracer. A nil cfg uses the
// process-wide default configuration.
func New(tracer trace.Tracer, cfg *Config, opts ...Option) (*Instrumenter, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	in := &Instrumenter{
		cfg:     cfg,
		tracer:  tracer,
		metrics: observe.NoopMetrics{},
		policy:  compilePolicy(cfg),
		id:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = observe.NewLogger("warn")
	}
	in.logger = in.logger.With(observe.Field{Key: "instrumenter_id", Value: in.id})
	return in, nil
}

// FromBackend creates an Instrumenter wired to an observe.Backend,
// including call metrics and the backend's logger.
func FromBackend(b observe.Backend, cfg *Config, opts ...Option) (*Instrumenter, error) {
	metrics, err := observe.NewMetrics(b.Meter())
	if err != nil {
		return nil, err
	}
	base := []Option{WithMetrics(metrics), WithLogger(b.Logger())}
	return New(b.Tracer(), cfg, append(base, opts...)...)
}

// Instrument runs work inside a span named for the call site, recording
// arguments beforehand and the return value or error afterwards. The
// work's result and error pass through unchanged. scope may be nil, in
// which case identity resolves purely from the call stack and no
// arguments are captured.
func (in *Instrumenter) Instrument(ctx context.Context, scope CallerContext, work WorkFunc) (any, error) {
	result, _, err := in.InstrumentWithCapture(ctx, scope, work)
	return result, err
}

// InstrumentWithCapture is Instrument plus the per-call diagnostic record
// of what was resolved for the span.
func (in *Instrumenter) InstrumentWithCapture(ctx context.Context, scope CallerContext, work WorkFunc) (result any, captured Capture, workErr error) {
	if work == nil {
		return nil, Capture{}, ErrNilWork
	}

	// Resolving: fatal failures abort before any span is opened.
	info, err := resolveCallSite(scope)
	if err != nil {
		return nil, Capture{}, err
	}

	// Extracting: best-effort, never blocks the call.
	args := extractArguments(scope)

	name := info.SpanName()
	captured = Capture{Method: info.BareMethod(), Namespace: info.Namespace, SpanName: name}

	ctx, span := in.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	start := time.Now()

	buf := &attrBuffer{}
	ser := &serializer{policy: in.policy, buf: buf}

	// The span must close exactly once on every exit path, including a
	// panic anywhere after it opens.
	defer func() {
		if r := recover(); r != nil {
			buf.putBool("error", true)
			buf.putString("error.type", "panic")
			buf.putString("error.message", fmt.Sprint(r))
			buf.putString("error.stacktrace", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprint(r))
			buf.flush(span)
			in.metrics.RecordCall(ctx, name, time.Since(start), buf.len(), workErr)
			span.End()
			panic(r)
		}
		buf.flush(span)
		in.metrics.RecordCall(ctx, name, time.Since(start), buf.len(), workErr)
		span.End()
	}()

	buf.putString("code.function", info.BareMethod())
	buf.putString("code.namespace", info.Namespace)
	buf.putString("code.filepath", info.File)
	buf.putInt64("code.lineno", int64(info.Line))
	if in.cfg.AppNamespace != "" {
		buf.putString("app.namespace", in.cfg.AppNamespace)
	}
	ser.serializeArguments(in.attributeKey("code.arguments"), args)
	buf.flush(span)

	result, workErr = work(ctx)

	if workErr != nil {
		in.recordError(span, ser, workErr)
		return result, captured, workErr
	}

	buf.putBool("error", false)
	ser.serializeReturn(in.attributeKey("code.return"), result)
	span.SetStatus(codes.Ok, "")
	return result, captured, nil
}

// attributeKey applies the advisory attribute namespace prefix to
// serialized value keys. Identity attributes keep their semconv names.
func (in *Instrumenter) attributeKey(key string) string {
	if in.cfg.AttributeNamespace == "" {
		return key
	}
	return in.cfg.AttributeNamespace + "." + key
}

// recordError writes the failure attributes and sets the span's error
// status. The error itself is never altered.
func (in *Instrumenter) recordError(span trace.Span, ser *serializer, err error) {
	data := in.errorData(err)

	ser.buf.putBool("error", true)
	ser.buf.putString("error.type", data.Type)
	ser.buf.putString("error.message", data.Message)
	ser.buf.putString("error.stacktrace", string(debug.Stack()))
	if data.Context != nil {
		ser.serializeValue(in.attributeKey("error.context"), data.Context, "", 0, resolvePerType)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, data.Message)
}

// errorData extracts structured error data: a registered converter wins,
// falling back to default extraction when it fails or returns a malformed
// result.
func (in *Instrumenter) errorData(err error) ErrorData {
	tn := typeName(reflect.TypeOf(err))

	if conv, ok := in.cfg.ErrorConverters[tn]; ok && conv != nil {
		if data, ok := runConverter(conv, err); ok {
			return data
		}
		in.logger.Warn(context.Background(), "error converter failed, using default extraction",
			observe.Field{Key: "error_type", Value: tn})
	}

	data := ErrorData{Type: tn, Message: err.Error()}
	if te, ok := err.(TypedError); ok {
		data.Type = te.ErrorType()
	}
	if ce, ok := err.(ContextualError); ok {
		data.Context = ce.ErrorContext()
	}
	return data
}

// runConverter invokes a converter, treating panics and malformed results
// as failures.
func runConverter(conv ErrorConverter, err error) (data ErrorData, ok bool) {
	defer func() {
		if recover() != nil {
			data, ok = ErrorData{}, false
		}
	}()
	data = conv(err)
	if data.Type == "" || data.Message == "" {
		return ErrorData{}, false
	}
	return data, true
}
