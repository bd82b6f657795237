package instrument

import (
	"context"
	"testing"

	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// BenchmarkSerialize_Scalar measures flat scalar serialization.
func BenchmarkSerialize_Scalar(b *testing.B) {
	s, _ := benchSerializer()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.buf.kvs = s.buf.kvs[:0]
		s.serializeValue("p", "value", "", 0, resolvePerType)
	}
}

// BenchmarkSerialize_NestedMap measures recursive flattening.
func BenchmarkSerialize_NestedMap(b *testing.B) {
	s, _ := benchSerializer()
	value := map[string]any{
		"user": map[string]any{
			"name": "ada",
			"age":  37,
		},
		"items": []string{"a", "b", "c"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.buf.kvs = s.buf.kvs[:0]
		s.serializeValue("p", value, "", 0, resolvePerType)
	}
}

// BenchmarkSerialize_Redacted measures the redaction fast path.
func BenchmarkSerialize_Redacted(b *testing.B) {
	cfg := NewConfig()
	cfg.PIIFilters = []string{"password"}
	buf := &attrBuffer{}
	s := &serializer{policy: compilePolicy(cfg), buf: buf}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.buf.kvs = s.buf.kvs[:0]
		s.serializeValue("p", "hunter2", "password", 0, resolvePerType)
	}
}

// BenchmarkInstrument measures the full wrap with a noop tracer.
func BenchmarkInstrument(b *testing.B) {
	tracer := tracenoop.NewTracerProvider().Tracer("bench")
	in, err := New(tracer, nil)
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}

	scope := NewScope(nil).Bind("order_id", "A1").Bind("amount", 25)
	work := func(ctx context.Context) (any, error) { return "done", nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := in.Instrument(context.Background(), scope, work); err != nil {
			b.Fatalf("Instrument failed: %v", err)
		}
	}
}

func benchSerializer() (*serializer, *attrBuffer) {
	buf := &attrBuffer{}
	return &serializer{policy: compilePolicy(NewConfig()), buf: buf}, buf
}
