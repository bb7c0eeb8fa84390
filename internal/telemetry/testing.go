package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry keeps ended spans in memory so tests can inspect the span
// tree of a session run.
type TestTelemetry struct {
	*Telemetry
	Recorder *tracetest.SpanRecorder
}

func NewTestTelemetry() *TestTelemetry {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	return &TestTelemetry{Telemetry: &Telemetry{tracerProvider: tp}, Recorder: rec}
}

// SpanNames lists ended spans in the order they ended.
func (t *TestTelemetry) SpanNames() []string {
	var names []string
	for _, s := range t.Recorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}

// Attribute returns the value of key on the first ended span called name.
func (t *TestTelemetry) Attribute(name string, key attribute.Key) (attribute.Value, bool) {
	for _, s := range t.Recorder.Ended() {
		if s.Name() != name {
			continue
		}
		for _, kv := range s.Attributes() {
			if kv.Key == key {
				return kv.Value, true
			}
		}
	}
	return attribute.Value{}, false
}
