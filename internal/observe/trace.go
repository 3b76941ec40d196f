package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every span the client records.
const tracerName = "github.com/kgr0831/KRAFTON-JUNGLE-EUM-sub000"

// Span names.
const (
	SpanConnect = "transport.connect"
	SpanFlush   = "capture.flush"
)

// Span attribute keys shared by the translation pipeline.
const (
	AttrParticipantID = attribute.Key("eum.participant.id")
	AttrRoomID        = attribute.Key("eum.room.id")
	AttrSourceLang    = attribute.Key("eum.language.source")
	AttrTargetLang    = attribute.Key("eum.language.target")
	AttrAttempt       = attribute.Key("eum.transport.attempt")
	AttrStage         = attribute.Key("eum.transport.stage")
	AttrSessionID     = attribute.Key("eum.transport.session_id")
	AttrFlushReason   = attribute.Key("eum.capture.reason")
	AttrFlushSamples  = attribute.Key("eum.capture.samples")
	AttrFlushBytes    = attribute.Key("eum.capture.bytes")
	AttrFlushDropped  = attribute.Key("eum.capture.dropped")
	AttrSampleRate    = attribute.Key("eum.capture.sample_rate")
)

// Tracer returns the client tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// StartSpan starts a span on the global provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer(nil).Start(ctx, name, opts...)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
