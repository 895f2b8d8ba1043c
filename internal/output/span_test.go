package output

import (
	"testing"

	"github.com/mrzor/exec-logger/internal/attributes"
	"github.com/mrzor/exec-logger/internal/config"
	"github.com/mrzor/exec-logger/internal/procmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (trace.Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return tp.Tracer("test"), rec
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestSpanSink_Emit(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	evaluator, err := attributes.NewEvaluator([]config.CustomAttribute{
		{Name: "exec.login_shell", Expression: `"-l" in argv`},
	}, nil)
	require.NoError(t, err)

	sink := NewSpanSink(tracer, evaluator, nil, fakeResolver{0: "root"}, Options{}, nil)
	rec := execRecord(4242, true)
	require.NoError(t, sink.Emit(rec))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	assert.Equal(t, "exec bash", span.Name())
	assert.Equal(t, rec.Time, span.StartTime())
	assert.Equal(t, rec.Time, span.EndTime())
	assert.Equal(t, codes.Unset, span.Status().Code)

	attrs := attrMap(span.Attributes())
	assert.Equal(t, int64(4242), attrs["process.pid"].AsInt64())
	assert.Equal(t, int64(1), attrs["process.parent_pid"].AsInt64())
	assert.Equal(t, "/bin/bash -l", attrs["process.command_line"].AsString())
	assert.Equal(t, "root", attrs["process.owner"].AsString())
	assert.Equal(t, "pts/0", attrs["process.tty"].AsString())
	assert.True(t, attrs["process.ancestor_match"].AsBool())
	assert.True(t, attrs["exec.login_shell"].AsBool())
}

func TestSpanSink_FailedExecSetsErrorStatus(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	sink := NewSpanSink(tracer, nil, nil, nil, Options{}, nil)

	rec := execRecord(1, false)
	rec.ReturnValue = -2
	require.NoError(t, sink.Emit(rec))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, int64(-2), attrMap(spans[0].Attributes())["process.exec.return_value"].AsInt64())
}

func TestSpanSink_TraceIDGroupsByExpression(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	traceIDs, err := attributes.NewTraceIDEvaluator(`tty`)
	require.NoError(t, err)
	sink := NewSpanSink(tracer, nil, traceIDs, nil, Options{}, nil)

	a := execRecord(1, false)
	b := execRecord(2, false)
	c := execRecord(3, false)
	c.TTY = "pts/9"
	for _, rec := range []*procmeta.Exec{a, b, c} {
		require.NoError(t, sink.Emit(rec))
	}

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, spans[0].SpanContext().TraceID(), spans[1].SpanContext().TraceID())
	assert.NotEqual(t, spans[0].SpanContext().TraceID(), spans[2].SpanContext().TraceID())
	assert.Contains(t, attrMap(spans[0].Attributes()), attribute.Key("_trace_id_expr_result"))
}

func TestSpanSink_OnlyAncestor(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	sink := NewSpanSink(tracer, nil, nil, nil, Options{OnlyAncestor: true}, nil)

	require.NoError(t, sink.Emit(execRecord(1, false)))
	assert.Empty(t, recorder.Ended())
}

func TestSpanIDFor(t *testing.T) {
	var zeroTail trace.TraceID
	zeroTail[0] = 1
	assert.True(t, spanIDFor(zeroTail).IsValid())

	id, err := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", spanIDFor(id).String())
}
