package output

import (
	"context"
	"fmt"
	"time"

	"github.com/mrzor/exec-logger/internal/attributes"
	"github.com/mrzor/exec-logger/internal/identity"
	"github.com/mrzor/exec-logger/internal/procmeta"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SpanSink exports every execution as a zero-duration span.
type SpanSink struct {
	tracer    trace.Tracer
	evaluator *attributes.Evaluator
	traceIDs  *attributes.TraceIDEvaluator
	resolver  identity.Resolver
	opts      Options
	logger    *zap.Logger
}

// NewSpanSink creates a span exporter. evaluator and traceIDs may be nil.
func NewSpanSink(
	tracer trace.Tracer,
	evaluator *attributes.Evaluator,
	traceIDs *attributes.TraceIDEvaluator,
	resolver identity.Resolver,
	opts Options,
	logger *zap.Logger,
) *SpanSink {
	if resolver == nil {
		resolver = identity.NumericResolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpanSink{
		tracer:    tracer,
		evaluator: evaluator,
		traceIDs:  traceIDs,
		resolver:  resolver,
		opts:      opts,
		logger:    logger,
	}
}

// Header implements Sink.
func (s *SpanSink) Header() error {
	return nil
}

// RecordArg implements Sink.
func (s *SpanSink) RecordArg(procmeta.Arg) error {
	return nil
}

// Emit starts and ends one span for rec.
func (s *SpanSink) Emit(rec *procmeta.Exec) error {
	if s.opts.skip(rec) {
		return nil
	}

	ctx := context.Background()

	traceID, warnings, err := s.traceIDs.EvaluateAndValidate(rec)
	if err != nil {
		s.logger.Debug("trace-id expression failed, using a random trace",
			zap.Uint32("pid", rec.PID),
			zap.Error(err),
		)
	} else if traceID.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanIDFor(traceID),
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		}))
	}

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	_, span := s.tracer.Start(ctx, "exec "+rec.Comm,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(ts),
	)

	span.SetAttributes(
		semconv.ProcessPID(int(rec.PID)),
		semconv.ProcessParentPID(int(rec.PPID)),
		semconv.ProcessExecutableName(rec.Comm),
		semconv.ProcessCommandLine(rec.Args),
		semconv.ProcessOwner(s.resolver.User(rec.UID).String()),
		attribute.Int("process.owner.uid", int(rec.UID)),
		attribute.Int("process.owner.gid", int(rec.GID)),
		attribute.String("process.tty", rec.TTY),
		attribute.Bool("process.ancestor_match", rec.Ancestor),
		attribute.Int("process.exec.return_value", int(rec.ReturnValue)),
	)
	if len(warnings) > 0 {
		span.SetAttributes(warnings...)
	}
	if custom := s.evaluator.Evaluate(rec); len(custom) > 0 {
		span.SetAttributes(custom...)
	}

	if rec.ReturnValue != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("execve returned %d", rec.ReturnValue))
	}

	span.End(trace.WithTimestamp(ts))
	return nil
}

// spanIDFor derives a stable, valid parent span id from a trace id.
func spanIDFor(traceID trace.TraceID) trace.SpanID {
	var id trace.SpanID
	copy(id[:], traceID[8:])
	if !id.IsValid() {
		id[len(id)-1] = 1
	}
	return id
}
