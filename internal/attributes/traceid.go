package attributes

import (
	"crypto/sha256"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/exec-logger/internal/procmeta"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDEvaluator maps executions to a trace ID so that related executions
// (same tty, same ancestor session) land in the same trace.
type TraceIDEvaluator struct {
	program *vm.Program
	rawExpr string
}

// NewTraceIDEvaluator creates a new trace ID evaluator.
// If exprStr is empty, every execution gets its own random trace.
func NewTraceIDEvaluator(exprStr string) (*TraceIDEvaluator, error) {
	if exprStr == "" {
		return &TraceIDEvaluator{}, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(Env{}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}

	return &TraceIDEvaluator{
		program: program,
		rawExpr: exprStr,
	}, nil
}

// EvaluateAndValidate evaluates the trace-id expression for rec.
// A 32 hex character result is used as is; anything else is hashed with
// SHA-256 and reported in the returned warnings. A zero trace ID means the
// caller should let the SDK generate one.
func (e *TraceIDEvaluator) EvaluateAndValidate(rec *procmeta.Exec) (trace.TraceID, []attribute.KeyValue, error) {
	if e == nil || e.program == nil {
		return trace.TraceID{}, nil, nil
	}

	output, err := expr.Run(e.program, NewEnv(rec))
	if err != nil {
		return trace.TraceID{}, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)

	if len(resultStr) == 32 {
		if traceID, err := trace.TraceIDFromHex(resultStr); err == nil {
			return traceID, nil, nil
		}
	}

	var traceID trace.TraceID
	hash := sha256.Sum256([]byte(resultStr))
	copy(traceID[:], hash[:16])

	warnings := []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
		attribute.String("_trace_id_invalid_warning", fmt.Sprintf("Expression result %q is not a valid 32-char hex trace ID, used SHA-256 hash instead", resultStr)),
	}

	return traceID, warnings, nil
}

// String returns the source expression.
func (e *TraceIDEvaluator) String() string {
	if e == nil {
		return ""
	}
	return e.rawExpr
}
