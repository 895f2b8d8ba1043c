package attributes

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/exec-logger/internal/config"
	"github.com/mrzor/exec-logger/internal/procmeta"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Evaluator handles compilation and evaluation of custom attribute expressions.
type Evaluator struct {
	customAttrs   []config.CustomAttribute
	compiledExprs []*vm.Program
	logger        *zap.Logger
}

// NewEvaluator creates a new attribute evaluator.
// It pre-compiles all custom attribute expressions.
func NewEvaluator(customAttrs []config.CustomAttribute, logger *zap.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	compiledExprs := make([]*vm.Program, len(customAttrs))
	for i, attr := range customAttrs {
		program, err := expr.Compile(attr.Expression, expr.Env(Env{}))
		if err != nil {
			return nil, fmt.Errorf("failed to compile expression for attribute %q: %w", attr.Name, err)
		}
		compiledExprs[i] = program
	}

	return &Evaluator{
		customAttrs:   customAttrs,
		compiledExprs: compiledExprs,
		logger:        logger,
	}, nil
}

// Evaluate runs every custom attribute expression against rec.
// Expressions that fail at run time are logged and skipped.
func (e *Evaluator) Evaluate(rec *procmeta.Exec) []attribute.KeyValue {
	if e == nil || len(e.customAttrs) == 0 || rec == nil {
		return nil
	}

	env := NewEnv(rec)

	var attrs []attribute.KeyValue
	for i, customAttr := range e.customAttrs {
		output, err := expr.Run(e.compiledExprs[i], env)
		if err != nil {
			e.logger.Warn("failed to evaluate custom attribute",
				zap.String("attribute", customAttr.Name),
				zap.Uint32("pid", rec.PID),
				zap.Error(err),
			)
			continue
		}

		// Maps expand into one attribute per key, joined with a dot.
		outputValue := reflect.ValueOf(output)
		if outputValue.Kind() == reflect.Map {
			for _, key := range outputValue.MapKeys() {
				keyStr := fmt.Sprintf("%v", key.Interface())
				attrName := customAttr.Name + "." + sanitizeAttributeName(keyStr)
				attrs = append(attrs, attribute.String(attrName, fmt.Sprint(outputValue.MapIndex(key).Interface())))
			}
			continue
		}

		attrs = append(attrs, toKeyValue(customAttr.Name, output))
	}

	return attrs
}

// toKeyValue keeps scalar types when OTel has a matching attribute kind.
func toKeyValue(name string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case bool:
		return attribute.Bool(name, val)
	case int:
		return attribute.Int(name, val)
	case int64:
		return attribute.Int64(name, val)
	case float64:
		return attribute.Float64(name, val)
	case string:
		return attribute.String(name, val)
	case []string:
		return attribute.StringSlice(name, val)
	default:
		return attribute.String(name, fmt.Sprint(v))
	}
}

// sanitizeAttributeName replaces non-alphanumeric characters with underscores.
func sanitizeAttributeName(name string) string {
	result := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result[i] = c
		} else {
			result[i] = '_'
		}
	}
	return string(result)
}
