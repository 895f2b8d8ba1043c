package attributes

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/mrzor/exec-logger/internal/procmeta"
)

// Filter is a compiled boolean predicate over executions.
// A nil *Filter matches everything.
type Filter struct {
	program *vm.Program
	source  string
}

// NewFilter compiles src. An empty src yields a nil filter.
func NewFilter(src string) (*Filter, error) {
	if src == "" {
		return nil, nil
	}

	program, err := expr.Compile(src, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}

	return &Filter{program: program, source: src}, nil
}

// Match reports whether rec satisfies the predicate.
func (f *Filter) Match(rec *procmeta.Exec) (bool, error) {
	if f == nil {
		return true, nil
	}

	out, err := expr.Run(f.program, NewEnv(rec))
	if err != nil {
		return false, fmt.Errorf("evaluating filter %q: %w", f.source, err)
	}

	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.source, out)
	}
	return matched, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}
