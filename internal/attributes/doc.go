// Package attributes compiles and evaluates expr-lang expressions against
// finalized executions.
//
// Every expression sees the same variables (see Env): pid, ppid, uid, gid,
// ret, comm, tty, ancestor, args (the joined argument string) and argv (args
// split on spaces).
//
// Three evaluators:
//   - Filter: boolean predicate deciding whether a record is emitted
//   - Evaluator: custom span attributes, maps expand to name.key
//   - TraceIDEvaluator: groups executions into traces (32 hex chars, hashed otherwise)
package attributes
