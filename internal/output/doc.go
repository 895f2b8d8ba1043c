// Package output renders finalized executions.
//
// Every renderer implements Sink:
//   - Table: fixed-width columns for terminals
//   - JSONLines: one JSON object per line
//   - SpanSink: one OpenTelemetry span per execution
//
// Multi fans out to several sinks and Filtered applies an expression filter
// in front of one. Renderers do not correlate anything: they receive
// completed records from the event processor and ignore argument fragments.
//
// Write failures are returned as *SinkError and end the run.
package output
