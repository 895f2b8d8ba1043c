package output

import (
	"errors"
	"fmt"

	"github.com/mrzor/exec-logger/internal/attributes"
	"github.com/mrzor/exec-logger/internal/procmeta"

	"go.uber.org/zap"
)

// Sink renders the message stream. Calls arrive from a single goroutine in
// source order: Header once before anything else, then any mix of
// RecordArg and Emit.
type Sink interface {
	Header() error
	RecordArg(arg procmeta.Arg) error
	Emit(rec *procmeta.Exec) error
}

// Options apply to every renderer.
type Options struct {
	// OnlyAncestor drops records whose ancestor flag is not set.
	OnlyAncestor bool
	// Timestamp adds the completion time to every record.
	Timestamp bool
}

func (o Options) skip(rec *procmeta.Exec) bool {
	return o.OnlyAncestor && !rec.Ancestor
}

// SinkError reports a renderer that could not write. It is fatal to the run.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s output: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

func sinkError(sink string, err error) error {
	if err == nil {
		return nil
	}
	var se *SinkError
	if errors.As(err, &se) {
		return err
	}
	return &SinkError{Sink: sink, Err: err}
}

// Multi fans every call out to several sinks, stopping at the first failure.
type Multi []Sink

// Header implements Sink.
func (m Multi) Header() error {
	for _, s := range m {
		if err := s.Header(); err != nil {
			return err
		}
	}
	return nil
}

// RecordArg implements Sink.
func (m Multi) RecordArg(arg procmeta.Arg) error {
	for _, s := range m {
		if err := s.RecordArg(arg); err != nil {
			return err
		}
	}
	return nil
}

// Emit implements Sink.
func (m Multi) Emit(rec *procmeta.Exec) error {
	for _, s := range m {
		if err := s.Emit(rec); err != nil {
			return err
		}
	}
	return nil
}

// Filtered forwards only records accepted by an expression filter.
// Records the filter fails to evaluate are dropped and logged.
type Filtered struct {
	next   Sink
	filter *attributes.Filter
	logger *zap.Logger
}

// NewFiltered wraps next. A nil filter returns next unchanged.
func NewFiltered(next Sink, filter *attributes.Filter, logger *zap.Logger) Sink {
	if filter == nil {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filtered{next: next, filter: filter, logger: logger}
}

// Header implements Sink.
func (f *Filtered) Header() error {
	return f.next.Header()
}

// RecordArg implements Sink.
func (f *Filtered) RecordArg(arg procmeta.Arg) error {
	return f.next.RecordArg(arg)
}

// Emit implements Sink.
func (f *Filtered) Emit(rec *procmeta.Exec) error {
	ok, err := f.filter.Match(rec)
	if err != nil {
		f.logger.Debug("filter evaluation failed, dropping record",
			zap.Uint32("pid", rec.PID),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		return nil
	}
	return f.next.Emit(rec)
}
