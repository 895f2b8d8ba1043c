// Package probe runs the blocking poll loop over the kernel exec probe.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/perf"
	"go.uber.org/zap"
)

// State is the position of a Session in its lifecycle.
type State int32

// Created → Attached → Polling → Stopped. There is no way back from Stopped.
const (
	StateCreated State = iota
	StateAttached
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAttached:
		return "attached"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Reader is the subset of *perf.Reader the poll loop needs.
type Reader interface {
	SetDeadline(t time.Time)
	ReadInto(rec *perf.Record) error
	Close() error
}

// Source attaches to the kernel and returns a reader over its samples.
type Source interface {
	Attach() (Reader, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Reader, error)

// Attach calls f.
func (f SourceFunc) Attach() (Reader, error) {
	return f()
}

// Handler receives every raw sample in the order the source produced it.
// raw is only valid for the duration of the call. A non-nil error ends the
// session.
type Handler func(raw []byte) error

// ErrSourceClosed is returned when the reader is closed underneath the loop.
var ErrSourceClosed = errors.New("probe source closed")

// ErrAlreadyRun is returned by Run on a session that has left StateCreated.
var ErrAlreadyRun = errors.New("probe session already run")

// AttachmentError reports that the source could not be attached. Polling never started.
type AttachmentError struct {
	Err error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attaching probe: %v", e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

// Session polls a Source with a bounded wait and forwards samples to a Handler.
type Session struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger

	state atomic.Int32
	lost  atomic.Uint64
}

// NewSession creates a session that waits at most interval per poll.
func NewSession(source Source, interval time.Duration, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LostSamples returns how many samples the kernel dropped because the perf buffer was full.
func (s *Session) LostSamples() uint64 {
	return s.lost.Load()
}

// Run attaches to the source and polls until ctx is cancelled, the handler
// fails or the reader breaks. Cancellation is observed once per poll
// iteration and never interrupts a wait in progress, so Run returns at most
// one interval (plus in-flight handler work) after ctx is done.
func (s *Session) Run(ctx context.Context, handle Handler) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateAttached)) {
		return ErrAlreadyRun
	}
	defer s.state.Store(int32(StateStopped))

	rd, err := s.source.Attach()
	if err != nil {
		return &AttachmentError{Err: err}
	}
	defer func() {
		if err := rd.Close(); err != nil {
			s.logger.Warn("closing probe reader", zap.Error(err))
		}
	}()

	s.state.Store(int32(StatePolling))
	s.logger.Debug("polling", zap.Duration("interval", s.interval))

	var rec perf.Record
	for ctx.Err() == nil {
		if err := s.poll(rd, &rec, handle); err != nil {
			return err
		}
	}

	s.logger.Debug("stop observed, leaving poll loop")
	return nil
}

// poll forwards samples until the iteration deadline passes.
func (s *Session) poll(rd Reader, rec *perf.Record, handle Handler) error {
	deadline := time.Now().Add(s.interval)
	rd.SetDeadline(deadline)

	for {
		err := rd.ReadInto(rec)
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil
		case errors.Is(err, perf.ErrClosed):
			return ErrSourceClosed
		case err != nil:
			return fmt.Errorf("reading perf buffer: %w", err)
		}

		if rec.LostSamples > 0 {
			s.lost.Add(rec.LostSamples)
			s.logger.Warn("perf buffer full, samples dropped", zap.Uint64("lost", rec.LostSamples))
		} else if err := handle(rec.RawSample); err != nil {
			return err
		}

		// A busy source never lets ReadInto hit the deadline on its own.
		if !time.Now().Before(deadline) {
			return nil
		}
	}
}
