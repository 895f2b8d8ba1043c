// Package eventstream runs the probe session and the renderer in the
// background and exposes the controls the owner needs to stop and join them.
//
// The session goroutine owns the processor (and through it the correlation
// table) and hands each message to the renderer goroutine over an unbuffered
// channel, so messages reach the sink in source order. A slow sink stalls the
// poll loop. Stop is cooperative: the session sees it at its next poll
// iteration, closes the channel and the renderer drains what is in flight.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mrzor/exec-logger/internal/eventprocessor"
	"github.com/mrzor/exec-logger/internal/output"
	"github.com/mrzor/exec-logger/internal/probe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is returned by Wait when Start was never called.
var ErrNotStarted = errors.New("event stream not started")

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("event stream already started")

// SynchronizationError reports a background goroutine that panicked.
type SynchronizationError struct {
	Goroutine string
	Value     any
	Stack     []byte
}

func (e *SynchronizationError) Error() string {
	return fmt.Sprintf("%s goroutine panicked: %v", e.Goroutine, e.Value)
}

// Options configure a Stream.
type Options struct {
	// Quiet suppresses the sink header.
	Quiet  bool
	Logger *zap.Logger
}

// Stream drives a probe session into a sink.
type Stream struct {
	session   *probe.Session
	processor *eventprocessor.Processor
	sink      output.Sink
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	done chan struct{}
	err  error
}

// New creates a stream. Nothing runs until Start.
func New(session *probe.Session, processor *eventprocessor.Processor, sink output.Sink, opts Options) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		session:   session,
		processor: processor,
		sink:      sink,
		opts:      opts,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start writes the header (unless quiet) and launches the session and
// renderer goroutines. It returns without waiting for either.
//
// Stop is the lossless way to end a run. Cancelling ctx aborts it: a message
// being handed to the renderer at that moment may be dropped.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	if !s.opts.Quiet {
		if err := s.sink.Header(); err != nil {
			s.finish(err)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	s.cancel = cancel

	ch := make(chan eventprocessor.Message)

	g.Go(guard("probe session", func() error {
		defer close(ch)

		err := s.session.Run(runCtx, func(raw []byte) error {
			msg, ok := s.processor.Process(raw)
			if !ok {
				return nil
			}
			select {
			case ch <- msg:
				return nil
			case <-gctx.Done():
				return context.Cause(gctx)
			}
		})
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// The owner cancelled the parent context.
			return nil
		}
		return err
	}))

	g.Go(guard("renderer", func() error {
		for msg := range ch {
			if err := s.render(msg); err != nil {
				return err
			}
		}
		return nil
	}))

	go func() {
		err := g.Wait()
		cancel()
		s.finish(err)
	}()

	s.logger.Debug("event stream started", zap.Bool("quiet", s.opts.Quiet))
	return nil
}

func (s *Stream) render(msg eventprocessor.Message) error {
	switch {
	case msg.Arg != nil:
		return s.sink.RecordArg(*msg.Arg)
	case msg.Exec != nil:
		return s.sink.Emit(msg.Exec)
	default:
		return nil
	}
}

func (s *Stream) finish(err error) {
	s.err = err
	close(s.done)
}

// Stop requests a cooperative stop and returns immediately. It is safe to
// call more than once and before Start.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until both goroutines have exited and returns the first error
// either reported. Later calls return the same result.
func (s *Stream) Wait() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	<-s.done
	return s.err
}

// WaitOrStopAfter waits up to d, then calls Stop and waits for the
// goroutines to exit. It returns early if the run ends on its own.
func (s *Stream) WaitOrStopAfter(d time.Duration) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if !started {
		return ErrNotStarted
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Info("wait elapsed, stopping", zap.Duration("after", d))
		s.Stop()
	}
	return s.Wait()
}

// Done is closed once the run has ended.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// guard turns a panic in fn into a SynchronizationError.
func guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &SynchronizationError{Goroutine: name, Value: r, Stack: debug.Stack()}
			}
		}()
		return fn()
	}
}
