package eventprocessor

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/mrzor/exec-logger/internal/bpf"
	"github.com/mrzor/exec-logger/internal/procmeta"

	"go.uber.org/zap"
)

// Message is one unit of renderer work. Exactly one field is set.
type Message struct {
	Arg  *procmeta.Arg
	Exec *procmeta.Exec
}

// Stats counts what the processor has seen.
type Stats struct {
	Args      uint64
	Execs     uint64
	Discarded uint64
}

// Processor decodes samples, feeds the correlation table and produces messages.
type Processor struct {
	manager *procmeta.Manager
	logger  *zap.Logger
	now     func() time.Time

	args      atomic.Uint64
	execs     atomic.Uint64
	discarded atomic.Uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the clock used to stamp completed executions.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a processor that correlates through manager.
func NewProcessor(manager *procmeta.Manager, logger *zap.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		manager: manager,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one raw sample and returns the message it produced.
// Invalid samples are dropped and counted, and ok is false.
func (p *Processor) Process(raw []byte) (msg Message, ok bool) {
	event, err := bpf.Decode(raw)
	if err != nil {
		p.discard(err)
		return Message{}, false
	}

	switch event.Tag {
	case bpf.EVENT_ARG:
		arg := event.Arg
		p.manager.AppendArg(arg.PID, arg.Text)
		p.args.Add(1)
		return Message{Arg: &arg}, true
	case bpf.EVENT_RET:
		exec := p.manager.Complete(event.Completion)
		exec.Time = p.now()
		p.execs.Add(1)
		return Message{Exec: &exec}, true
	default:
		// Decode rejects unknown tags.
		return Message{}, false
	}
}

func (p *Processor) discard(err error) {
	p.discarded.Add(1)

	var invalid *bpf.InvalidRecordError
	if !errors.As(err, &invalid) {
		p.logger.Debug("discarding record", zap.Error(err))
		return
	}
	p.logger.Debug("discarding invalid record",
		zap.Int("length", invalid.Length),
		zap.Stringer("tag", invalid.Tag),
		zap.String("reason", invalid.Reason),
	)
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Args:      p.args.Load(),
		Execs:     p.execs.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Pending returns how many pids still wait for a completion.
func (p *Processor) Pending() int {
	return p.manager.Len()
}
