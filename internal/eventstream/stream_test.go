package eventstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/exec-logger/internal/bpf"
	"github.com/mrzor/exec-logger/internal/eventprocessor"
	"github.com/mrzor/exec-logger/internal/output"
	"github.com/mrzor/exec-logger/internal/probe"
	"github.com/mrzor/exec-logger/internal/probe/probetest"
	"github.com/mrzor/exec-logger/internal/procmeta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testInterval = 20 * time.Millisecond

type recordingSink struct {
	mu      sync.Mutex
	headers int
	args    []procmeta.Arg
	execs   []procmeta.Exec

	headerErr error
	emitErr   error
	panicOn   uint32
}

func (r *recordingSink) Header() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers++
	return r.headerErr
}

func (r *recordingSink) RecordArg(arg procmeta.Arg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = append(r.args, arg)
	return nil
}

func (r *recordingSink) Emit(rec *procmeta.Exec) error {
	if r.panicOn != 0 && rec.PID == r.panicOn {
		panic("renderer blew up")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emitErr != nil {
		return &output.SinkError{Sink: "test", Err: r.emitErr}
	}
	r.execs = append(r.execs, *rec)
	return nil
}

func (r *recordingSink) snapshot() (int, []procmeta.Arg, []procmeta.Exec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headers, append([]procmeta.Arg(nil), r.args...), append([]procmeta.Exec(nil), r.execs...)
}

type harness struct {
	reader    *probetest.Reader
	session   *probe.Session
	processor *eventprocessor.Processor
	sink      *recordingSink
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	rd := probetest.NewReader(256)
	return &harness{
		reader:    rd,
		session:   probe.NewSession(probe.SourceFunc(func() (probe.Reader, error) { return rd, nil }), interval, nil),
		processor: eventprocessor.NewProcessor(procmeta.NewManager(), nil),
		sink:      &recordingSink{},
	}
}

func (h *harness) stream(opts Options) *Stream {
	return New(h.session, h.processor, h.sink, opts)
}

func (h *harness) push(t *testing.T, records ...*bpf.RawRecord) {
	t.Helper()
	for _, r := range records {
		buf, err := r.MarshalBinary()
		require.NoError(t, err)
		h.reader.Push(buf)
	}
}

func TestStream_DeliversInOrder(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{})

	h.push(t,
		bpf.ArgRecord(10, "ls"),
		bpf.ArgRecord(11, "cat"),
		bpf.ArgRecord(10, "-la"),
		bpf.RetRecord(procmeta.Completion{PID: 10, Comm: "ls"}),
		bpf.RetRecord(procmeta.Completion{PID: 11, Comm: "cat"}),
	)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, _, execs := h.sink.snapshot()
		return len(execs) == 2
	}, time.Second, time.Millisecond)

	s.Stop()
	require.NoError(t, s.Wait())

	headers, args, execs := h.sink.snapshot()
	assert.Equal(t, 1, headers)
	assert.Equal(t, []procmeta.Arg{{PID: 10, Text: "ls"}, {PID: 11, Text: "cat"}, {PID: 10, Text: "-la"}}, args)
	assert.Equal(t, "ls -la", execs[0].Args)
	assert.Equal(t, "cat", execs[1].Args)
	assert.Equal(t, probe.StateStopped, h.session.State())
}

func TestStream_QuietSkipsHeader(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{Quiet: true})

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Wait())

	headers, _, _ := h.sink.snapshot()
	assert.Zero(t, headers)
}

func TestStream_StopLatencyBoundedByInterval(t *testing.T) {
	const interval = 200 * time.Millisecond

	h := newHarness(t, interval)
	s := h.stream(Options{Quiet: true})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return h.reader.Polls() >= 1 }, time.Second, time.Millisecond)

	start := time.Now()
	s.Stop()
	require.NoError(t, s.Wait())

	assert.LessOrEqual(t, time.Since(start), interval+100*time.Millisecond)
}

func TestStream_StopDrainsInFlightMessages(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{Quiet: true})

	for i := uint32(0); i < 100; i++ {
		h.push(t, bpf.ArgRecord(i, "x"), bpf.RetRecord(procmeta.Completion{PID: i}))
	}

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Wait())

	// Whatever the session processed reached the sink, nothing more.
	stats := h.processor.Stats()
	_, args, execs := h.sink.snapshot()
	assert.Equal(t, stats.Args, uint64(len(args)))
	assert.Equal(t, stats.Execs, uint64(len(execs)))
}

func TestStream_WaitIsIdempotent(t *testing.T) {
	h := newHarness(t, testInterval)
	h.sink.emitErr = errors.New("disk full")
	s := h.stream(Options{})

	h.push(t, bpf.RetRecord(procmeta.Completion{PID: 1}))
	require.NoError(t, s.Start(context.Background()))

	first := s.Wait()
	second := s.Wait()
	require.Error(t, first)
	assert.Same(t, first, second)
}

func TestStream_SinkFailureEndsRun(t *testing.T) {
	h := newHarness(t, testInterval)
	h.sink.emitErr = errors.New("broken pipe")
	s := h.stream(Options{})

	h.push(t, bpf.RetRecord(procmeta.Completion{PID: 1}), bpf.RetRecord(procmeta.Completion{PID: 2}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sink failure did not end the run")
	}

	err := s.Wait()
	var sinkErr *output.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.ErrorIs(t, err, h.sink.emitErr)
	assert.Equal(t, probe.StateStopped, h.session.State())
}

func TestStream_PanicBecomesSynchronizationError(t *testing.T) {
	h := newHarness(t, testInterval)
	h.sink.panicOn = 7
	s := h.stream(Options{Quiet: true})

	h.push(t, bpf.RetRecord(procmeta.Completion{PID: 7}))
	require.NoError(t, s.Start(context.Background()))

	err := s.WaitOrStopAfter(time.Second)
	var syncErr *SynchronizationError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "renderer", syncErr.Goroutine)
	assert.Equal(t, "renderer blew up", syncErr.Value)
	assert.NotEmpty(t, syncErr.Stack)
}

func TestStream_AttachmentFailure(t *testing.T) {
	cause := errors.New("kprobe not supported")
	session := probe.NewSession(probe.SourceFunc(func() (probe.Reader, error) { return nil, cause }), testInterval, nil)
	sink := &recordingSink{}
	s := New(session, eventprocessor.NewProcessor(procmeta.NewManager(), nil), sink, Options{})

	require.NoError(t, s.Start(context.Background()))
	err := s.Wait()

	var attachErr *probe.AttachmentError
	require.ErrorAs(t, err, &attachErr)
	assert.ErrorIs(t, err, cause)
}

func TestStream_HeaderFailure(t *testing.T) {
	h := newHarness(t, testInterval)
	h.sink.headerErr = errors.New("closed stdout")
	s := h.stream(Options{})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, h.sink.headerErr)
	assert.Same(t, err, s.Wait())
	assert.Equal(t, probe.StateCreated, h.session.State(), "no goroutine should have started")
}

func TestStream_WaitOrStopAfterStops(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{Quiet: true})

	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	require.NoError(t, s.WaitOrStopAfter(50*time.Millisecond))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+testInterval+200*time.Millisecond)
}

func TestStream_WaitOrStopAfterReturnsEarly(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{Quiet: true})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return h.session.State() == probe.StatePolling }, time.Second, time.Millisecond)
	require.NoError(t, h.reader.Close())

	start := time.Now()
	err := s.WaitOrStopAfter(time.Minute)
	assert.ErrorIs(t, err, probe.ErrSourceClosed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStream_ParentCancellation(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{Quiet: true})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.NoError(t, s.Wait())
}

func TestStream_LifecycleMisuse(t *testing.T) {
	h := newHarness(t, testInterval)
	s := h.stream(Options{Quiet: true})

	assert.ErrorIs(t, s.Wait(), ErrNotStarted)
	assert.ErrorIs(t, s.WaitOrStopAfter(time.Millisecond), ErrNotStarted)
	s.Stop() // no-op before Start

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	s.Stop()
	s.Stop()
	require.NoError(t, s.Wait())
}
