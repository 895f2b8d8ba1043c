// Package probetest provides an in-memory probe.Reader for tests.
package probetest

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/perf"
)

type sample struct {
	raw  []byte
	lost uint64
}

// Reader replays queued samples and otherwise blocks until its deadline,
// like a perf reader on an idle probe.
type Reader struct {
	samples chan sample
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time

	polls atomic.Int64
}

// NewReader returns a Reader able to hold up to capacity unread samples.
func NewReader(capacity int) *Reader {
	return &Reader{
		samples: make(chan sample, capacity),
		closed:  make(chan struct{}),
	}
}

// Push queues raw samples. It blocks when the queue is full.
func (r *Reader) Push(raws ...[]byte) {
	for _, raw := range raws {
		r.samples <- sample{raw: raw}
	}
}

// PushLost queues a lost-samples notification.
func (r *Reader) PushLost(n uint64) {
	r.samples <- sample{lost: n}
}

// Polls returns how many times SetDeadline has been called.
func (r *Reader) Polls() int64 {
	return r.polls.Load()
}

// Closed reports whether Close has been called.
func (r *Reader) Closed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// SetDeadline implements probe.Reader.
func (r *Reader) SetDeadline(t time.Time) {
	r.mu.Lock()
	r.deadline = t
	r.mu.Unlock()
	r.polls.Add(1)
}

// ReadInto implements probe.Reader.
func (r *Reader) ReadInto(rec *perf.Record) error {
	r.mu.Lock()
	deadline := r.deadline
	r.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-r.closed:
		return perf.ErrClosed
	default:
	}

	select {
	case s := <-r.samples:
		rec.RawSample = s.raw
		rec.LostSamples = s.lost
		return nil
	case <-timeout:
		return os.ErrDeadlineExceeded
	case <-r.closed:
		return perf.ErrClosed
	}
}

// Close implements probe.Reader.
func (r *Reader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
