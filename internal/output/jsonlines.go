package output

import (
	"io"
	"sync"
	"time"

	"github.com/mrzor/exec-logger/internal/identity"
	"github.com/mrzor/exec-logger/internal/procmeta"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// line is the structured form of one execution.
type line struct {
	Time        string        `json:"time,omitempty"`
	PID         uint32        `json:"pid"`
	PPID        uint32        `json:"ppid"`
	Ancestor    bool          `json:"ancestor"`
	Comm        string        `json:"comm"`
	TTY         string        `json:"tty"`
	UID         identity.Name `json:"uid"`
	GID         identity.Name `json:"gid"`
	ReturnValue int32         `json:"return_value"`
	Args        string        `json:"args"`
}

// JSONLines renders one JSON object per line.
type JSONLines struct {
	mu       sync.Mutex
	enc      *jsoniter.Encoder
	opts     Options
	resolver identity.Resolver
}

// NewJSONLines creates a structured renderer. A nil resolver renders raw ids.
func NewJSONLines(w io.Writer, resolver identity.Resolver, opts Options) *JSONLines {
	if resolver == nil {
		resolver = identity.NumericResolver{}
	}
	return &JSONLines{
		enc:      json.NewEncoder(w),
		opts:     opts,
		resolver: resolver,
	}
}

// Header writes nothing: every line is self-describing.
func (j *JSONLines) Header() error {
	return nil
}

// RecordArg implements Sink. Fragments are correlated upstream.
func (j *JSONLines) RecordArg(procmeta.Arg) error {
	return nil
}

// Emit writes rec unless it is filtered out by OnlyAncestor.
func (j *JSONLines) Emit(rec *procmeta.Exec) error {
	if j.opts.skip(rec) {
		return nil
	}

	l := line{
		PID:         rec.PID,
		PPID:        rec.PPID,
		Ancestor:    rec.Ancestor,
		Comm:        rec.Comm,
		TTY:         rec.TTY,
		UID:         j.resolver.User(rec.UID),
		GID:         j.resolver.Group(rec.GID),
		ReturnValue: rec.ReturnValue,
		Args:        rec.Args,
	}
	if j.opts.Timestamp && !rec.Time.IsZero() {
		l.Time = rec.Time.Format(time.RFC3339Nano)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	// Encode terminates each value with a newline.
	return sinkError("structured", j.enc.Encode(&l))
}
