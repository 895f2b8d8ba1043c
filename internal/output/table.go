package output

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/mrzor/exec-logger/internal/identity"
	"github.com/mrzor/exec-logger/internal/procmeta"
)

const (
	tableRow  = "%-16s %-6s %-6s %-6s %-6s %-6s %-9s %-6s %s\n"
	timeCol   = "%-8s "
	timeStamp = "15:04:05"
)

// Table renders one fixed-width line per execution.
type Table struct {
	mu       sync.Mutex
	w        io.Writer
	opts     Options
	resolver identity.Resolver
}

// NewTable creates a table renderer. A nil resolver renders raw ids.
func NewTable(w io.Writer, resolver identity.Resolver, opts Options) *Table {
	if resolver == nil {
		resolver = identity.NumericResolver{}
	}
	return &Table{w: w, opts: opts, resolver: resolver}
}

// Header writes the column titles.
func (t *Table) Header() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opts.Timestamp {
		if _, err := fmt.Fprintf(t.w, timeCol, "TIME"); err != nil {
			return sinkError("table", err)
		}
	}
	_, err := fmt.Fprintf(t.w, tableRow, "PCOMM", "PID", "PPID", "UID", "GID", "RET", "ANCESTOR?", "TTY", "ARGS")
	return sinkError("table", err)
}

// RecordArg implements Sink. Fragments are correlated upstream.
func (t *Table) RecordArg(procmeta.Arg) error {
	return nil
}

// Emit writes rec unless it is filtered out by OnlyAncestor.
func (t *Table) Emit(rec *procmeta.Exec) error {
	if t.opts.skip(rec) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.opts.Timestamp {
		if _, err := fmt.Fprintf(t.w, timeCol, rec.Time.Format(timeStamp)); err != nil {
			return sinkError("table", err)
		}
	}
	_, err := fmt.Fprintf(t.w, tableRow,
		rec.Comm,
		strconv.FormatUint(uint64(rec.PID), 10),
		strconv.FormatUint(uint64(rec.PPID), 10),
		t.resolver.User(rec.UID).String(),
		t.resolver.Group(rec.GID).String(),
		strconv.FormatInt(int64(rec.ReturnValue), 10),
		strconv.FormatBool(rec.Ancestor),
		rec.TTY,
		rec.Args,
	)
	return sinkError("table", err)
}
