// Package bpfloader manages the lifecycle of the exec probe and its kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"
	"os"

	"github.com/mrzor/exec-logger/internal/bpf"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
)

// Names the object file must expose.
const (
	ProgExecveEntry  = "execve_entry"
	ProgExecveReturn = "execve_return"
	MapEvents        = "events"

	VarMaxArgs      = "max_args"
	VarMaxAncestors = "max_ancestors"
	VarAncestorName = "ancestor_name"

	// Kernel symbol both probes attach to. link.Kprobe adds the arch
	// specific syscall prefix (__x64_, __arm64_) when needed.
	execveSymbol = "sys_execve"
)

// DefaultObjectPath is where packages install the compiled probe.
const DefaultObjectPath = "/usr/lib/exec-logger/exec_logger.bpf.o"

// Options parameterizes the probe before it is loaded into the kernel.
type Options struct {
	ObjectPath      string
	MaxArgs         uint32
	MaxAncestors    uint32
	AncestorName    string
	PerfBufferPages int
}

// Loader manages the lifecycle of BPF programs and their attachments.
type Loader struct {
	coll       *ebpf.Collection
	entryLink  link.Link
	returnLink link.Link
}

// New loads the object at opts.ObjectPath, rewrites its tunables and loads it into the kernel.
func New(opts Options) (*Loader, error) {
	// Kernels before 5.11 account BPF memory against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %s: %w", opts.ObjectPath, err)
	}

	if err := rewriteVariables(spec, opts); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	return &Loader{coll: coll}, nil
}

// rewriteVariables sets the probe's read-only globals from opts.
func rewriteVariables(spec *ebpf.CollectionSpec, opts Options) error {
	var name [bpf.CommLen]byte
	if len(opts.AncestorName) >= len(name) {
		return fmt.Errorf("ancestor name %q longer than %d bytes", opts.AncestorName, len(name)-1)
	}
	copy(name[:], opts.AncestorName)

	values := []struct {
		name  string
		value any
	}{
		{VarMaxArgs, opts.MaxArgs},
		{VarMaxAncestors, opts.MaxAncestors},
		{VarAncestorName, name},
	}

	for _, v := range values {
		variable, ok := spec.Variables[v.name]
		if !ok {
			return fmt.Errorf("BPF object has no variable %q", v.name)
		}
		if err := variable.Set(v.value); err != nil {
			return fmt.Errorf("setting %s: %w", v.name, err)
		}
	}

	return nil
}

// closeErrorf closes all attached links and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	if l.returnLink != nil {
		_ = l.returnLink.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.returnLink = nil
	}
	if l.entryLink != nil {
		_ = l.entryLink.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.entryLink = nil
	}
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach attaches the entry kprobe and return kretprobe to execve.
func (l *Loader) Attach() error {
	entry, ok := l.coll.Programs[ProgExecveEntry]
	if !ok {
		return fmt.Errorf("BPF object has no program %q", ProgExecveEntry)
	}
	ret, ok := l.coll.Programs[ProgExecveReturn]
	if !ok {
		return fmt.Errorf("BPF object has no program %q", ProgExecveReturn)
	}

	var err error

	l.entryLink, err = link.Kprobe(execveSymbol, entry, nil)
	if err != nil {
		return l.closeErrorf("attaching execve kprobe", err)
	}

	l.returnLink, err = link.Kretprobe(execveSymbol, ret, nil)
	if err != nil {
		return l.closeErrorf("attaching execve kretprobe", err)
	}

	return nil
}

// OpenPerfReader opens a reader on the events map with pages of buffer per CPU.
func (l *Loader) OpenPerfReader(pages int) (*perf.Reader, error) {
	events, ok := l.coll.Maps[MapEvents]
	if !ok {
		return nil, fmt.Errorf("BPF object has no map %q", MapEvents)
	}
	if pages <= 0 {
		pages = 1
	}

	rd, err := perf.NewReader(events, pages*os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("opening perf buffer: %w", err)
	}
	return rd, nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	if l.returnLink != nil {
		if err := l.returnLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing execve kretprobe: %w", err))
		}
	}

	if l.entryLink != nil {
		if err := l.entryLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing execve kprobe: %w", err))
		}
	}

	l.coll.Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}

// Attachment is a perf reader bound to a loaded and attached probe.
// Closing it tears down the reader, the links and the collection.
type Attachment struct {
	*perf.Reader
	loader *Loader
}

// Attach loads the probe, attaches it and opens its perf buffer in one step.
// Everything acquired so far is released when a step fails.
func Attach(opts Options) (*Attachment, error) {
	loader, err := New(opts)
	if err != nil {
		return nil, err
	}

	if err := loader.Attach(); err != nil {
		return nil, errors.Join(err, loader.Close())
	}

	rd, err := loader.OpenPerfReader(opts.PerfBufferPages)
	if err != nil {
		return nil, errors.Join(err, loader.Close())
	}

	return &Attachment{Reader: rd, loader: loader}, nil
}

// Close releases the reader and the probe.
func (a *Attachment) Close() error {
	var errs []error
	if err := a.Reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing perf reader: %w", err))
	}
	if err := a.loader.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
