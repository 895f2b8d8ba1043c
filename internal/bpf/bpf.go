// Package bpf describes the wire format shared with the kernel-side exec
// probe and decodes raw perf samples into typed events.
package bpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/mrzor/exec-logger/internal/procmeta"
)

// Field sizes matching the C struct (TASK_COMM_LEN, ARGSIZE, TTYSIZE).
const (
	CommLen = 16
	ArgLen  = 128
	TTYLen  = 64
)

// Byte offsets of each field in a record. The layout is packed.
const (
	offPID      = 0
	offPPID     = 4
	offAncestor = 8
	offComm     = 12
	offTag      = offComm + CommLen // 28
	offArgv     = offTag + 4        // 32
	offTTY      = offArgv + ArgLen  // 160
	offUID      = offTTY + TTYLen   // 224
	offGID      = offUID + 4        // 228
	offRet      = offGID + 4        // 232

	// RecordSize is the exact length of every sample emitted by the probe.
	RecordSize = offRet + 4 // 236
)

// EventTag selects the variant carried by a record.
type EventTag int32

// Event tags matching enum event_type in the probe.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	EVENT_ARG EventTag = 0
	EVENT_RET EventTag = 1
)

func (t EventTag) String() string {
	switch t {
	case EVENT_ARG:
		return "arg"
	case EVENT_RET:
		return "ret"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// ErrInvalidRecord matches every InvalidRecordError via errors.Is.
var ErrInvalidRecord = errors.New("invalid record")

// InvalidRecordError reports a sample that cannot be decoded.
type InvalidRecordError struct {
	Length int
	Tag    EventTag // set when the length was valid but the tag was not
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record (%d bytes): %s", e.Length, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidRecord.
func (e *InvalidRecordError) Unwrap() error {
	return ErrInvalidRecord
}

// Event is a decoded record. Only the member selected by Tag is populated.
type Event struct {
	Tag        EventTag
	Arg        procmeta.Arg
	Completion procmeta.Completion
}

// Decode interprets buf as one record. The buffer must be exactly RecordSize
// bytes long; it is never truncated or padded. String fields end at the first
// NUL and invalid UTF-8 is replaced rather than rejected.
func Decode(buf []byte) (Event, error) {
	if len(buf) != RecordSize {
		return Event{}, &InvalidRecordError{
			Length: len(buf),
			Reason: fmt.Sprintf("expected %d bytes", RecordSize),
		}
	}

	tag := EventTag(int32(binary.NativeEndian.Uint32(buf[offTag:])))
	pid := binary.NativeEndian.Uint32(buf[offPID:])

	switch tag {
	case EVENT_ARG:
		return Event{
			Tag: tag,
			Arg: procmeta.Arg{
				PID:  pid,
				Text: ParseString(buf[offArgv : offArgv+ArgLen]),
			},
		}, nil
	case EVENT_RET:
		return Event{
			Tag: tag,
			Completion: procmeta.Completion{
				PID:         pid,
				PPID:        binary.NativeEndian.Uint32(buf[offPPID:]),
				Ancestor:    binary.NativeEndian.Uint32(buf[offAncestor:]) != 0,
				Comm:        ParseString(buf[offComm : offComm+CommLen]),
				TTY:         ParseString(buf[offTTY : offTTY+TTYLen]),
				UID:         binary.NativeEndian.Uint32(buf[offUID:]),
				GID:         binary.NativeEndian.Uint32(buf[offGID:]),
				ReturnValue: int32(binary.NativeEndian.Uint32(buf[offRet:])),
			},
		}, nil
	default:
		return Event{}, &InvalidRecordError{
			Length: len(buf),
			Tag:    tag,
			Reason: fmt.Sprintf("unknown event tag %d", int32(tag)),
		}
	}
}

// ParseString converts a fixed-size C char array to a string.
// The scan starts from the front so only bytes before the first NUL are used;
// without a NUL the whole span is the string.
func ParseString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
