package bpf

import (
	"encoding/binary"

	"github.com/mrzor/exec-logger/internal/procmeta"
)

// RawRecord mirrors struct data_t field by field. It is the producer-side
// view of a sample and is used to build records for replay and tests.
type RawRecord struct {
	PID      int32
	PPID     int32
	Ancestor int32
	Comm     [CommLen]byte
	Tag      EventTag
	Argv     [ArgLen]byte
	TTY      [TTYLen]byte
	UID      int32
	GID      int32
	Ret      int32
}

// MarshalBinary encodes r in the packed native-endian layout read by Decode.
func (r *RawRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RecordSize)
	binary.NativeEndian.PutUint32(buf[offPID:], uint32(r.PID))
	binary.NativeEndian.PutUint32(buf[offPPID:], uint32(r.PPID))
	binary.NativeEndian.PutUint32(buf[offAncestor:], uint32(r.Ancestor))
	copy(buf[offComm:offComm+CommLen], r.Comm[:])
	binary.NativeEndian.PutUint32(buf[offTag:], uint32(r.Tag))
	copy(buf[offArgv:offArgv+ArgLen], r.Argv[:])
	copy(buf[offTTY:offTTY+TTYLen], r.TTY[:])
	binary.NativeEndian.PutUint32(buf[offUID:], uint32(r.UID))
	binary.NativeEndian.PutUint32(buf[offGID:], uint32(r.GID))
	binary.NativeEndian.PutUint32(buf[offRet:], uint32(r.Ret))
	return buf, nil
}

// ArgRecord builds the record the probe emits for one argv token.
// Text longer than the argv field is truncated, as bpf_probe_read would.
func ArgRecord(pid uint32, text string) *RawRecord {
	r := &RawRecord{PID: int32(pid), Tag: EVENT_ARG}
	copy(r.Argv[:], text)
	return r
}

// RetRecord builds the record the probe emits when execve returns.
func RetRecord(c procmeta.Completion) *RawRecord {
	r := &RawRecord{
		PID:  int32(c.PID),
		PPID: int32(c.PPID),
		Tag:  EVENT_RET,
		UID:  int32(c.UID),
		GID:  int32(c.GID),
		Ret:  c.ReturnValue,
	}
	if c.Ancestor {
		r.Ancestor = 1
	}
	copy(r.Comm[:], c.Comm)
	copy(r.TTY[:], c.TTY)
	return r
}
