package procmeta

import "time"

// NoArgs is the argument string of an execution whose fragments were never seen.
const NoArgs = "-"

// Arg is a single captured argv token.
type Arg struct {
	PID  uint32
	Text string
}

// Completion carries the process identity and outcome reported when execve returns.
type Completion struct {
	PID         uint32
	PPID        uint32
	Ancestor    bool // configured ancestor found in the process tree
	Comm        string
	TTY         string
	UID         uint32
	GID         uint32
	ReturnValue int32
}

// Exec is a finalized execution: a completion joined with its arguments.
type Exec struct {
	Completion
	Args string
	// Time is when the completion was processed. Zero unless the caller sets it.
	Time time.Time
}
