package attributes

import (
	"strings"

	"github.com/mrzor/exec-logger/internal/procmeta"
)

// Env is the variable set visible to every expression.
type Env struct {
	PID      int      `expr:"pid"`
	PPID     int      `expr:"ppid"`
	UID      int      `expr:"uid"`
	GID      int      `expr:"gid"`
	Ret      int      `expr:"ret"`
	Comm     string   `expr:"comm"`
	TTY      string   `expr:"tty"`
	Ancestor bool     `expr:"ancestor"`
	Args     string   `expr:"args"`
	Argv     []string `expr:"argv"`
}

// NewEnv builds the expression environment for a finalized execution.
func NewEnv(rec *procmeta.Exec) Env {
	var argv []string
	if rec.Args != procmeta.NoArgs {
		argv = strings.Split(rec.Args, " ")
	}
	return Env{
		PID:      int(rec.PID),
		PPID:     int(rec.PPID),
		UID:      int(rec.UID),
		GID:      int(rec.GID),
		Ret:      int(rec.ReturnValue),
		Comm:     rec.Comm,
		TTY:      rec.TTY,
		Ancestor: rec.Ancestor,
		Args:     rec.Args,
		Argv:     argv,
	}
}
