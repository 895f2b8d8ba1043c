package procmeta

import (
	"strings"
	"sync"
)

// Manager correlates argument fragments with completions by pid.
type Manager struct {
	mu   sync.Mutex
	args map[uint32][]string // PID -> fragments in arrival order
}

// NewManager creates an empty correlation table.
func NewManager() *Manager {
	return &Manager{
		args: make(map[uint32][]string),
	}
}

// AppendArg records a fragment for pid, creating the entry if needed (command).
func (m *Manager) AppendArg(pid uint32, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.args[pid] = append(m.args[pid], text)
}

// Complete removes the entry for c.PID and returns the finalized execution (command).
// Fragments are joined with a single space; NoArgs is used when none were recorded.
func (m *Manager) Complete(c Completion) Exec {
	m.mu.Lock()
	fragments, ok := m.args[c.PID]
	delete(m.args, c.PID)
	m.mu.Unlock()

	args := NoArgs
	if ok {
		args = strings.Join(fragments, " ")
	}

	return Exec{
		Completion: c,
		Args:       args,
	}
}

// Pending returns a copy of the fragments recorded for pid (query).
// Returns nil if the pid has no entry.
func (m *Manager) Pending(pid uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	fragments, ok := m.args[pid]
	if !ok {
		return nil
	}
	out := make([]string, len(fragments))
	copy(out, fragments)
	return out
}

// Len returns the number of pids waiting for a completion (query).
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.args)
}
