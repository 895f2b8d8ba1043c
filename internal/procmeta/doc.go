// Package procmeta holds the per-execution data model and the pid-keyed
// correlation table that joins argument fragments with their completion.
//
// An execve produces a burst of argument fragments followed by exactly one
// completion, all carrying the same pid:
//
//	ArgFragment(pid) ──┐
//	ArgFragment(pid) ──┼──→ Manager.AppendArg ──→ args[pid] = [a0 a1 ...]
//	ArgFragment(pid) ──┘
//	Completion(pid) ───────→ Manager.Complete ──→ Exec{..., Args: "a0 a1 ..."}
//	                                              args[pid] deleted
//
// Fragments of different pids interleave freely; only the per-pid order
// matters. Complete is the single release point for a pid's entry. An entry
// whose completion is never observed stays in the table for the lifetime of
// the Manager, and a later process reusing the pid inherits the leftovers.
// Both are known limitations of keying by pid alone.
//
// Manager methods are safe for concurrent use; each call is one critical
// section.
package procmeta
