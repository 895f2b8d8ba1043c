// Package eventprocessor turns raw probe samples into messages for the renderer.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      perf buffer samples (raw)          │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   bpf.Decode                            │  ← length + tag checks
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ invalid ──────→ dropped, Stats.Discarded++
//	          │
//	          ├──→ EVENT_ARG ────→ procmeta.Manager.AppendArg
//	          │                    Message{Arg}
//	          │
//	          └──→ EVENT_RET ────→ procmeta.Manager.Complete
//	                               Message{Exec}
//
// Messages are returned in the order the samples arrived. The Processor
// is driven by a single goroutine (the probe session) and owns the
// correlation table for the duration of the run.
package eventprocessor
