// Package orchestrator wires the per-turn pipeline: classify, assemble
// context, select tools, run the execution loop, then compact the session
// opportunistically.
//
// Invariants:
// - Turns of one session run strictly one after another, in arrival order.
// - Turns of different sessions share no mutable state.
// - Every stream ends with exactly one complete or error event.
// - Compaction never runs concurrently with a turn of the same session.
//
// Usage:
//
//	orch, err := orchestrator.New(orchestrator.Config{
//		Sessions: store,
//		Builder:  builder,
//		Tools:    registry,
//		Loop:     loop,
//		Logger:   logger,
//	})
//	stream := orch.ChatStream(ctx, "s1", "2+2?", nil)
//	for ev := range stream.Events() {
//		...
//	}
package orchestrator
