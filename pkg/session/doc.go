// Package session holds per-conversation state: ordered turns, the tool call
// ledger and a running token estimate, with optional JSONL persistence and
// compaction of old turns into a summary.
//
// Invariants:
// - Turns are append-only and insertion ordered; only compaction replaces a
//   prefix, with exactly one summary turn followed by the preserved turns.
// - Each session has its own mutex; no lock spans sessions.
// - Compaction never fails the caller: summarization errors fall back to a
//   deterministic truncation summary.
//
// Usage:
//
//	store, _ := session.NewStore(session.Config{Dir: dir, Logger: logger})
//	sess, _ := store.GetOrCreate(ctx, "s1")
//	_ = sess.AppendTurn(ctx, session.Turn{Role: session.RoleUser, Content: "hi"})
//	res := compactor.Compact(ctx, sess, false)
package session
