// Package workspace gives the engine read-only access to a directory of
// user files: paths referenced in a message as @path (globs allowed), the
// read_file tool, and the persona files AGENTS.md and SOUL.md that seed the
// system prompt. A Watcher reports debounced changes so dependents such as
// the skill catalog can hot-reload.
//
// Invariants:
// - No path resolved by this package escapes the workspace root.
// - Reads are bounded by a byte limit; truncation is reported, never silent.
//
// Usage:
//
//	r, err := workspace.NewReader(workspace.Config{Root: "~/agentd/workspace"})
//	files, err := r.ReadReferenced(ctx, "summarize @docs/*.md")
package workspace
