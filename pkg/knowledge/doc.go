// Package knowledge indexes a directory of Markdown and text documents into
// SQLite and serves hybrid retrieval: FTS5 keyword ranking, optionally
// combined with sqlite-vec cosine similarity when an embedder is configured.
//
// Invariants:
// - Indexed chunks stay consistent with file content hashes; unchanged files
//   are not re-chunked or re-embedded.
// - Deleting a file removes its chunks from every index.
// - Search degrades to keyword-only when embeddings fail, and fails only
//   when both methods fail.
//
// Usage:
//
//	st, _ := knowledge.New(knowledge.Config{Dir: "/docs", DBPath: "/data/knowledge.db"})
//	defer st.Close()
//	results, _ := st.Search(ctx, "refund policy", 5)
package knowledge
