// Package contextbuilder assembles the prompt context for one turn from the
// system prompt, matched skills, retrieved knowledge, referenced files and
// conversation history, under a fixed token budget.
//
// Invariants:
// - The token estimate of the kept blocks never exceeds the budget.
// - The current message is always kept, truncated only when it alone
//   exceeds the budget, so output is non-empty for a non-empty message.
// - A failing or slow collaborator contributes nothing; it never aborts
//   assembly.
// - Output is deterministic for identical inputs and collaborator results.
//
// Budgeting keeps blocks in descending priority (message, system, skill,
// rag, file, then history from newest to oldest). The first block that does
// not fit is truncated with a marker when at least MinBlockTokens remain,
// otherwise dropped. Rendering order is independent of priority: system,
// skills, knowledge, files, history oldest first, then the message.
package contextbuilder
