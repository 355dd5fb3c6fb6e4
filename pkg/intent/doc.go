// Package intent classifies user messages into structured intents.
//
// Invariants:
// - Rules are evaluated first; the longest matched keyword or pattern wins and
//   ties go to the rule registered first.
// - The LLM fallback is bounded by a timeout. A timeout or malformed reply yields
//   the degraded default intent (conversation, confidence 0) instead of an error.
// - With a fixed rule table and a deterministic LLM, Classify is pure.
//
// Usage:
//
//	c, _ := intent.New(intent.Config{LLM: completer, Logger: logger})
//	defer c.Close()
//	in := c.Classify(ctx, intent.Request{Message: "2+2?"})
package intent
