// Package agent runs the ReAct execution loop: it alternates LLM reasoning
// with tool invocations and reports everything it does as a stream of events.
//
// Invariants:
// - A run performs at most MaxIterations LLM calls.
// - Every stream ends with exactly one terminal event: complete or error.
// - Tool failures, timeouts and invalid arguments become observations fed back
//   to the model; only provider errors and cancellation end a run with error.
// - Every ToolCallRecord appended to the session carries its result.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{Provider: provider, Tools: registry})
//	stream := loop.Run(ctx, agent.RunRequest{Session: s, Message: "2+2?", Tools: selected})
//	defer stream.Close()
//	for ev := range stream.Events() {
//		fmt.Println(ev.Type, ev.Content)
//	}
package agent
