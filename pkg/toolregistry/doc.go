// Package toolregistry catalogs invocable tools, ranks them for a message and
// invokes them under a timeout.
//
// Invariants:
// - Registration by an existing name replaces the descriptor (last write wins)
//   but keeps the tool's original registration position.
// - Arguments are validated against the descriptor's JSON schema before invoke.
// - Select never invokes a tool; the permission filter runs before ranking.
// - Invoke never panics or returns an error: failures come back as a Result
//   with Success=false.
//
// Usage:
//
//	reg := toolregistry.New(toolregistry.Config{Logger: logger})
//	_ = reg.Register(toolregistry.NewTool("echo").
//		Describe("Echo the input text").
//		Param("text", "string", "text to echo", true).
//		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
//			return args["text"].(string), nil
//		}).
//		Build())
package toolregistry
