// Package coretools provides the built-in tools: arithmetic, the current
// time, knowledge base search and workspace file reads.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/knowledge"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

// KnowledgeSearcher is the retrieval the knowledge_search tool needs.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.SearchResult, error)
}

// Options selects and configures the built-in tools. Tools whose backing
// component is nil are not registered.
type Options struct {
	Workspace *workspace.Reader
	Knowledge KnowledgeSearcher
	// Location is the default zone for current_time.
	Location *time.Location
	Now      func() time.Time
}

// Register adds every available built-in tool to reg.
func Register(reg *toolregistry.Registry, opts Options) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	for _, d := range Builtins(opts) {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", d.Name, err)
		}
	}
	return nil
}

// Builtins returns the descriptors Register would add.
func Builtins(opts Options) []toolregistry.Descriptor {
	tools := []toolregistry.Descriptor{
		calculatorTool(),
		currentTimeTool(opts),
	}
	if opts.Knowledge != nil {
		tools = append(tools, knowledgeSearchTool(opts.Knowledge))
	}
	if opts.Workspace != nil {
		tools = append(tools, readFileTool(opts.Workspace))
	}
	return tools
}

func calculatorTool() toolregistry.Descriptor {
	return toolregistry.NewTool("calculator").
		Describe("Evaluate an arithmetic expression with + - * / % ^ and parentheses.").
		Param("expression", "string", "Expression to evaluate, e.g. (2+3)*4", true).
		Category(toolregistry.CategoryMath).
		Keywords("calculate", "compute", "math", "arithmetic", "计算", "等于", "多少").
		Timeout(2 * time.Second).
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			expr, _ := args["expression"].(string)
			v, err := Evaluate(expr)
			if err != nil {
				return "", err
			}
			return FormatNumber(v), nil
		}).
		Build()
}

func currentTimeTool(opts Options) toolregistry.Descriptor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return toolregistry.NewTool("current_time").
		Describe("Return the current date and time.").
		Param("timezone", "string", "IANA zone such as Asia/Shanghai; defaults to the server zone", false).
		Category(toolregistry.CategoryTime).
		Keywords("time", "date", "today", "now", "时间", "日期", "几点", "今天").
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			zone := loc
			if name, _ := args["timezone"].(string); strings.TrimSpace(name) != "" {
				z, err := time.LoadLocation(strings.TrimSpace(name))
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", name)
				}
				zone = z
			}
			t := now().In(zone)
			return fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04:05 MST"), t.Weekday()), nil
		}).
		Build()
}

func knowledgeSearchTool(searcher KnowledgeSearcher) toolregistry.Descriptor {
	return toolregistry.NewTool("knowledge_search").
		Describe("Search the knowledge base for passages relevant to a query.").
		Param("query", "string", "What to look for", true).
		Param("limit", "integer", "Maximum passages to return (default 3)", false).
		Category(toolregistry.CategoryKnowledge).
		Keywords("search", "knowledge", "document", "docs", "policy", "文档", "知识库", "查询", "资料").
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := args["query"].(string)
			limit := 3
			if raw, ok := args["limit"].(float64); ok && raw > 0 {
				limit = int(raw)
			}
			results, err := searcher.Search(ctx, query, limit)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No relevant passages found.", nil
			}
			var b strings.Builder
			for i, r := range results {
				fmt.Fprintf(&b, "[%d] %s (score %.2f)\n%s\n\n", i+1, r.Source, r.Score, r.Content)
			}
			return strings.TrimSpace(b.String()), nil
		}).
		Build()
}

func readFileTool(ws *workspace.Reader) toolregistry.Descriptor {
	return toolregistry.NewTool("read_file").
		Describe("Read a text file from the workspace.").
		Param("path", "string", "Path relative to the workspace root", true).
		Param("max_bytes", "integer", "Maximum bytes to read", false).
		Category(toolregistry.CategoryFile).
		Keywords("file", "read", "open", "文件", "读取").
		Invoke(func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			var limit int64
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				limit = int64(raw)
			}
			f, err := ws.ReadFile(path, limit)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(map[string]interface{}{
				"path":      f.Path,
				"content":   f.Content,
				"truncated": f.Truncated,
			})
			if err != nil {
				return "", err
			}
			return string(out), nil
		}).
		Build()
}
