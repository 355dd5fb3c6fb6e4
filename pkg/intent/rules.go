package intent

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rule maps keywords or patterns to an intent.
type Rule struct {
	Name           string
	Keywords       []string
	Patterns       []*regexp.Regexp
	TaskType       TaskType
	Complexity     Complexity
	SuggestedTools []string
	Confidence     float64
	MultiStep      bool
	Capabilities   Capabilities
}

// specificity returns the rune length of the longest keyword or pattern match
// in msg, or 0 when the rule does not match. lower is msg lowercased.
func (r *Rule) specificity(msg, lower string) int {
	best := 0
	for _, kw := range r.Keywords {
		k := strings.ToLower(kw)
		if k == "" || !containsKeyword(lower, k) {
			continue
		}
		if n := utf8.RuneCountInString(k); n > best {
			best = n
		}
	}
	for _, p := range r.Patterns {
		for _, m := range p.FindAllString(msg, -1) {
			if n := utf8.RuneCountInString(m); n > best {
				best = n
			}
		}
	}
	return best
}

// containsKeyword matches CJK keywords as substrings and ASCII keywords on word
// boundaries, so "hi" does not match "this".
func containsKeyword(text, kw string) bool {
	if !isASCIIWordish(kw) {
		return strings.Contains(text, kw)
	}
	for start := 0; ; {
		i := strings.Index(text[start:], kw)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(kw)
		before, _ := utf8.DecodeLastRuneInString(text[:i])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		start = i + 1
	}
}

func isASCIIWordish(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

// RuleTable is an ordered rule list. It is not safe for concurrent mutation;
// build it before handing it to a Classifier.
type RuleTable struct {
	rules []Rule
}

// NewRuleTable returns a table holding rules in the given order.
func NewRuleTable(rules ...Rule) *RuleTable {
	t := &RuleTable{}
	for _, r := range rules {
		t.Add(r)
	}
	return t
}

// Add appends r; later rules lose ties against earlier ones.
func (t *RuleTable) Add(r Rule) {
	t.rules = append(t.rules, r)
}

func (t *RuleTable) Len() int { return len(t.rules) }

// Match returns the most specific matching rule.
func (t *RuleTable) Match(msg string) (Rule, bool) {
	lower := strings.ToLower(msg)
	bestIdx, bestSpec := -1, 0
	for i := range t.rules {
		if s := t.rules[i].specificity(msg, lower); s > bestSpec {
			bestIdx, bestSpec = i, s
		}
	}
	if bestIdx < 0 {
		return Rule{}, false
	}
	return t.rules[bestIdx], true
}

func (r Rule) intent() Intent {
	complexity := r.Complexity
	if complexity == "" {
		complexity = ComplexityLow
	}
	steps := 1
	if r.MultiStep {
		steps = 3
	}
	caps := r.Capabilities
	if len(r.SuggestedTools) > 0 {
		caps.Tools = true
	}
	return Intent{
		TaskType:       r.TaskType,
		Complexity:     complexity,
		IsMultiStep:    r.MultiStep,
		SuggestedTools: append([]string(nil), r.SuggestedTools...),
		Confidence:     r.Confidence,
		SurfaceIntent:  r.Name,
		Capabilities:   caps,
		EstimatedSteps: steps,
		Source:         SourceRule,
		MatchedRule:    r.Name,
	}
}

var historyRefs = regexp.MustCompile(`(?i)(之前|刚才|上面|前面|我叫什么|我的名字|earlier|previous(ly)?|above|what'?s my name|you said|we discussed)`)

// ReferencesHistory reports whether msg points back at earlier turns.
func ReferencesHistory(msg string) bool {
	return historyRefs.MatchString(msg)
}

// DefaultRules is the built-in table. High confidence rules clear the default
// threshold; the generic task rules below them only act as hints when no LLM
// fallback is configured.
func DefaultRules() *RuleTable {
	return NewRuleTable(
		Rule{
			Name:       "greeting",
			Keywords:   []string{"你好", "您好", "嗨", "早上好", "晚上好", "hello", "hi", "hey", "good morning", "good evening"},
			TaskType:   TaskConversation,
			Confidence: 0.95,
		},
		Rule{
			Name:       "thanks",
			Keywords:   []string{"谢谢", "感谢", "多谢", "thanks", "thank you", "thx"},
			TaskType:   TaskConversation,
			Confidence: 0.95,
		},
		Rule{
			Name:           "time",
			Keywords:       []string{"几点", "现在时间", "今天几号", "什么时间", "今天星期几", "what time", "current time", "today's date"},
			TaskType:       TaskQuery,
			SuggestedTools: []string{"current_time"},
			Confidence:     0.93,
		},
		Rule{
			Name:           "arithmetic",
			Keywords:       []string{"calculate", "算一下", "等于多少"},
			Patterns:       []*regexp.Regexp{regexp.MustCompile(`\d+(\.\d+)?\s*[-+*/×÷^%]\s*\(?\s*\d+(\.\d+)?`)},
			TaskType:       TaskQuery,
			SuggestedTools: []string{"calculator"},
			Confidence:     0.95,
		},
		Rule{
			Name:         "shell",
			Keywords:     []string{"执行命令", "运行命令", "run the command", "run command"},
			Patterns:     []*regexp.Regexp{regexp.MustCompile(`^\s*(ls|cd|pwd|grep|git|docker|kubectl|make)(\s|$)`)},
			TaskType:     TaskAction,
			Complexity:   ComplexityMedium,
			Confidence:   0.92,
			Capabilities: Capabilities{Code: true},
		},
		Rule{
			Name:           "file",
			Keywords:       []string{"读取文件", "打开文件", "文件内容", "read file", "read the file", "open file"},
			Patterns:       []*regexp.Regexp{regexp.MustCompile(`@[\w./*-]+`)},
			TaskType:       TaskQuery,
			SuggestedTools: []string{"read_file"},
			Confidence:     0.92,
			Capabilities:   Capabilities{Code: true},
		},
		Rule{
			Name:       "environment",
			Keywords:   []string{"环境变量", "environment variable", "env var"},
			TaskType:   TaskQuery,
			Confidence: 0.92,
		},
		Rule{
			Name:           "knowledge",
			Keywords:       []string{"知识库", "文档", "手册", "documentation", "knowledge base", "according to the docs"},
			TaskType:       TaskQuery,
			Complexity:     ComplexityMedium,
			SuggestedTools: []string{"knowledge_search"},
			Confidence:     0.9,
			Capabilities:   Capabilities{RAG: true},
		},
		Rule{
			Name:         "introduction",
			Keywords:     []string{"我叫", "我的名字是", "my name is", "call me"},
			TaskType:     TaskConversation,
			Confidence:   0.92,
			Capabilities: Capabilities{Memory: true},
		},
		Rule{
			Name:         "recall",
			Keywords:     []string{"我叫什么", "我的名字", "what's my name", "what is my name", "你还记得"},
			TaskType:     TaskConversation,
			Confidence:   0.92,
			Capabilities: Capabilities{Memory: true},
		},
		Rule{
			Name:         "multi_step",
			Keywords:     []string{"首先", "然后", "最后", "step by step", "and then", "first,"},
			TaskType:     TaskComplex,
			Complexity:   ComplexityHigh,
			MultiStep:    true,
			Confidence:   0.7,
			Capabilities: Capabilities{Planning: true, Tools: true},
		},
		Rule{
			Name:       "analysis",
			Keywords:   []string{"分析", "比较", "对比", "评估", "analyze", "analyse", "compare", "evaluate", "why"},
			TaskType:   TaskAnalysis,
			Complexity: ComplexityMedium,
			Confidence: 0.7,
		},
		Rule{
			Name:       "creation",
			Keywords:   []string{"写一个", "生成", "创建", "设计", "write", "create", "generate", "draft"},
			TaskType:   TaskCreation,
			Complexity: ComplexityMedium,
			Confidence: 0.7,
		},
		Rule{
			Name:       "modification",
			Keywords:   []string{"修改", "更新", "重构", "修复", "modify", "update", "refactor", "fix", "change"},
			TaskType:   TaskModification,
			Complexity: ComplexityMedium,
			Confidence: 0.7,
		},
		Rule{
			Name:       "action",
			Keywords:   []string{"执行", "运行", "安装", "部署", "run", "install", "deploy", "execute"},
			TaskType:   TaskAction,
			Complexity: ComplexityMedium,
			Confidence: 0.7,
		},
		Rule{
			Name:       "query",
			Keywords:   []string{"什么", "怎么", "如何", "为什么", "哪里", "what", "how", "who", "where", "when", "查询", "explain"},
			TaskType:   TaskQuery,
			Confidence: 0.7,
		},
	)
}
