package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
)

const (
	DefaultThreshold = 0.9
	DefaultTimeout   = 5 * time.Second
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 10 * time.Minute

	historyWindow  = 3
	historySnippet = 100
	messageSnippet = 2000
)

// LLM is the text completion the fallback tier needs.
type LLM interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// Config configures a Classifier.
type Config struct {
	Rules     *RuleTable // nil selects DefaultRules
	LLM       LLM        // optional fallback tier
	Threshold float64
	Timeout   time.Duration
	CacheSize int64 // negative disables caching
	CacheTTL  time.Duration
	Logger    zerolog.Logger
}

// Classifier maps messages to intents.
type Classifier struct {
	rules     *RuleTable
	llm       LLM
	threshold float64
	timeout   time.Duration
	cacheTTL  time.Duration
	cache     *ristretto.Cache[string, Intent]
	inflight  singleflight.Group
	logger    zerolog.Logger
}

// New creates a Classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be within (0, 1], got %v", cfg.Threshold)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	c := &Classifier{
		rules:     cfg.Rules,
		llm:       cfg.LLM,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		cacheTTL:  cfg.CacheTTL,
		logger:    cfg.Logger.With().Str("component", "intent").Logger(),
	}

	if cfg.CacheSize > 0 && cfg.LLM != nil {
		cache, err := ristretto.NewCache(&ristretto.Config[string, Intent]{
			NumCounters: cfg.CacheSize * 10,
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create classification cache: %w", err)
		}
		c.cache = cache
	}

	observability.EnsureRegistered()
	return c, nil
}

// Close releases the cache.
func (c *Classifier) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// Classify never fails: every failure path ends in a default intent.
func (c *Classifier) Classify(ctx context.Context, req Request) Intent {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerIntent, "intent.classify")
	defer span.End()

	in := c.classify(ctx, req)
	if !in.ReferencesHistory && ReferencesHistory(req.Message) {
		in.ReferencesHistory = true
		in.Capabilities.Memory = true
	}

	span.SetAttributes(
		attribute.String("intent.task_type", string(in.TaskType)),
		attribute.String("intent.source", string(in.Source)),
		attribute.Float64("intent.confidence", in.Confidence),
		attribute.Bool("intent.degraded", in.Degraded),
	)
	observability.RecordClassification(string(in.Source), string(in.TaskType), time.Since(start))
	return in
}

func (c *Classifier) classify(ctx context.Context, req Request) Intent {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return Default()
	}

	rule, matched := c.rules.Match(msg)
	if matched && rule.Confidence >= c.threshold {
		return rule.intent()
	}

	if c.llm == nil {
		if matched {
			return rule.intent()
		}
		return Default()
	}

	key := cacheKey(req)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached
		}
	}

	logger := tracing.LoggerFromContext(ctx, c.logger)

	// The shared call is detached from any single caller so one cancelled
	// request does not fail the others waiting on the same key.
	ch := c.inflight.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.askLLM(callCtx, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			reason := res.Err.Error()
			if errors.Is(res.Err, context.DeadlineExceeded) {
				reason = ErrClassificationTimeout.Error()
			}
			logger.Warn().Err(res.Err).Str("reason", reason).Msg("Intent fallback degraded")
			return Degraded(reason)
		}
		in := res.Val.(Intent)
		if c.cache != nil {
			c.cache.SetWithTTL(key, in, 1, c.cacheTTL)
		}
		return in
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("Intent classification abandoned")
		return Degraded(ctx.Err().Error())
	}
}

func (c *Classifier) askLLM(ctx context.Context, req Request) (Intent, error) {
	raw, err := c.llm.CompleteText(ctx, systemPrompt, buildPrompt(req))
	if err != nil {
		if ctx.Err() != nil {
			return Intent{}, fmt.Errorf("%w: %w", ErrClassificationTimeout, ctx.Err())
		}
		return Intent{}, fmt.Errorf("classification call failed: %w", err)
	}
	return ParseResponse(raw)
}

func cacheKey(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Message))
	h.Write([]byte{0})
	for _, t := range recentHistory(req.History) {
		h.Write([]byte(t.Role))
		h.Write([]byte{1})
		h.Write([]byte(t.Content))
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.Join(req.AvailableTools, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func recentHistory(history []Turn) []Turn {
	if len(history) > historyWindow {
		return history[len(history)-historyWindow:]
	}
	return history
}

const systemPrompt = "You classify messages sent to an assistant. Reply with a single JSON object and nothing else."

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Classify the user message.\n\n")
	if hist := recentHistory(req.History); len(hist) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range hist {
			fmt.Fprintf(&b, "- %s: %s\n", t.Role, snippet(t.Content, historySnippet))
		}
		b.WriteString("\n")
	}
	if len(req.AvailableTools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n\n", strings.Join(req.AvailableTools, ", "))
	}
	fmt.Fprintf(&b, "Message: %s\n\n", snippet(req.Message, messageSnippet))
	b.WriteString(`Return JSON with these fields:
{"task_type": "query|action|analysis|creation|modification|conversation|complex",
 "complexity": "low|medium|high",
 "surface_intent": "short description",
 "is_multi_step": false,
 "estimated_steps": 1,
 "suggested_tools": [],
 "references_history": false,
 "required_capabilities": {"rag": false, "tools": false, "planning": false, "memory": false, "skills": false, "web": false, "code": false},
 "confidence": 0.0}`)
	return b.String()
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
