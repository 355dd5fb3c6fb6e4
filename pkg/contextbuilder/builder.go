package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/knowledge"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/session"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/skills"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/tokens"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/workspace"
)

const (
	defaultBudget         = 6000
	defaultTimeout        = 3 * time.Second
	defaultRAGTopK        = 3
	defaultMinBlockTokens = 16

	// MinBudget is the smallest budget Build accepts.
	MinBudget = 32

	// blockSeparator is charged to every block so the joins of the rendered
	// prompt are paid for.
	blockSeparator = "\n\n"
)

// Config configures a Builder.
type Config struct {
	Budget              int
	CollaboratorTimeout time.Duration
	RAGTopK             int
	// RAGMinScore drops retrieved passages scoring below it.
	RAGMinScore    float64
	MinBlockTokens int
	Counter        tokens.Counter
	Collaborators  Collaborators
	Logger         zerolog.Logger
}

// Builder assembles context. It is safe for concurrent use.
type Builder struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Builder, error) {
	if cfg.Budget == 0 {
		cfg.Budget = defaultBudget
	}
	if cfg.Budget < MinBudget {
		return nil, fmt.Errorf("context budget %d is below the minimum of %d", cfg.Budget, MinBudget)
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = defaultTimeout
	}
	if cfg.RAGTopK <= 0 {
		cfg.RAGTopK = defaultRAGTopK
	}
	if cfg.MinBlockTokens <= 0 {
		cfg.MinBlockTokens = defaultMinBlockTokens
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewEstimator(0)
	}
	observability.EnsureRegistered()
	return &Builder{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "context").Logger(),
	}, nil
}

// Budget is the configured token budget.
func (b *Builder) Budget() int { return b.cfg.Budget }

type gathered struct {
	skills []skills.Skill
	docs   []knowledge.SearchResult
	files  []workspace.File
}

// Build assembles the context for req. It only fails when ctx is done.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerContext, "context.build",
		attribute.Int("context.budget", b.cfg.Budget),
		attribute.Int("context.history", len(req.History)),
	)
	defer span.End()

	g, err := b.gather(ctx, req)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, err
	}

	blocks := b.blocks(req, g)
	kept, dropped := b.fit(blocks)
	res := b.render(kept, dropped)
	for res.Tokens > b.cfg.Budget {
		// counters that are not additive over concatenation can still overshoot
		var ok bool
		kept, dropped, ok = b.shed(kept, dropped, res.Tokens-b.cfg.Budget)
		if !ok {
			break
		}
		res = b.render(kept, dropped)
	}

	for _, blk := range kept {
		fate := "kept"
		if blk.Truncated {
			fate = "truncated"
		}
		observability.RecordContextBlock(string(blk.Source), fate)
	}
	for _, blk := range dropped {
		observability.RecordContextBlock(string(blk.Source), "dropped")
	}
	observability.RecordContextAssembly(res.Tokens)
	span.SetAttributes(
		attribute.Int("context.tokens", res.Tokens),
		attribute.Int("context.blocks", len(res.Blocks)),
		attribute.Int("context.dropped", len(res.Dropped)),
	)
	logger := tracing.LoggerFromContext(ctx, b.logger)
	logger.Debug().
		Int("tokens", res.Tokens).
		Int("budget", b.cfg.Budget).
		Int("blocks", len(res.Blocks)).
		Int("dropped", len(res.Dropped)).
		Msg("Context assembled")
	return res, nil
}

// gather queries every collaborator concurrently, each under its own
// timeout. Collaborator failures are logged and yield nothing; only the
// caller's own cancellation is returned.
func (b *Builder) gather(ctx context.Context, req Request) (gathered, error) {
	var out gathered
	c := b.cfg.Collaborators
	var eg errgroup.Group

	if c.Skills != nil {
		eg.Go(func() error {
			s, err := collect(ctx, b.cfg.CollaboratorTimeout, func(ctx context.Context) ([]skills.Skill, error) {
				return c.Skills.Match(ctx, req.Message)
			})
			if b.report(ctx, "skills", err) {
				out.skills = s
			}
			return ctx.Err()
		})
	}
	if c.Retriever != nil && !req.SkipRetrieval {
		eg.Go(func() error {
			docs, err := collect(ctx, b.cfg.CollaboratorTimeout, func(ctx context.Context) ([]knowledge.SearchResult, error) {
				return c.Retriever.Search(ctx, req.Message, b.cfg.RAGTopK)
			})
			if b.report(ctx, "rag", err) {
				out.docs = docs
			}
			return ctx.Err()
		})
	}
	if c.Files != nil {
		eg.Go(func() error {
			files, err := collect(ctx, b.cfg.CollaboratorTimeout, func(ctx context.Context) ([]workspace.File, error) {
				return c.Files.ReadReferenced(ctx, req.Message)
			})
			if b.report(ctx, "files", err) {
				out.files = files
			}
			return ctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return gathered{}, err
	}
	return out, ctx.Err()
}

// report logs a collaborator failure and reports whether the result is usable.
func (b *Builder) report(ctx context.Context, name string, err error) bool {
	if err == nil {
		return true
	}
	observability.RecordCollaboratorError(name)
	logger := tracing.LoggerFromContext(ctx, b.logger)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Str("collaborator", name).Dur("timeout", b.cfg.CollaboratorTimeout).Msg("Collaborator timed out")
	} else {
		logger.Warn().Err(err).Str("collaborator", name).Msg("Collaborator failed")
	}
	return false
}

type outcome[T any] struct {
	val T
	err error
}

// collect runs fn under a timeout without waiting for a collaborator that
// ignores cancellation; a panic is reported as an error.
func collect[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome[T]{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn(callCtx)
		ch <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}

// blocks builds the candidate blocks in render order.
func (b *Builder) blocks(req Request, g gathered) []Block {
	var blocks []Block
	add := func(blk Block) {
		blk.order = len(blocks)
		blk.Tokens = b.cost(blk)
		blocks = append(blocks, blk)
	}

	if s := strings.TrimSpace(req.System); s != "" {
		add(Block{Source: SourceSystem, Label: "system", Content: s, Priority: PrioritySystem})
	}
	for _, s := range g.skills {
		if strings.TrimSpace(s.Instructions) == "" {
			continue
		}
		add(Block{Source: SourceSkill, Label: s.Name, Content: s.Instructions, Priority: PrioritySkill})
	}
	for _, d := range g.docs {
		if strings.TrimSpace(d.Content) == "" || d.Score < b.cfg.RAGMinScore {
			continue
		}
		add(Block{Source: SourceRAG, Label: d.Source, Content: d.Content, Priority: PriorityRAG, Score: d.Score})
	}
	for _, f := range g.files {
		add(Block{Source: SourceFile, Label: f.Path, Content: f.Content, Priority: PriorityFile, Truncated: f.Truncated})
	}

	base := PriorityHistory
	if req.RecallHistory {
		base = PriorityRecall
	}
	n := len(req.History)
	for i, t := range req.History {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		age := n - 1 - i
		p := base - age
		if p < 1 {
			p = 1
		}
		if t.Summary {
			p = base
		}
		add(Block{Source: SourceHistory, Label: string(t.Role), Content: t.Content, Priority: p, role: t.Role})
	}

	if req.Message != "" {
		add(Block{Source: SourceMessage, Label: "user", Content: req.Message, Priority: PriorityMessage, role: session.RoleUser})
	}
	return blocks
}

// fit selects blocks greedily by priority under the budget.
func (b *Builder) fit(blocks []Block) (kept, dropped []Block) {
	idx := make([]int, len(blocks))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		bi, bj := blocks[idx[i]], blocks[idx[j]]
		if bi.Priority != bj.Priority {
			return bi.Priority > bj.Priority
		}
		return bi.order < bj.order
	})

	remaining := b.cfg.Budget
	keep := make([]bool, len(blocks))
	for _, i := range idx {
		blk := &blocks[i]
		if blk.Tokens <= remaining {
			keep[i] = true
			remaining -= blk.Tokens
			continue
		}
		if remaining >= b.cfg.MinBlockTokens || (blk.Source == SourceMessage && remaining > 0) {
			if b.truncate(blk, remaining) {
				keep[i] = true
				remaining -= blk.Tokens
			}
		}
	}

	for i, blk := range blocks {
		if keep[i] {
			kept = append(kept, blk)
		} else {
			dropped = append(dropped, blk)
		}
	}
	return kept, dropped
}

// truncate shortens blk so its rendering fits limit tokens.
func (b *Builder) truncate(blk *Block, limit int) bool {
	header := b.cost(Block{Source: blk.Source, Label: blk.Label})
	for room := limit - header; room > 0; room-- {
		content := tokens.Truncate(b.cfg.Counter, blk.Content, room, truncationMarker)
		if content == "" {
			return false
		}
		candidate := *blk
		candidate.Content = content
		candidate.Truncated = true
		candidate.Tokens = b.cost(candidate)
		if candidate.Tokens <= limit {
			*blk = candidate
			return true
		}
	}
	return false
}

// shed frees at least over tokens: it drops the lowest priority block other
// than the system prompt and the message, or shortens the message when
// nothing else is left.
func (b *Builder) shed(kept, dropped []Block, over int) ([]Block, []Block, bool) {
	victim, msg := -1, -1
	for i, blk := range kept {
		switch blk.Source {
		case SourceMessage:
			msg = i
		case SourceSystem:
		default:
			if victim < 0 || blk.Priority < kept[victim].Priority {
				victim = i
			}
		}
	}
	if victim >= 0 {
		out := append(append([]Block(nil), kept[:victim]...), kept[victim+1:]...)
		return out, append(dropped, kept[victim]), true
	}
	if msg < 0 {
		return kept, dropped, false
	}
	shrunk := kept[msg]
	if !b.truncate(&shrunk, shrunk.Tokens-over) {
		return kept, dropped, false
	}
	out := append([]Block(nil), kept...)
	out[msg] = shrunk
	return out, dropped, true
}

func (b *Builder) cost(blk Block) int {
	return b.cfg.Counter.Count(renderBlock(blk) + blockSeparator)
}

func renderBlock(blk Block) string {
	switch blk.Source {
	case SourceSkill:
		return "## Skill: " + blk.Label + "\n" + blk.Content
	case SourceRAG:
		return "## Knowledge [" + blk.Label + "]\n" + blk.Content
	case SourceFile:
		return "## File: " + blk.Label + "\n" + blk.Content
	case SourceHistory, SourceMessage:
		return blk.Label + ": " + blk.Content
	default:
		return blk.Content
	}
}

func (b *Builder) render(kept, dropped []Block) Result {
	res := Result{Blocks: kept, Dropped: dropped, Budget: b.cfg.Budget}
	var system, transcript []string
	for _, blk := range kept {
		switch blk.Source {
		case SourceSystem, SourceSkill, SourceRAG, SourceFile:
			system = append(system, renderBlock(blk))
			if blk.Source == SourceRAG || blk.Source == SourceFile {
				res.Citations = append(res.Citations, Citation{Source: blk.Source, Ref: blk.Label, Score: blk.Score})
			}
		case SourceHistory:
			res.History = append(res.History, Message{Role: blk.role, Content: blk.Content})
			transcript = append(transcript, renderBlock(blk))
		case SourceMessage:
			res.Message = blk.Content
			transcript = append(transcript, renderBlock(blk))
		}
	}
	res.System = strings.Join(system, "\n\n")
	parts := make([]string, 0, 2)
	if res.System != "" {
		parts = append(parts, res.System)
	}
	if len(transcript) > 0 {
		parts = append(parts, strings.Join(transcript, "\n"))
	}
	res.Prompt = strings.Join(parts, "\n\n")
	res.Tokens = b.cfg.Counter.Count(res.Prompt)
	return res
}
