package toolregistry

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/intent"
)

// suggestedBonus is added to tools the intent explicitly names.
const suggestedBonus = 1.0

// SemanticScorer rates how relevant a tool is to a message, in [0, 1].
type SemanticScorer interface {
	Score(ctx context.Context, message string, tool Descriptor) (float64, error)
}

// Scored is a selection candidate with its ranking score.
type Scored struct {
	Descriptor
	Score float64
}

// Select ranks enabled tools whose permission is allowed for message and
// returns at most topK. An empty allowed list permits every permission. The
// score is keyword overlap plus a bonus for intent.SuggestedTools plus the
// weighted semantic score; equal scores keep registration order.
func (r *Registry) Select(ctx context.Context, message string, in intent.Intent, topK int, allowed ...Permission) []Descriptor {
	scored := r.Rank(ctx, message, in, allowed...)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	out := make([]Descriptor, len(scored))
	for i, s := range scored {
		out[i] = s.Descriptor
	}
	return out
}

// Rank returns every eligible tool with its score, best first.
func (r *Registry) Rank(ctx context.Context, message string, in intent.Intent, allowed ...Permission) []Scored {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tools.select")
	defer span.End()

	r.mu.RLock()
	candidates := r.sortedLocked(true)
	scorer, weight := r.scorer, r.semanticWeight
	r.mu.RUnlock()

	permitted := make(map[Permission]bool, len(allowed))
	for _, p := range allowed {
		permitted[p] = true
	}

	suggested := make(map[string]bool, len(in.SuggestedTools))
	for _, name := range in.SuggestedTools {
		suggested[name] = true
	}

	msgTerms := Terms(message)
	for name := range suggested {
		for t := range Terms(name) {
			msgTerms[t] = struct{}{}
		}
	}

	logger := tracing.LoggerFromContext(ctx, r.logger)
	scored := make([]Scored, 0, len(candidates))
	for _, d := range candidates {
		if len(permitted) > 0 && !permitted[d.Permission] {
			continue
		}
		score := overlap(msgTerms, toolTerms(d))
		if suggested[d.Name] {
			score += suggestedBonus
		}
		if scorer != nil {
			s, err := scorer.Score(ctx, message, d)
			if err != nil {
				logger.Warn().Err(err).Str("tool", d.Name).Msg("Semantic scorer failed")
			} else {
				score += weight * clamp01(s)
			}
		}
		scored = append(scored, Scored{Descriptor: d, Score: score})
	}

	// candidates are already in registration order, so a stable sort keeps it
	// for equal scores.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	span.SetAttributes(attribute.Int("tools.candidates", len(scored)))
	return scored
}

func toolTerms(d Descriptor) map[string]struct{} {
	terms := Terms(d.Name)
	for t := range Terms(d.Description) {
		terms[t] = struct{}{}
	}
	for _, kw := range d.Keywords {
		for t := range Terms(kw) {
			terms[t] = struct{}{}
		}
	}
	return terms
}

// overlap is the share of message terms found in the tool's terms.
func overlap(msg, tool map[string]struct{}) float64 {
	if len(msg) == 0 {
		return 0
	}
	hits := 0
	for t := range msg {
		if _, ok := tool[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(msg))
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "to": true, "of": true,
	"and": true, "or": true, "in": true, "on": true, "for": true, "me": true, "my": true,
	"it": true, "be": true, "do": true, "please": true, "can": true, "you": true, "with": true,
}

// Terms splits text into lowercase matching terms. Latin words and numbers are
// single terms; runs of CJK characters produce overlapping bigrams (a single
// character run produces itself). Snake and kebab case names split into words.
func Terms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	var word []rune
	var han []rune

	flushWord := func() {
		if len(word) > 0 {
			w := string(word)
			if len(word) > 1 && !stopwords[w] {
				terms[w] = struct{}{}
			}
			word = word[:0]
		}
	}
	flushHan := func() {
		switch {
		case len(han) == 1:
			terms[string(han)] = struct{}{}
		case len(han) > 1:
			for i := 0; i+1 < len(han); i++ {
				terms[string(han[i:i+2])] = struct{}{}
			}
		}
		han = han[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return terms
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
