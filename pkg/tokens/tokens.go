// Package tokens estimates prompt sizes for context budgeting and compaction.
//
// Every component that enforces a budget takes a Counter so the same method is
// used to build a prompt and to check it.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultCharsPerToken is the rune to token ratio used by Estimator.
const DefaultCharsPerToken = 4

// Counter returns the token count of a text.
type Counter interface {
	Count(text string) int
}

// Estimator approximates tokens as ceil(runes / CharsPerToken). It counts runes
// rather than bytes so CJK text is not overestimated by a factor of three.
type Estimator struct {
	CharsPerToken int
}

// NewEstimator returns an Estimator; a non-positive ratio selects the default.
func NewEstimator(charsPerToken int) Estimator {
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return Estimator{CharsPerToken: charsPerToken}
}

func (e Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	cpt := e.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	return (n + cpt - 1) / cpt
}

// Tiktoken counts BPE tokens with a tiktoken encoding.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding, e.g. "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// New selects a counter by name: "tiktoken" or "estimate" (default).
func New(kind string, charsPerToken int) (Counter, error) {
	switch kind {
	case "", "estimate":
		return NewEstimator(charsPerToken), nil
	case "tiktoken":
		return NewTiktoken("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown token counter %q", kind)
	}
}

// Truncate returns the longest rune prefix of text whose count, with suffix
// appended, fits in limit. It returns "" when not even the suffix fits.
func Truncate(c Counter, text string, limit int, suffix string) string {
	if limit <= 0 {
		return ""
	}
	if c.Count(text) <= limit {
		return text
	}
	if c.Count(suffix) > limit {
		return ""
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(string(runes[:mid])+suffix) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + suffix
}
