// Package tokens estimates LLM token counts for context windows.
//
// Estimates are heuristics. An exact tokenizer can be plugged in later by
// implementing Estimator.
package tokens

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/hpungsan/termctx/internal/errors"
)

// DefaultCharsPerToken is the code-point-per-token ratio used when none is configured.
const DefaultCharsPerToken = 4.0

// Estimator names accepted by New.
const (
	NameRunes = "runes"
	NameWords = "words"
)

// Estimator returns an approximate token count for text.
// Implementations must be pure and safe for concurrent use.
type Estimator interface {
	Estimate(text string) int
}

// Func adapts a plain function to Estimator.
type Func func(text string) int

// Estimate calls f(text).
func (f Func) Estimate(text string) int {
	return f(text)
}

// RuneEstimator divides the Unicode code point count by CharsPerToken,
// rounding up.
type RuneEstimator struct {
	CharsPerToken float64
}

// NewRuneEstimator returns a RuneEstimator, rejecting non-positive ratios.
func NewRuneEstimator(charsPerToken float64) (RuneEstimator, error) {
	if charsPerToken <= 0 || math.IsNaN(charsPerToken) || math.IsInf(charsPerToken, 0) {
		return RuneEstimator{}, errors.NewConfiguration("chars_per_token", "must be a finite number > 0")
	}
	return RuneEstimator{CharsPerToken: charsPerToken}, nil
}

// Estimate implements Estimator.
func (e RuneEstimator) Estimate(text string) int {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / ratio))
}

// WordEstimator applies a 1.3x multiplier to the whitespace-separated word count.
type WordEstimator struct{}

// Estimate implements Estimator.
func (WordEstimator) Estimate(text string) int {
	words := strings.Fields(text)
	return int(math.Ceil(float64(len(words)) * 1.3))
}

// New selects an estimator by name. An empty name selects NameRunes.
func New(name string, charsPerToken float64) (Estimator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameRunes:
		return NewRuneEstimator(charsPerToken)
	case NameWords:
		return WordEstimator{}, nil
	default:
		return nil, errors.NewConfiguration("token_estimator", "unknown estimator "+name+"; want runes|words")
	}
}
