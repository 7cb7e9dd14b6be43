package proxy

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens provides a rough token count for text: ~1 token per 4
// characters, which holds up reasonably for English and code. Used when no
// tiktoken encoding is available.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	estimate := len(text) / 4
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TokenCounter counts tokens with tiktoken, falling back to estimation when
// the encoding could not be loaded.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encodingForModel(model))
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	return &TokenCounter{encoding: enc}, nil
}

// encodingForModel maps a model name to a tiktoken encoding. Everything in
// scope today approximates well with cl100k_base.
func encodingForModel(model string) string {
	switch {
	case strings.Contains(model, "gpt-4"), strings.Contains(model, "gpt-3.5"):
		return "cl100k_base"
	case strings.Contains(model, "claude"), strings.Contains(model, "qwen"):
		return "cl100k_base"
	default:
		return "cl100k_base"
	}
}

// CountTokens returns the token count for text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// TokenTracker accumulates output text during streaming and reports usage.
type TokenTracker struct {
	counter     *TokenCounter
	inputTokens int
	outputText  strings.Builder
}

// NewTokenTracker creates a tracker for the given model. A tokenizer load
// failure is not fatal; the tracker falls back to estimation.
func NewTokenTracker(model string) *TokenTracker {
	counter, _ := NewTokenCounter(model)
	return &TokenTracker{counter: counter}
}

// SetInputTokens sets a pre-calculated input token count.
func (tt *TokenTracker) SetInputTokens(tokens int) {
	tt.inputTokens = tokens
}

// AddOutputText adds text to the output accumulator.
func (tt *TokenTracker) AddOutputText(text string) {
	tt.outputText.WriteString(text)
}

// Usage returns input and output token counts.
func (tt *TokenTracker) Usage() (input, output int) {
	return tt.inputTokens, tt.counter.CountTokens(tt.outputText.String())
}
