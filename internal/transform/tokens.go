package transform

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/izzoa/ccproxy/internal/types"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return encoding
}

// CountTextTokens returns the token count of a text using cl100k_base,
// falling back to a chars/4 heuristic if the encoding is unavailable.
func CountTextTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := utf8.RuneCountInString(text)
	tokens := n / 4
	if n%4 != 0 {
		tokens++
	}
	return tokens
}

// EstimateInputTokens returns a deterministic token estimate for a request's
// instructions, input items, and tools. Per-item constants approximate
// message framing overhead.
func EstimateInputTokens(instructions string, input []types.ResponsesInputItem, tools []types.ResponsesTool) int {
	tokens := CountTextTokens(instructions)

	for _, item := range input {
		tokens += 4
		tokens += CountTextTokens(item.Name) + CountTextTokens(item.Arguments) + CountTextTokens(item.Output)
		for _, c := range item.Content {
			tokens += CountTextTokens(c.Text)
			if c.ImageURL != "" {
				tokens += 85 // flat low-detail image charge
			}
		}
	}

	for _, tool := range tools {
		tokens += 8
		tokens += CountTextTokens(tool.Name) + CountTextTokens(tool.Description)
		if b, err := json.Marshal(tool.Parameters); err == nil {
			tokens += CountTextTokens(string(b))
		}
	}

	if tokens < 1 {
		return 1
	}
	return tokens
}
