package stream

import "encoding/json"

// Kind discriminates upstream event variants.
type Kind int

const (
	// KindRaw is a frame the parser does not classify. Passthrough encoders
	// re-emit it unchanged; translating encoders ignore it.
	KindRaw Kind = iota
	KindTextDelta
	KindReasoningDelta
	KindToolCallDelta
	KindUsageSummary
	KindCompletion
	KindError
)

// Event is one upstream streaming event in normalized form. Raw always holds
// the original frame payload so passthrough dialects can re-emit it verbatim.
type Event struct {
	Kind Kind
	Type string
	Raw  json.RawMessage

	// TextDelta / ReasoningDelta
	Text string

	// ToolCallDelta
	ToolIndex int
	ItemID    string
	CallID    string
	ToolName  string
	ArgsDelta string
	ToolDone  bool

	// UsageSummary
	Usage *Usage

	// Completion
	FinishReason string

	// Error
	ErrCode    string
	ErrMessage string
	// Recoverable marks a locally corrupt frame. Consumers skip it and keep
	// consuming; only upstream-reported failures and transport errors abort.
	Recoverable bool
}

// Usage holds upstream token counts.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// TotalTokens returns the combined token count.
func (u *Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
