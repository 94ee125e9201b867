package types

// Dialect identifies the client-facing API surface a request arrived on.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectChat      Dialect = "chat"
	DialectResponses Dialect = "responses"
)

// CanonicalRequest is the dialect-independent form every inbound request is
// normalized into before dispatch. InputItems preserve the client's block
// order exactly.
type CanonicalRequest struct {
	Dialect        Dialect
	RequestedModel string // model string as the client sent it
	Model          string // model after mapping rules
	Stream         *bool  // nil when the client omitted the field
	IncludeUsage   bool

	Instructions string // composed system/instructions text
	InputItems   []ResponsesInputItem
	Tools        []ResponsesTool
	ToolChoice   any

	// SamplingParams holds pass-through generation parameters keyed by their
	// upstream names (temperature, top_p, max_output_tokens, ...).
	SamplingParams map[string]any

	SessionID     string
	MessagesCount int
}

// WantsStream reports the client's explicit streaming preference, or
// defaultStream when the field was absent.
func (c *CanonicalRequest) WantsStream(defaultStream bool) bool {
	if c.Stream != nil {
		return *c.Stream
	}
	return defaultStream
}
