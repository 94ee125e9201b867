package stream

import (
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"
)

// Classifier turns raw upstream frame payloads into normalized Events. It is
// shared by the SSE parser and the SDK event adapter, which both observe the
// same wire format.
type Classifier struct {
	tools   *ToolBuffer
	flushed map[string]bool
	done    bool
}

// NewClassifier creates an empty Classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		tools:   NewToolBuffer(),
		flushed: map[string]bool{},
	}
}

// Done reports whether a terminal frame has been seen.
func (c *Classifier) Done() bool { return c.done }

// Feed classifies one frame payload. It returns zero, one, or two events
// (a completion frame carrying usage yields both). A malformed payload
// yields one recoverable Error event and leaves the classifier usable.
func (c *Classifier) Feed(data string) []Event {
	if c.done {
		return nil
	}
	if !gjson.Valid(data) {
		return []Event{{
			Kind:        KindError,
			Type:        "error",
			Raw:         json.RawMessage(data),
			ErrCode:     "protocol_error",
			ErrMessage:  "malformed event payload",
			Recoverable: true,
		}}
	}

	raw := json.RawMessage(data)
	typ := gjson.Get(data, "type").String()

	switch typ {
	case "response.output_text.delta":
		return []Event{{Kind: KindTextDelta, Type: typ, Raw: raw,
			Text: gjson.Get(data, "delta").String()}}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []Event{{Kind: KindReasoningDelta, Type: typ, Raw: raw,
			Text: gjson.Get(data, "delta").String()}}

	case "response.output_item.added":
		item := gjson.Get(data, "item")
		if item.Get("type").String() != "function_call" {
			return []Event{{Kind: KindRaw, Type: typ, Raw: raw}}
		}
		itemID := item.Get("id").String()
		callID := item.Get("call_id").String()
		idx := c.tools.Track(itemID, callID)
		if args := item.Get("arguments").String(); args != "" && args != "{}" {
			c.tools.SetFinal(itemID, args)
		}
		return []Event{{Kind: KindToolCallDelta, Type: typ, Raw: raw,
			ToolIndex: idx, ItemID: itemID, CallID: c.tools.CallID(itemID),
			ToolName: item.Get("name").String()}}

	case "response.function_call_arguments.delta":
		itemID := firstString(data, "item_id", "call_id", "id")
		delta := gjson.Get(data, "delta").String()
		c.tools.AppendDelta(itemID, delta)
		return []Event{{Kind: KindToolCallDelta, Type: typ, Raw: raw,
			ToolIndex: c.tools.IndexOf(itemID), ItemID: itemID,
			CallID: c.tools.CallID(itemID), ArgsDelta: delta}}

	case "response.function_call_arguments.done":
		itemID := firstString(data, "item_id", "call_id", "id")
		if args := gjson.Get(data, "arguments").String(); args != "" {
			c.tools.SetFinal(itemID, args)
		}
		return []Event{*c.finalizeTool(typ, raw, itemID, "")}

	case "response.output_item.done":
		item := gjson.Get(data, "item")
		if item.Get("type").String() != "function_call" {
			return []Event{{Kind: KindRaw, Type: typ, Raw: raw}}
		}
		itemID := item.Get("id").String()
		callID := item.Get("call_id").String()
		if args := item.Get("arguments").String(); args != "" {
			c.tools.SetFinal(itemID, args)
		}
		evt := c.finalizeTool(typ, raw, itemID, callID)
		if evt.Kind == KindToolCallDelta && evt.ToolName == "" {
			evt.ToolName = item.Get("name").String()
		}
		return []Event{*evt}

	case "response.completed", "response.incomplete":
		c.done = true
		reason := "stop"
		if typ == "response.incomplete" || gjson.Get(data, "response.status").String() == "incomplete" {
			reason = "length"
		}
		completion := Event{Kind: KindCompletion, Type: typ, Raw: raw, FinishReason: reason}
		if usage := extractUsage(data); usage != nil {
			return []Event{
				{Kind: KindUsageSummary, Type: typ, Raw: raw, Usage: usage},
				completion,
			}
		}
		return []Event{completion}

	case "response.failed", "error":
		c.done = true
		code := firstString(data, "response.error.code", "error.code", "code")
		msg := firstString(data, "response.error.message", "error.message", "message")
		if code == "" {
			code = "upstream_error"
		}
		if msg == "" {
			msg = "upstream reported a failure"
		}
		return []Event{{Kind: KindError, Type: typ, Raw: raw, ErrCode: code, ErrMessage: msg}}

	default:
		return []Event{{Kind: KindRaw, Type: typ, Raw: raw}}
	}
}

// finalizeTool emits the terminal fragment for a tool call exactly once.
// Repeat finalizations for the same item degrade to passthrough frames.
func (c *Classifier) finalizeTool(typ string, raw json.RawMessage, itemID, callID string) *Event {
	callID = c.tools.CallID(firstNonEmpty(itemID, callID))
	key := firstNonEmpty(callID, itemID)
	if key == "" || c.flushed[key] {
		return &Event{Kind: KindRaw, Type: typ, Raw: raw}
	}
	c.flushed[key] = true
	return &Event{Kind: KindToolCallDelta, Type: typ, Raw: raw,
		ToolIndex: c.tools.IndexOf(firstNonEmpty(itemID, callID)),
		ItemID:    itemID, CallID: callID,
		ArgsDelta: c.tools.Resolve(itemID, callID), ToolDone: true}
}

// Parser converts an upstream SSE body into normalized Events. It is lazy,
// finite, and non-restartable: once Next returns io.EOF it returns io.EOF
// forever. A malformed frame yields one Error event and parsing continues
// with the next frame.
type Parser struct {
	r       *Reader
	cls     *Classifier
	pending []Event
	eof     bool
}

// NewParser creates a Parser over an SSE body.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: NewReader(r), cls: NewClassifier()}
}

// Next returns the next normalized event, or io.EOF when the stream is
// exhausted. Transport read errors are returned as-is.
func (p *Parser) Next() (*Event, error) {
	for {
		if len(p.pending) > 0 {
			evt := p.pending[0]
			p.pending = p.pending[1:]
			return &evt, nil
		}
		if p.eof || p.cls.Done() {
			p.eof = true
			return nil, io.EOF
		}

		data, err := p.r.Next()
		if err != nil {
			p.eof = true
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		p.pending = p.cls.Feed(data)
	}
}

func extractUsage(data string) *Usage {
	usage := gjson.Get(data, "response.usage")
	if !usage.Exists() {
		usage = gjson.Get(data, "usage")
	}
	if !usage.Exists() {
		return nil
	}
	u := &Usage{
		InputTokens:  int(usage.Get("input_tokens").Int()),
		OutputTokens: int(usage.Get("output_tokens").Int()),
	}
	if cached := usage.Get("input_tokens_details.cached_tokens"); cached.Exists() {
		u.CachedTokens = int(cached.Int())
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return nil
	}
	return u
}

func firstString(data string, paths ...string) string {
	for _, p := range paths {
		if v := gjson.Get(data, p).String(); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
