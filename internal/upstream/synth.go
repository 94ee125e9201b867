package upstream

import (
	"encoding/json"
	"io"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy/internal/stream"
)

// synthesizeFromResponse converts one non-streaming Responses JSON body into
// the same typed events a live stream would produce, so aggregation and
// metrics share a single pipeline regardless of upstream transport.
func synthesizeFromResponse(raw []byte) EventSource {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return &sliceSource{events: []stream.Event{{
			Kind:       stream.KindError,
			Raw:        raw,
			ErrCode:    "protocol_error",
			ErrMessage: "upstream returned a non-JSON response body",
		}}}
	}

	body := root
	if resp := root.Get("response"); resp.Exists() {
		body = resp
	}

	if errObj := body.Get("error"); errObj.Exists() && errObj.Type != gjson.Null {
		return &sliceSource{events: []stream.Event{{
			Kind:       stream.KindError,
			Raw:        raw,
			ErrCode:    firstNonEmptyString(errObj.Get("code").String(), "upstream_error"),
			ErrMessage: firstNonEmptyString(errObj.Get("message").String(), errObj.String()),
		}}}
	}

	var events []stream.Event
	toolIndex := 0
	body.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					if text := part.Get("text").String(); text != "" {
						events = append(events, stream.Event{
							Kind: stream.KindTextDelta,
							Raw:  json.RawMessage(item.Raw),
							Text: text,
						})
					}
				}
				return true
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text").String(); text != "" {
					events = append(events, stream.Event{
						Kind: stream.KindReasoningDelta,
						Raw:  json.RawMessage(item.Raw),
						Text: text,
					})
				}
				return true
			})
		case "function_call":
			events = append(events, stream.Event{
				Kind:      stream.KindToolCallDelta,
				Raw:       json.RawMessage(item.Raw),
				ToolIndex: toolIndex,
				ItemID:    item.Get("id").String(),
				CallID:    item.Get("call_id").String(),
				ToolName:  item.Get("name").String(),
				ArgsDelta: item.Get("arguments").String(),
				ToolDone:  true,
			})
			toolIndex++
		}
		return true
	})

	if usage := body.Get("usage"); usage.Exists() {
		events = append(events, stream.Event{
			Kind: stream.KindUsageSummary,
			Raw:  raw,
			Usage: &stream.Usage{
				InputTokens:  int(usage.Get("input_tokens").Int()),
				OutputTokens: int(usage.Get("output_tokens").Int()),
				CachedTokens: int(usage.Get("input_tokens_details.cached_tokens").Int()),
			},
		})
	}

	finish := "stop"
	if body.Get("status").String() == "incomplete" {
		finish = "length"
	} else if toolIndex > 0 {
		finish = "tool_calls"
	}
	events = append(events, stream.Event{
		Kind:         stream.KindCompletion,
		Raw:          raw,
		FinishReason: finish,
	})

	return &sliceSource{events: events}
}

func firstNonEmptyString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// sliceSource replays a fixed event sequence.
type sliceSource struct {
	events []stream.Event
	pos    int
}

func (s *sliceSource) Next() (*stream.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	evt := &s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *sliceSource) Close() error { return nil }
