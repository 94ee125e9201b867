package codec

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
)

// AnthropicEncoder emits Anthropic Messages API responses.
type AnthropicEncoder struct{}

func (e *AnthropicEncoder) Format() Format { return FormatAnthropic }

func (e *AnthropicEncoder) WriteStreamHeaders(w http.ResponseWriter) {
	writeStreamHeaders(w)
}

func (e *AnthropicEncoder) StreamTranslator(w http.ResponseWriter, model string, opts StreamOpts) Translator {
	return &anthropicStreamTranslator{
		fw:        newFrameWriter(w),
		model:     model,
		messageID: newAnthropicMessageID(),
		blockKind: map[int]string{},
	}
}

func (e *AnthropicEncoder) WriteCollected(w http.ResponseWriter, statusCode int, col *Collected, model string) {
	if col.Failed() {
		WriteAnthropicError(w, http.StatusBadGateway, "api_error", col.ErrMessage)
		return
	}

	var content []types.AnthropicContentOut
	if col.Reasoning != "" {
		content = append(content, types.AnthropicContentOut{Type: "thinking", Thinking: col.Reasoning})
	}
	if col.Text != "" {
		content = append(content, types.AnthropicContentOut{Type: "text", Text: col.Text})
	}
	for _, tc := range col.ToolCalls {
		content = append(content, types.AnthropicContentOut{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolInput(tc.Function.Arguments),
		})
	}

	var usage types.AnthropicUsage
	if col.Usage != nil {
		usage = types.AnthropicUsage{
			InputTokens:          col.Usage.InputTokens,
			OutputTokens:         col.Usage.OutputTokens,
			CacheReadInputTokens: col.Usage.CachedTokens,
		}
	}

	id := col.ResponseID
	if id == "" {
		id = newAnthropicMessageID()
	}
	WriteJSON(w, statusCode, types.AnthropicMessageResponse{
		ID:           id,
		Type:         "message",
		Role:         "assistant",
		Model:        model,
		Content:      content,
		StopReason:   types.StringPtr(anthropicStopReason(col.FinishReason)),
		StopSequence: nil,
		Usage:        usage,
	})
}

func (e *AnthropicEncoder) WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteAnthropicError(w, statusCode, "api_error", message)
}

// anthropicStreamTranslator re-frames normalized events as Anthropic
// Messages SSE: message_start, content_block start/delta/stop per block,
// message_delta with the stop reason, message_stop.
type anthropicStreamTranslator struct {
	fw    *frameWriter
	model string

	messageID  string
	started    bool
	finished   bool
	openBlock  int // -1 when no block is open
	nextBlock  int
	blockKind  map[int]string
	toolOpen   map[string]int // call ID -> block index for open tool blocks
	toolPoured map[string]int // bytes of arguments already streamed per call
	sawToolUse bool
	usage      *stream.Usage
}

func (t *anthropicStreamTranslator) OnEvent(evt *stream.Event) {
	if t.finished {
		return
	}
	if !t.started {
		if id := responseIDFrom(evt); id != "" {
			t.messageID = id
		}
	}
	switch evt.Kind {
	case stream.KindTextDelta:
		t.contentDelta("text", map[string]any{"type": "text_delta", "text": evt.Text})

	case stream.KindReasoningDelta:
		t.contentDelta("thinking", map[string]any{"type": "thinking_delta", "thinking": evt.Text})

	case stream.KindToolCallDelta:
		t.onToolEvent(evt)

	case stream.KindUsageSummary:
		t.usage = evt.Usage

	case stream.KindCompletion:
		t.start()
		t.closeBlock()
		t.writeMessageDelta(anthropicStopReason(t.stopReason(evt.FinishReason)))
		t.fw.writeEvent("message_stop", map[string]any{"type": "message_stop"})
		t.finished = true

	case stream.KindError:
		// One corrupt frame is skipped; the stream stays open.
		if evt.Recoverable {
			return
		}
		t.start()
		t.closeBlock()
		t.fw.writeEvent("error", types.AnthropicErrorResponse{
			Type:  "error",
			Error: types.AnthropicErrorBody{Type: "api_error", Message: evt.ErrMessage},
		})
		t.finished = true
	}
}

// Finish closes the stream when the upstream ended without a terminal event.
func (t *anthropicStreamTranslator) Finish() {
	if t.finished {
		return
	}
	if !t.started {
		t.start()
		t.fw.writeEvent("error", types.AnthropicErrorResponse{
			Type:  "error",
			Error: types.AnthropicErrorBody{Type: "api_error", Message: "upstream returned empty response"},
		})
		t.finished = true
		return
	}
	t.closeBlock()
	t.writeMessageDelta(anthropicStopReason(t.stopReason("stop")))
	t.fw.writeEvent("message_stop", map[string]any{"type": "message_stop"})
	t.finished = true
}

func (t *anthropicStreamTranslator) onToolEvent(evt *stream.Event) {
	t.start()
	if t.toolOpen == nil {
		t.toolOpen = map[string]int{}
		t.toolPoured = map[string]int{}
	}
	t.sawToolUse = true
	key := evt.CallID
	if key == "" {
		key = evt.ItemID
	}

	idx, open := t.toolOpen[key]
	if !open {
		t.closeBlock()
		idx = t.nextBlock
		t.nextBlock++
		t.toolOpen[key] = idx
		t.fw.writeEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": types.AnthropicContentOut{
				Type:  "tool_use",
				ID:    key,
				Name:  evt.ToolName,
				Input: map[string]any{},
			},
		})
	}

	if evt.ToolDone {
		// The terminal fragment carries the complete arguments; emit only
		// what has not been streamed yet.
		if rest := evt.ArgsDelta[min(t.toolPoured[key], len(evt.ArgsDelta)):]; rest != "" {
			t.writeInputJSONDelta(idx, rest)
		}
		t.fw.writeEvent("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": idx,
		})
		delete(t.toolOpen, key)
		return
	}
	if evt.ArgsDelta != "" {
		t.writeInputJSONDelta(idx, evt.ArgsDelta)
		t.toolPoured[key] += len(evt.ArgsDelta)
	}
}

func (t *anthropicStreamTranslator) writeInputJSONDelta(idx int, partial string) {
	t.fw.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": partial},
	})
}

// contentDelta routes a text or thinking delta into the right block, opening
// and closing blocks as the content kind changes.
func (t *anthropicStreamTranslator) contentDelta(kind string, delta map[string]any) {
	t.start()
	if t.openBlock < 0 || t.blockKind[t.openBlock] != kind {
		t.closeBlock()
		t.openBlock = t.nextBlock
		t.nextBlock++
		t.blockKind[t.openBlock] = kind
		block := types.AnthropicContentOut{Type: kind}
		t.fw.writeEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         t.openBlock,
			"content_block": block,
		})
	}
	t.fw.writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.openBlock,
		"delta": delta,
	})
}

func (t *anthropicStreamTranslator) start() {
	if t.started {
		return
	}
	t.started = true
	t.openBlock = -1
	t.fw.writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": types.AnthropicMessageResponse{
			ID:      t.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   t.model,
			Content: []types.AnthropicContentOut{},
			Usage:   types.AnthropicUsage{},
		},
	})
	t.fw.writeEvent("ping", map[string]any{"type": "ping"})
}

func (t *anthropicStreamTranslator) closeBlock() {
	if t.openBlock < 0 {
		return
	}
	t.fw.writeEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.openBlock,
	})
	t.openBlock = -1
}

func (t *anthropicStreamTranslator) writeMessageDelta(stopReason string) {
	usage := types.AnthropicUsage{}
	if t.usage != nil {
		usage = types.AnthropicUsage{
			InputTokens:          t.usage.InputTokens,
			OutputTokens:         t.usage.OutputTokens,
			CacheReadInputTokens: t.usage.CachedTokens,
		}
	}
	t.fw.writeEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": usage,
	})
}

func (t *anthropicStreamTranslator) stopReason(finish string) string {
	if t.sawToolUse && finish == "stop" {
		return "tool_calls"
	}
	return finish
}

func anthropicStopReason(finish string) string {
	switch finish {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func parseToolInput(arguments string) any {
	arguments = strings.TrimSpace(arguments)
	if arguments == "" {
		return map[string]any{}
	}
	var parsed any
	if err := json.Unmarshal([]byte(arguments), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"raw": arguments}
}

func newAnthropicMessageID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err == nil {
		return "msg_" + hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("msg_%d", time.Now().UnixNano())
}
