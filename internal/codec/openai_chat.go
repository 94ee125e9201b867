package codec

import (
	"net/http"
	"time"

	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
)

// ChatEncoder emits OpenAI Chat Completions responses.
type ChatEncoder struct{}

func (e *ChatEncoder) Format() Format { return FormatChatCompletions }

func (e *ChatEncoder) WriteStreamHeaders(w http.ResponseWriter) {
	writeStreamHeaders(w)
}

func (e *ChatEncoder) StreamTranslator(w http.ResponseWriter, model string, opts StreamOpts) Translator {
	return &chatStreamTranslator{
		fw:         newFrameWriter(w),
		model:      model,
		opts:       opts,
		responseID: "chatcmpl-stream",
		created:    time.Now().Unix(),
		announced:  map[int]bool{},
		named:      map[int]bool{},
		poured:     map[int]int{},
	}
}

func (e *ChatEncoder) WriteCollected(w http.ResponseWriter, statusCode int, col *Collected, model string) {
	if col.Failed() {
		WriteOpenAIError(w, http.StatusBadGateway, col.ErrMessage)
		return
	}
	message := types.ChatResponseMsg{Role: "assistant", Content: col.Text}
	if col.Reasoning != "" {
		message.Reasoning = col.Reasoning
	}
	if len(col.ToolCalls) > 0 {
		message.ToolCalls = col.ToolCalls
	}
	finish := col.FinishReason
	if finish == "" {
		finish = "stop"
	}
	var usage *types.Usage
	if col.Usage != nil {
		usage = &types.Usage{
			PromptTokens:     col.Usage.InputTokens,
			CompletionTokens: col.Usage.OutputTokens,
			TotalTokens:      col.Usage.TotalTokens(),
			CachedTokens:     col.Usage.CachedTokens,
		}
	}
	id := col.ResponseID
	if id == "" {
		id = "chatcmpl-local"
	}
	WriteJSON(w, statusCode, types.ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.ChatChoice{
			{Index: 0, Message: message, FinishReason: types.StringPtr(finish)},
		},
		Usage: usage,
	})
}

func (e *ChatEncoder) WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteOpenAIError(w, statusCode, message)
}

// chatStreamTranslator re-frames normalized events as chat completion
// chunks. Tool calls stream incrementally: a first chunk carries the call ID
// and name, later chunks carry argument fragments keyed by index.
type chatStreamTranslator struct {
	fw   *frameWriter
	opts StreamOpts

	model      string
	responseID string
	created    int64

	announced    map[int]bool // first chunk with id/name written per index
	named        map[int]bool
	poured       map[int]int // bytes of arguments already streamed per index
	sawToolCalls bool
	usage        *stream.Usage
	finished     bool
	gotEvents    bool
}

func (t *chatStreamTranslator) OnEvent(evt *stream.Event) {
	if t.finished {
		return
	}
	t.gotEvents = true
	if id := responseIDFrom(evt); id != "" {
		t.responseID = id
	}

	switch evt.Kind {
	case stream.KindTextDelta:
		t.writeDelta(types.ChatDelta{Content: evt.Text})

	case stream.KindReasoningDelta:
		t.writeDelta(types.ChatDelta{Reasoning: evt.Text})

	case stream.KindToolCallDelta:
		t.onToolEvent(evt)

	case stream.KindUsageSummary:
		t.usage = evt.Usage

	case stream.KindCompletion:
		t.writeFinish(t.finishReason(evt.FinishReason))
		t.finished = true

	case stream.KindError:
		// One corrupt frame is skipped; the stream stays open.
		if evt.Recoverable {
			return
		}
		// After commitment the error goes in-band, never as a fresh body.
		t.fw.writeData(types.ErrorResponse{Error: types.ErrorDetail{Message: evt.ErrMessage, Type: evt.ErrCode}})
		t.fw.writeDone()
		t.finished = true
	}
}

// onToolEvent streams one tool-call fragment. The terminal fragment carries
// the complete argument string; only the part not yet streamed is emitted.
func (t *chatStreamTranslator) onToolEvent(evt *stream.Event) {
	idx := evt.ToolIndex
	t.sawToolCalls = true

	if !t.announced[idx] {
		t.announced[idx] = true
		t.named[idx] = evt.ToolName != ""
		t.writeDelta(types.ChatDelta{ToolCalls: []types.ToolCall{{
			Index:    idx,
			ID:       evt.CallID,
			Type:     "function",
			Function: types.FunctionCall{Name: evt.ToolName},
		}}})
	} else if !t.named[idx] && evt.ToolName != "" {
		t.named[idx] = true
		t.writeDelta(types.ChatDelta{ToolCalls: []types.ToolCall{{
			Index:    idx,
			Function: types.FunctionCall{Name: evt.ToolName},
		}}})
	}

	if evt.ToolDone {
		rest := evt.ArgsDelta[min(t.poured[idx], len(evt.ArgsDelta)):]
		if rest == "" && t.poured[idx] == 0 {
			rest = "{}"
		}
		if rest != "" {
			t.writeArgsFragment(idx, rest)
		}
		return
	}
	if evt.ArgsDelta != "" {
		t.writeArgsFragment(idx, evt.ArgsDelta)
		t.poured[idx] += len(evt.ArgsDelta)
	}
}

func (t *chatStreamTranslator) writeArgsFragment(idx int, fragment string) {
	t.writeDelta(types.ChatDelta{ToolCalls: []types.ToolCall{{
		Index:    idx,
		Function: types.FunctionCall{Arguments: fragment},
	}}})
}

func (t *chatStreamTranslator) Finish() {
	if t.finished {
		return
	}
	if !t.gotEvents {
		t.fw.writeData(types.ErrorResponse{Error: types.ErrorDetail{Message: "upstream returned empty response"}})
		t.fw.writeDone()
		t.finished = true
		return
	}
	t.writeFinish(t.finishReason("stop"))
	t.finished = true
}

func (t *chatStreamTranslator) finishReason(finish string) string {
	if t.sawToolCalls && finish == "stop" {
		return "tool_calls"
	}
	return finish
}

func (t *chatStreamTranslator) writeFinish(reason string) {
	t.fw.writeData(types.ChatCompletionChunk{
		ID: t.responseID, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
		Choices: []types.ChatChunkChoice{{Index: 0, Delta: types.ChatDelta{}, FinishReason: types.StringPtr(reason)}},
	})
	if t.opts.IncludeUsage && t.usage != nil {
		t.fw.writeData(types.ChatCompletionChunk{
			ID: t.responseID, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
			Choices: []types.ChatChunkChoice{},
			Usage: &types.Usage{
				PromptTokens:     t.usage.InputTokens,
				CompletionTokens: t.usage.OutputTokens,
				TotalTokens:      t.usage.TotalTokens(),
				CachedTokens:     t.usage.CachedTokens,
			},
		})
	}
	t.fw.writeDone()
}

func (t *chatStreamTranslator) writeDelta(delta types.ChatDelta) {
	t.fw.writeData(types.ChatCompletionChunk{
		ID: t.responseID, Object: "chat.completion.chunk", Created: t.created, Model: t.model,
		Choices: []types.ChatChunkChoice{{Index: 0, Delta: delta, FinishReason: nil}},
	})
}
