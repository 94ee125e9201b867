package codec

import (
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
)

// ResponsesEncoder emits OpenAI Responses API responses. The upstream
// already speaks this dialect, so streaming is a passthrough with the model
// alias restored on frames that carry one.
type ResponsesEncoder struct{}

func (e *ResponsesEncoder) Format() Format { return FormatResponses }

func (e *ResponsesEncoder) WriteStreamHeaders(w http.ResponseWriter) {
	writeStreamHeaders(w)
}

func (e *ResponsesEncoder) StreamTranslator(w http.ResponseWriter, model string, opts StreamOpts) Translator {
	return &responsesStreamTranslator{fw: newFrameWriter(w), model: model}
}

func (e *ResponsesEncoder) WriteCollected(w http.ResponseWriter, statusCode int, col *Collected, model string) {
	if col.Failed() {
		WriteOpenAIError(w, http.StatusBadGateway, col.ErrMessage)
		return
	}

	var output []types.ResponsesOutputItem
	if col.Text != "" {
		output = append(output, types.ResponsesOutputItem{
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []types.ResponsesContent{
				{Type: "output_text", Text: col.Text},
			},
		})
	}
	for _, tc := range col.ToolCalls {
		output = append(output, types.ResponsesOutputItem{
			Type:      "function_call",
			Status:    "completed",
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			CallID:    tc.ID,
		})
	}

	var usage *types.ResponsesUsage
	if col.Usage != nil {
		usage = &types.ResponsesUsage{
			InputTokens:  col.Usage.InputTokens,
			OutputTokens: col.Usage.OutputTokens,
			TotalTokens:  col.Usage.TotalTokens(),
		}
	}

	id := col.ResponseID
	if id == "" {
		id = "resp_local"
	}
	WriteJSON(w, statusCode, types.ResponsesResponse{
		ID:        id,
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Model:     model,
		Status:    "completed",
		Output:    output,
		Usage:     usage,
	})
}

func (e *ResponsesEncoder) WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteOpenAIError(w, statusCode, message)
}

// responsesStreamTranslator forwards frames 1:1, patching the reported model.
type responsesStreamTranslator struct {
	fw       *frameWriter
	model    string
	finished bool
	gotAny   bool
}

func (t *responsesStreamTranslator) OnEvent(evt *stream.Event) {
	if t.finished {
		return
	}
	t.gotAny = true

	// The completion frame carries usage itself; the separate usage event
	// shares its raw frame and would duplicate it on passthrough.
	if evt.Kind == stream.KindUsageSummary {
		return
	}

	if evt.Kind == stream.KindError && len(evt.Raw) > 0 && !gjson.ValidBytes(evt.Raw) {
		// Malformed upstream frame: surface a well-formed error frame instead
		// of relaying garbage.
		t.fw.writeData(map[string]any{
			"type":  "error",
			"error": map[string]any{"code": evt.ErrCode, "message": evt.ErrMessage},
		})
		return
	}

	raw := evt.Raw
	if gjson.GetBytes(raw, "response.model").Exists() {
		if patched, err := sjson.SetBytes(raw, "response.model", t.model); err == nil {
			raw = patched
		}
	}
	t.fw.writeRaw(evt.Type, raw)

	if evt.Kind == stream.KindCompletion || evt.Kind == stream.KindError {
		t.fw.writeDone()
		t.finished = true
	}
}

func (t *responsesStreamTranslator) Finish() {
	if t.finished {
		return
	}
	if !t.gotAny {
		t.fw.writeRaw("response.failed", []byte(`{"type":"response.failed","response":{"error":{"message":"upstream returned empty response"}}}`))
	}
	t.fw.writeDone()
	t.finished = true
}
