package upstream

import (
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/izzoa/ccproxy/internal/types"
)

// buildSDKParams maps a dispatch request onto the SDK param types. Sampling
// params arrive pre-classified under their upstream names; anything the SDK
// has no typed slot for is dropped here rather than smuggled through.
func buildSDKParams(req *Request) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(req.Model),
		Input: inputItemsToSDK(req.InputItems),
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}
	if len(req.Tools) > 0 {
		params.Tools = toolsToSDK(req.Tools)
	}
	if req.ToolChoice != nil {
		params.ToolChoice = toolChoiceToSDK(req.ToolChoice)
	}
	if req.SessionID != "" {
		params.PromptCacheKey = openai.String(req.SessionID)
	}

	for name, v := range req.SamplingParams {
		switch name {
		case "temperature":
			if f, ok := floatFromAny(v); ok {
				params.Temperature = openai.Float(f)
			}
		case "top_p":
			if f, ok := floatFromAny(v); ok {
				params.TopP = openai.Float(f)
			}
		case "max_output_tokens":
			if n, ok := types.IntFromAny(v); ok {
				params.MaxOutputTokens = openai.Int(int64(n))
			}
		case "parallel_tool_calls":
			if b, ok := v.(bool); ok {
				params.ParallelToolCalls = openai.Bool(b)
			}
		case "reasoning_effort":
			if s, ok := v.(string); ok && s != "" {
				params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(s)}
			}
		}
	}
	return params
}

func inputItemsToSDK(items []types.ResponsesInputItem) responses.ResponseNewParamsInputUnion {
	if len(items) == 0 {
		return responses.ResponseNewParamsInputUnion{}
	}
	sdkItems := make(responses.ResponseInputParam, 0, len(items))
	for _, item := range items {
		if sdkItem, ok := inputItemToSDK(item); ok {
			sdkItems = append(sdkItems, sdkItem)
		}
	}
	return responses.ResponseNewParamsInputUnion{OfInputItemList: sdkItems}
}

func inputItemToSDK(item types.ResponsesInputItem) (responses.ResponseInputItemUnionParam, bool) {
	switch item.Type {
	case "message":
		if item.Role == "assistant" {
			return assistantItemToSDK(item)
		}
		content := contentToSDK(item.Content)
		if len(content) == 0 {
			return responses.ResponseInputItemUnionParam{}, false
		}
		return responses.ResponseInputItemParamOfMessage(content, responses.EasyInputMessageRole(item.Role)), true

	case "function_call":
		if item.CallID == "" || item.Name == "" {
			return responses.ResponseInputItemUnionParam{}, false
		}
		return responses.ResponseInputItemParamOfFunctionCall(item.Arguments, item.CallID, item.Name), true

	case "function_call_output":
		if item.CallID == "" {
			return responses.ResponseInputItemUnionParam{}, false
		}
		return responses.ResponseInputItemParamOfFunctionCallOutput(item.CallID, item.Output), true

	default:
		return responses.ResponseInputItemUnionParam{}, false
	}
}

// assistantItemToSDK converts prior assistant turns. The SDK requires those to
// carry output_text content rather than input_text.
func assistantItemToSDK(item types.ResponsesInputItem) (responses.ResponseInputItemUnionParam, bool) {
	var content []responses.ResponseOutputMessageContentUnionParam
	for _, c := range item.Content {
		switch c.Type {
		case "output_text", "input_text", "text":
			if c.Text != "" {
				content = append(content, responses.ResponseOutputMessageContentUnionParam{
					OfOutputText: &responses.ResponseOutputTextParam{Text: c.Text},
				})
			}
		}
	}
	if len(content) == 0 {
		return responses.ResponseInputItemUnionParam{}, false
	}
	return responses.ResponseInputItemParamOfOutputMessage(content, "", responses.ResponseOutputMessageStatusCompleted), true
}

func contentToSDK(content []types.ResponsesContent) responses.ResponseInputMessageContentListParam {
	if len(content) == 0 {
		return nil
	}
	out := make(responses.ResponseInputMessageContentListParam, 0, len(content))
	for _, c := range content {
		switch c.Type {
		case "input_text", "output_text", "text":
			if c.Text != "" {
				out = append(out, responses.ResponseInputContentParamOfInputText(c.Text))
			}
		case "input_image":
			if c.ImageURL != "" {
				out = append(out, responses.ResponseInputContentUnionParam{
					OfInputImage: &responses.ResponseInputImageParam{
						ImageURL: openai.String(c.ImageURL),
					},
				})
			}
		}
	}
	return out
}

func toolsToSDK(tools []types.ResponsesTool) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" || t.Name == "" {
			continue
		}
		params, _ := t.Parameters.(map[string]any)
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		strict := false
		if t.Strict != nil {
			strict = *t.Strict
		}
		ft := responses.FunctionToolParam{
			Name:       t.Name,
			Parameters: params,
			Strict:     openai.Bool(strict),
		}
		if t.Description != "" {
			ft.Description = openai.String(t.Description)
		}
		out = append(out, responses.ToolUnionParam{OfFunction: &ft})
	}
	return out
}

func toolChoiceToSDK(choice any) responses.ResponseNewParamsToolChoiceUnion {
	switch tc := choice.(type) {
	case string:
		switch tc {
		case "none":
			return responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsNone),
			}
		case "required":
			return responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsRequired),
			}
		default:
			return responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsAuto),
			}
		}
	case map[string]any:
		if name := functionChoiceName(tc); name != "" {
			return responses.ResponseNewParamsToolChoiceUnion{
				OfFunctionTool: &responses.ToolChoiceFunctionParam{Name: name},
			}
		}
		if typ, _ := tc["type"].(string); typ == "required" {
			return responses.ResponseNewParamsToolChoiceUnion{
				OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsRequired),
			}
		}
		return responses.ResponseNewParamsToolChoiceUnion{
			OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsAuto),
		}
	default:
		return responses.ResponseNewParamsToolChoiceUnion{
			OfToolChoiceMode: openai.Opt(responses.ToolChoiceOptionsAuto),
		}
	}
}

func functionChoiceName(tc map[string]any) string {
	if typ, _ := tc["type"].(string); typ != "function" {
		return ""
	}
	if name, _ := tc["name"].(string); name != "" {
		return name
	}
	if fn, _ := tc["function"].(map[string]any); fn != nil {
		name, _ := fn["name"].(string)
		return name
	}
	return ""
}

func floatFromAny(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
