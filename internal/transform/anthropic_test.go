package transform

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/izzoa/ccproxy/internal/types"
)

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }

func TestAnthropicMessagesToInputOrder(t *testing.T) {
	messages := []types.AnthropicMessage{
		{Role: "user", Content: rawJSON(`"hello"`)},
		{Role: "assistant", Content: rawJSON(`[
			{"type":"text","text":"let me check"},
			{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Oslo"}}
		]`)},
		{Role: "user", Content: rawJSON(`[
			{"type":"tool_result","tool_use_id":"toolu_1","content":"sunny"}
		]`)},
	}

	items, err := AnthropicMessagesToInput(messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}

	wantTypes := []string{"message", "message", "function_call", "function_call_output"}
	for i, want := range wantTypes {
		if items[i].Type != want {
			t.Errorf("item %d type = %q, want %q", i, items[i].Type, want)
		}
	}
	if items[0].Role != "user" || items[0].Content[0].Text != "hello" {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].Content[0].Type != "output_text" {
		t.Errorf("assistant text kind = %q, want output_text", items[1].Content[0].Type)
	}
	if items[2].CallID != "toolu_1" || items[2].Name != "get_weather" || items[2].Arguments != `{"city":"Oslo"}` {
		t.Errorf("function_call = %+v", items[2])
	}
	if items[3].CallID != "toolu_1" || items[3].Output != "sunny" {
		t.Errorf("function_call_output = %+v", items[3])
	}
}

func TestAnthropicImageBlocks(t *testing.T) {
	messages := []types.AnthropicMessage{
		{Role: "user", Content: rawJSON(`[
			{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}},
			{"type":"text","text":"what is this"}
		]`)},
	}
	items, err := AnthropicMessagesToInput(messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || len(items[0].Content) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Content[0].ImageURL != "data:image/png;base64,AAAA" {
		t.Errorf("image URL = %q", items[0].Content[0].ImageURL)
	}
}

func TestAnthropicMalformedBlockReportsIndex(t *testing.T) {
	messages := []types.AnthropicMessage{
		{Role: "user", Content: rawJSON(`[
			{"type":"text","text":"ok"},
			{"type":"tool_result","content":"orphaned"}
		]`)},
	}
	_, err := AnthropicMessagesToInput(messages)
	var te *RequestTransformError
	if !errors.As(err, &te) {
		t.Fatalf("expected RequestTransformError, got %v", err)
	}
	if te.BlockIndex != 1 {
		t.Errorf("BlockIndex = %d, want 1", te.BlockIndex)
	}
}

func TestAnthropicToolChoiceToInput(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, "auto"},
		{"auto", map[string]any{"type": "auto"}, "auto"},
		{"none", "none", "none"},
		{"any", map[string]any{"type": "any"}, map[string]any{"type": "required"}},
		{"tool", map[string]any{"type": "tool", "name": "f"}, map[string]any{"type": "function", "name": "f"}},
	}
	for _, tt := range tests {
		got := AnthropicToolChoiceToInput(tt.in)
		gotJSON, _ := json.Marshal(got)
		wantJSON, _ := json.Marshal(tt.want)
		if string(gotJSON) != string(wantJSON) {
			t.Errorf("%s: got %s, want %s", tt.name, gotJSON, wantJSON)
		}
	}
}

func TestAnthropicToolsToInput(t *testing.T) {
	tools := AnthropicToolsToInput([]types.AnthropicTool{
		{Name: "get_weather", Description: "d", InputSchema: map[string]any{"type": "object"}},
		{Name: ""},
	})
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Type != "function" || tools[0].Name != "get_weather" {
		t.Errorf("tool = %+v", tools[0])
	}
}
