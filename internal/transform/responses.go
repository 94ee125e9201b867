package transform

import (
	"encoding/json"
	"strings"

	"github.com/izzoa/ccproxy/internal/types"
)

// ParseResponsesInput normalizes the Responses API "input" field, which may
// be a plain string or an item array. Text-only system messages are lifted
// into the returned instructions string.
func ParseResponsesInput(input any) ([]types.ResponsesInputItem, string, error) {
	switch v := input.(type) {
	case nil:
		return nil, "", nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, "", nil
		}
		return []types.ResponsesInputItem{{
			Type:    "message",
			Role:    "user",
			Content: []types.ResponsesContent{{Type: "input_text", Text: v}},
		}}, "", nil
	}

	b, err := json.Marshal(input)
	if err != nil {
		return nil, "", blockErr(-1, "invalid input field")
	}
	var items []types.ResponsesInputItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, "", blockErr(-1, "input must be a string or an item array")
	}

	items, instructions := liftSystemMessages(items)
	return items, instructions, nil
}

// liftSystemMessages extracts text-only system messages into instructions.
// System messages carrying images stay in the transcript as user messages.
func liftSystemMessages(items []types.ResponsesInputItem) ([]types.ResponsesInputItem, string) {
	if len(items) == 0 {
		return nil, ""
	}
	out := make([]types.ResponsesInputItem, 0, len(items))
	var parts []string
	for _, item := range items {
		if item.Role != "system" || (item.Type != "" && item.Type != "message") {
			out = append(out, item)
			continue
		}
		if text, ok := systemText(item.Content); ok {
			parts = append(parts, text)
			continue
		}
		item.Role = "user"
		out = append(out, item)
	}
	return out, strings.Join(parts, "\n\n")
}

func systemText(content []types.ResponsesContent) (string, bool) {
	if len(content) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if c.ImageURL != "" {
			return "", false
		}
		if typ := strings.TrimSpace(c.Type); typ != "" && typ != "input_text" && typ != "text" {
			return "", false
		}
		if text := strings.TrimSpace(c.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}
