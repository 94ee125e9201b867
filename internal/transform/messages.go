package transform

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/izzoa/ccproxy/internal/types"
)

// ChatMessagesToInput converts OpenAI chat messages to Responses input items.
// System messages are handled separately by the caller; block order within
// the remaining messages is preserved.
func ChatMessagesToInput(messages []types.ChatMessage) []types.ResponsesInputItem {
	var inputItems []types.ResponsesInputItem

	for _, message := range messages {
		role := message.Role

		if role == "system" || role == "developer" {
			continue
		}

		if role == "tool" {
			callID := message.ToolCallID
			if callID == "" {
				callID = message.Name
			}
			if callID != "" {
				inputItems = append(inputItems, types.ResponsesInputItem{
					Type:   "function_call_output",
					CallID: callID,
					Output: extractToolContent(message.Content),
				})
			}
			continue
		}

		if role == "assistant" {
			for _, tc := range message.ToolCalls {
				if tc.Type != "" && tc.Type != "function" {
					continue
				}
				if tc.ID != "" && tc.Function.Name != "" && tc.Function.Arguments != "" {
					inputItems = append(inputItems, types.ResponsesInputItem{
						Type:      "function_call",
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
						CallID:    tc.ID,
					})
				}
			}
		}

		contentItems := extractContentItems(message.Content, role)
		if len(contentItems) == 0 {
			continue
		}
		inputItems = append(inputItems, types.ResponsesInputItem{
			Type:    "message",
			Role:    normalizeRole(role),
			Content: contentItems,
		})
	}

	return inputItems
}

// ExtractChatSystemText pulls the system/developer messages out of a chat
// conversation, coalescing them into one logical system prompt.
func ExtractChatSystemText(messages []types.ChatMessage) string {
	var parts []string
	for _, m := range messages {
		if m.Role != "system" && m.Role != "developer" {
			continue
		}
		if txt := extractToolContent(m.Content); strings.TrimSpace(txt) != "" {
			parts = append(parts, strings.TrimSpace(txt))
		}
	}
	return strings.Join(parts, "\n\n")
}

// ChatToolsToInput converts chat completion tools to Responses tools.
func ChatToolsToInput(tools []types.ChatTool) []types.ResponsesTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]types.ResponsesTool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if t.Function == nil || strings.TrimSpace(t.Function.Name) == "" {
			continue
		}
		out = append(out, types.ResponsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out
}

// ChatToolChoiceToInput maps chat tool_choice values to Responses tool_choice.
func ChatToolChoiceToInput(choice any) any {
	if choice == nil {
		return "auto"
	}
	if s, ok := choice.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "none":
			return "none"
		case "required":
			return map[string]any{"type": "required"}
		default:
			return "auto"
		}
	}
	m, ok := choice.(map[string]any)
	if !ok {
		return "auto"
	}
	if fn, ok := m["function"].(map[string]any); ok {
		if name, _ := fn["name"].(string); strings.TrimSpace(name) != "" {
			return map[string]any{"type": "function", "name": name}
		}
	}
	return "auto"
}

func extractToolContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var texts []string
		for _, part := range c {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			t, _ := p["text"].(string)
			if t == "" {
				t, _ = p["content"].(string)
			}
			if t != "" {
				texts = append(texts, t)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func extractContentItems(content any, role string) []types.ResponsesContent {
	var items []types.ResponsesContent

	switch c := content.(type) {
	case []any:
		for _, part := range c {
			p, ok := part.(map[string]any)
			if !ok {
				continue
			}
			ptype, _ := p["type"].(string)
			switch ptype {
			case "text", "input_text":
				text, _ := p["text"].(string)
				if text == "" {
					text, _ = p["content"].(string)
				}
				if text != "" {
					items = append(items, types.ResponsesContent{Type: textKind(role), Text: text})
				}
			case "image_url":
				var imgURL string
				if img, ok := p["image_url"].(map[string]any); ok {
					imgURL, _ = img["url"].(string)
				} else if s, ok := p["image_url"].(string); ok {
					imgURL = s
				}
				if imgURL != "" {
					items = append(items, types.ResponsesContent{
						Type:     "input_image",
						ImageURL: normalizeImageDataURL(imgURL),
					})
				}
			}
		}
	case string:
		if c != "" {
			items = append(items, types.ResponsesContent{Type: textKind(role), Text: c})
		}
	}

	return items
}

// normalizeImageDataURL repairs common client encodings of base64 data URLs
// (URL-escaping, base64url alphabet, missing padding).
func normalizeImageDataURL(u string) string {
	if !strings.HasPrefix(u, "data:image/") || !strings.Contains(u, ";base64,") {
		return u
	}
	parts := strings.SplitN(u, ",", 2)
	if len(parts) != 2 {
		return u
	}
	data, _ := url.QueryUnescape(parts[1])
	data = strings.NewReplacer("\n", "", "\r", "", "-", "+", "_", "/").Replace(data)
	if pad := len(data) % 4; pad != 0 {
		data += strings.Repeat("=", 4-pad)
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return u
	}
	return parts[0] + "," + data
}
