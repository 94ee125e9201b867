package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/izzoa/ccproxy/internal/types"
)

// AnthropicMessagesToInput converts Anthropic Messages into Responses input
// items. Block order is preserved exactly; a malformed block fails the whole
// request with its index.
func AnthropicMessagesToInput(messages []types.AnthropicMessage) ([]types.ResponsesInputItem, error) {
	var out []types.ResponsesInputItem
	nextCallID := 1
	blockIndex := -1

	for _, msg := range messages {
		role := strings.TrimSpace(strings.ToLower(msg.Role))
		if role == "" {
			continue
		}
		blocks, err := msg.ParseContent()
		if err != nil {
			return nil, blockErr(blockIndex+1, "%s", err.Error())
		}

		var pending []types.ResponsesContent
		flushPending := func() {
			if len(pending) == 0 {
				return
			}
			content := make([]types.ResponsesContent, len(pending))
			copy(content, pending)
			out = append(out, types.ResponsesInputItem{
				Type:    "message",
				Role:    normalizeRole(role),
				Content: content,
			})
			pending = pending[:0]
		}

		for _, block := range blocks {
			blockIndex++
			switch strings.TrimSpace(strings.ToLower(block.Type)) {
			case "", "text":
				if block.Text == "" {
					continue
				}
				pending = append(pending, types.ResponsesContent{Type: textKind(role), Text: block.Text})

			case "thinking":
				// Prior-turn reasoning is carried as assistant text so the
				// upstream sees the full transcript.
				if block.Thinking == "" {
					continue
				}
				pending = append(pending, types.ResponsesContent{Type: textKind(role), Text: block.Thinking})

			case "image":
				src, err := anthropicImageURL(block.Source)
				if err != nil {
					return nil, blockErr(blockIndex, "%s", err.Error())
				}
				pending = append(pending, types.ResponsesContent{Type: "input_image", ImageURL: src})

			case "tool_use":
				flushPending()
				if strings.TrimSpace(block.Name) == "" {
					return nil, blockErr(blockIndex, "tool_use block missing name")
				}
				callID := strings.TrimSpace(block.ID)
				if callID == "" {
					callID = fmt.Sprintf("call_%d", nextCallID)
					nextCallID++
				}
				args := "{}"
				if block.Input != nil {
					if b, err := json.Marshal(block.Input); err == nil {
						args = string(b)
					}
				}
				out = append(out, types.ResponsesInputItem{
					Type:      "function_call",
					Name:      block.Name,
					Arguments: args,
					CallID:    callID,
				})

			case "tool_result":
				flushPending()
				callID := strings.TrimSpace(block.ToolUseID)
				if callID == "" {
					return nil, blockErr(blockIndex, "tool_result block missing tool_use_id")
				}
				out = append(out, types.ResponsesInputItem{
					Type:   "function_call_output",
					CallID: callID,
					Output: types.ParseToolResultText(block.Content),
				})

			default:
				// Unknown blocks that still carry text stay in the transcript.
				if block.Text != "" {
					pending = append(pending, types.ResponsesContent{Type: textKind(role), Text: block.Text})
				}
			}
		}

		flushPending()
	}

	return out, nil
}

func anthropicImageURL(src *types.AnthropicImage) (string, error) {
	if src == nil {
		return "", fmt.Errorf("image block missing source")
	}
	switch src.Type {
	case "url":
		if src.URL == "" {
			return "", fmt.Errorf("image source missing url")
		}
		return src.URL, nil
	case "base64":
		if src.Data == "" || src.MediaType == "" {
			return "", fmt.Errorf("image source missing data or media_type")
		}
		return "data:" + src.MediaType + ";base64," + src.Data, nil
	default:
		return "", fmt.Errorf("unsupported image source type %q", src.Type)
	}
}

// AnthropicToolsToInput converts Messages API tools to Responses tools.
func AnthropicToolsToInput(tools []types.AnthropicTool) []types.ResponsesTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]types.ResponsesTool, 0, len(tools))
	for _, t := range tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		out = append(out, types.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

// AnthropicToolChoiceToInput maps Messages API tool_choice to Responses
// tool_choice.
func AnthropicToolChoiceToInput(choice any) any {
	if choice == nil {
		return "auto"
	}
	if s, ok := choice.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "none":
			return "none"
		default:
			return "auto"
		}
	}
	m, ok := choice.(map[string]any)
	if !ok {
		return "auto"
	}
	kind, _ := m["type"].(string)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "none":
		return "none"
	case "auto":
		return "auto"
	case "any":
		return map[string]any{"type": "required"}
	case "tool":
		name, _ := m["name"].(string)
		if name = strings.TrimSpace(name); name == "" {
			return map[string]any{"type": "required"}
		}
		return map[string]any{"type": "function", "name": name}
	default:
		return "auto"
	}
}

func normalizeRole(role string) string {
	if role == "assistant" {
		return "assistant"
	}
	return "user"
}

func textKind(role string) string {
	if role == "assistant" {
		return "output_text"
	}
	return "input_text"
}
