package session

import (
	"testing"

	"github.com/izzoa/ccproxy/internal/types"
)

func userMessage(text string) []types.ResponsesInputItem {
	return []types.ResponsesInputItem{{
		Type: "message",
		Role: "user",
		Content: []types.ResponsesContent{
			{Type: "input_text", Text: text},
		},
	}}
}

func TestResolvePrecedence(t *testing.T) {
	s := NewStore()
	items := userMessage("hello")

	if got := s.Resolve("path-id", "header-id", "sys", items); got != "path-id" {
		t.Errorf("path ID should win, got %q", got)
	}
	if got := s.Resolve("", "header-id", "sys", items); got != "header-id" {
		t.Errorf("header ID should win over synthesized, got %q", got)
	}
	if got := s.Resolve("", "", "sys", items); got == "" {
		t.Error("synthesized ID should not be empty")
	}
}

func TestResolveSynthesizedStable(t *testing.T) {
	s := NewStore()

	first := s.Resolve("", "", "you are helpful", userMessage("hello"))
	again := s.Resolve("", "", "you are helpful", userMessage("hello"))
	if first != again {
		t.Errorf("same prefix produced different IDs: %q vs %q", first, again)
	}

	other := s.Resolve("", "", "you are helpful", userMessage("different"))
	if other == first {
		t.Error("different first user message should produce a different ID")
	}
}

func TestResolveLaterTurnsShareID(t *testing.T) {
	s := NewStore()

	turn1 := userMessage("hello")
	turn2 := append(userMessage("hello"), types.ResponsesInputItem{
		Type: "message",
		Role: "assistant",
		Content: []types.ResponsesContent{
			{Type: "output_text", Text: "hi there"},
		},
	})

	if s.Resolve("", "", "sys", turn1) != s.Resolve("", "", "sys", turn2) {
		t.Error("later turns with the same prefix should reuse the session ID")
	}
}
