package transform

import (
	"testing"

	"github.com/izzoa/ccproxy/internal/config"
)

func TestComposeInstructions(t *testing.T) {
	tests := []struct {
		name     string
		client   string
		injected string
		mode     config.InjectionMode
		want     string
	}{
		{"disabled keeps client", "client sys", "injected", config.InjectionDisabled, "client sys"},
		{"override replaces", "client sys", "injected", config.InjectionOverride, "injected"},
		{"override empty injected falls back", "client sys", "", config.InjectionOverride, "client sys"},
		{"append client first", "client sys", "injected", config.InjectionAppend, "client sys\ninjected"},
		{"append no client", "", "injected", config.InjectionAppend, "injected"},
		{"append no injected", "client sys", "", config.InjectionAppend, "client sys"},
		{"all empty", "", "", config.InjectionAppend, ""},
	}
	for _, tt := range tests {
		if got := ComposeInstructions(tt.client, tt.injected, tt.mode); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEstimateInputTokensDeterministic(t *testing.T) {
	items, _, err := ParseResponsesInput("count my tokens please")
	if err != nil {
		t.Fatal(err)
	}
	first := EstimateInputTokens("be brief", items, nil)
	if first < 1 {
		t.Fatalf("estimate = %d, want >= 1", first)
	}
	for i := 0; i < 5; i++ {
		if got := EstimateInputTokens("be brief", items, nil); got != first {
			t.Fatalf("estimate not deterministic: %d vs %d", got, first)
		}
	}
}
