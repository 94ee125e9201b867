package transform

import (
	"strings"

	"github.com/izzoa/ccproxy/internal/config"
)

// ComposeInstructions combines the client's system content with the
// provider's injected instructions according to the injection mode.
// On append the client's content comes first, joined with a single newline.
func ComposeInstructions(clientSystem, injected string, mode config.InjectionMode) string {
	clientSystem = strings.TrimSpace(clientSystem)
	injected = strings.TrimSpace(injected)

	switch mode {
	case config.InjectionOverride:
		if injected != "" {
			return injected
		}
		return clientSystem
	case config.InjectionAppend:
		if clientSystem == "" {
			return injected
		}
		if injected == "" {
			return clientSystem
		}
		return clientSystem + "\n" + injected
	default: // disabled
		return clientSystem
	}
}
