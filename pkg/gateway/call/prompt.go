package call

import (
	"context"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core/turn"
)

// Prompt is everything the agent needs to run one call for a tenant.
type Prompt struct {
	// System and Script are injected once per call as conversation payloads.
	System string
	Script string
	// Greeting is the instruction for the agent's first turn.
	Greeting string

	Voice               string
	Language            string
	TranscriptionPrompt string
	Temperature         float64

	// HangupPhrases end the call when the agent says one of them.
	HangupPhrases []string
	// Whitelist overrides the short replies accepted as real speech.
	Whitelist []string
}

// PromptProvider resolves the prompt for a tenant and call direction.
type PromptProvider interface {
	Prompt(ctx context.Context, tenantID string, dir Direction) (Prompt, error)
}

// StaticPrompt serves the same prompt to every call.
type StaticPrompt Prompt

func (p StaticPrompt) Prompt(context.Context, string, Direction) (Prompt, error) {
	return Prompt(p), nil
}

// DefaultHangupPhrases are used when a tenant configures none.
var DefaultHangupPhrases = []string{
	"goodbye", "bye bye", "have a great day", "have a nice day",
	"adiós", "hasta luego", "que tenga un buen día", "que tenga buen día",
}

// containsHangupPhrase reports whether an agent transcript ends the call.
func containsHangupPhrase(text string, phrases []string) bool {
	norm := " " + turn.Normalize(text) + " "
	for _, p := range phrases {
		p = turn.Normalize(p)
		if p != "" && strings.Contains(norm, " "+p+" ") {
			return true
		}
	}
	return false
}
