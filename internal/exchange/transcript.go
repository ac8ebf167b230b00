package exchange

import (
	"strings"

	"github.com/ashureev/agentrelay/internal/domain"
)

// RenderTranscript prepends up to maxTurns of the most recent prior turns to
// prompt. With no prior turns the prompt is returned verbatim.
func RenderTranscript(prior []domain.Turn, prompt string, maxTurns int) string {
	if maxTurns > 0 && len(prior) > maxTurns {
		prior = prior[len(prior)-maxTurns:]
	}
	if len(prior) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range prior {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent message: ")
	b.WriteString(prompt)
	return b.String()
}

// Attribute prefixes prompt with the requesting user's name.
func Attribute(username, prompt string) string {
	if username == "" {
		return prompt
	}
	return "[" + username + "]: " + prompt
}
