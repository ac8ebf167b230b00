package approval

import (
	"fmt"
	"strings"

	"github.com/ashureev/agentrelay/internal/domain"
)

func analysisPrompt(request string) string {
	return `Analyze the request below and propose the tickets that should be created.
Do not create anything yet. Reply with a single fenced json code block holding an
array of objects with the fields projectKey, issueType, summary, description,
priority, assignee (optional) and labels.

Request:
` + request
}

func directPrompt(request string) string {
	return request + "\n\nProceed directly without asking for confirmation."
}

func creationPrompt(p domain.TicketProposal) string {
	var b strings.Builder
	b.WriteString("Create a ticket with exactly these fields:\n")
	fmt.Fprintf(&b, "Project: %s\n", p.ProjectKey)
	fmt.Fprintf(&b, "Issue type: %s\n", p.IssueType)
	fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
	fmt.Fprintf(&b, "Description: %s\n", p.Description)
	fmt.Fprintf(&b, "Priority: %s\n", p.Priority)
	if p.Assignee != "" {
		fmt.Fprintf(&b, "Assignee: %s\n", p.Assignee)
	}
	if len(p.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(p.Labels, ", "))
	}
	b.WriteString("Reply with the key of the created ticket.")
	return b.String()
}

// RenderPreview formats a proposal for presenters without preview support.
func RenderPreview(p domain.TicketProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket preview: %s\n", p.Summary)
	fmt.Fprintf(&b, "Project: %s | Type: %s | Priority: %s\n", p.ProjectKey, p.IssueType, p.Priority)
	if p.Assignee != "" {
		fmt.Fprintf(&b, "Assignee: %s\n", p.Assignee)
	}
	if len(p.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(p.Labels, ", "))
	}
	fmt.Fprintf(&b, "\n%s\n\n", p.Description)
	names := make([]string, len(Decisions))
	for i, d := range Decisions {
		names[i] = string(d)
	}
	fmt.Fprintf(&b, "Decide: %s", strings.Join(names, " | "))
	return b.String()
}
