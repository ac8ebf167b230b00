package approval

import "strings"

var ticketKeywords = []string{
	"create a ticket",
	"new issue",
	"jira",
	"task",
	"bug",
	"track this issue",
	"story",
}

// MentionsTicket reports whether text asks for ticket creation and should go
// through ProposeActions.
func MentionsTicket(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range ticketKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
