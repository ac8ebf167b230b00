package approval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ashureev/agentrelay/internal/domain"
)

// ErrNoProposals means the agent response held no parseable proposal list.
var ErrNoProposals = errors.New("no ticket proposals in response")

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New()
	})
	return markdownParser
}

// ParseProposals extracts ticket proposals from an agent response. The list
// is read from the first fenced json code block, or from the whole response
// when there is none. Comments and trailing commas are tolerated. The list may
// be a bare array, a single object, or an object with a "tickets" array.
// Entries missing a required field are dropped; ErrNoProposals is returned
// when the payload cannot be parsed or every entry was dropped.
func ParseProposals(response string) ([]domain.TicketProposal, error) {
	payload := fencedJSON(response)
	if payload == nil {
		payload = []byte(strings.TrimSpace(response))
	}
	payload = bytes.TrimSpace(jsonc.ToJSON(payload))
	if len(payload) == 0 {
		return nil, ErrNoProposals
	}

	raw, err := decodeList(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProposals, err)
	}
	if len(raw) == 0 {
		return []domain.TicketProposal{}, nil
	}

	out := make([]domain.TicketProposal, 0, len(raw))
	for _, p := range raw {
		if missing := missingField(p); missing != "" {
			continue
		}
		p.Normalize()
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: every entry is missing required fields", ErrNoProposals)
	}
	return out, nil
}

func decodeList(payload []byte) ([]domain.TicketProposal, error) {
	switch payload[0] {
	case '[':
		var list []domain.TicketProposal
		if err := json.Unmarshal(payload, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var wrapped struct {
			Tickets []domain.TicketProposal `json:"tickets"`
		}
		if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Tickets != nil {
			return wrapped.Tickets, nil
		}
		var single domain.TicketProposal
		if err := json.Unmarshal(payload, &single); err != nil {
			return nil, err
		}
		return []domain.TicketProposal{single}, nil
	}
	return nil, fmt.Errorf("unexpected payload starting with %q", payload[0])
}

// fencedJSON returns the contents of the first ```json block, or nil.
func fencedJSON(response string) []byte {
	source := []byte(response)
	doc := parser().Parser().Parse(text.NewReader(source))

	var found []byte
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lang := strings.ToLower(string(block.Language(source)))
		if lang != "json" && lang != "jsonc" {
			return ast.WalkSkipChildren, nil
		}
		var buf bytes.Buffer
		lines := block.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		found = buf.Bytes()
		return ast.WalkStop, nil
	})
	return found
}

func missingField(p domain.TicketProposal) string {
	switch {
	case strings.TrimSpace(p.ProjectKey) == "":
		return "projectKey"
	case strings.TrimSpace(p.IssueType) == "":
		return "issueType"
	case strings.TrimSpace(p.Summary) == "":
		return "summary"
	case strings.TrimSpace(p.Description) == "":
		return "description"
	}
	return ""
}
