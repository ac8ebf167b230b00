package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ashureev/agentrelay/internal/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderSessions(w io.Writer, sessions []domain.ScopedSession, now time.Time) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Scope", "Session", "Exchanges", "Age", "Channel"})
	for _, s := range sessions {
		tw.AppendRow(table.Row{
			s.ScopeKey,
			s.SessionID,
			s.ExchangeCount,
			fmt.Sprintf("%.1fh", s.Age(now).Hours()),
			s.ChannelName,
		})
	}
	tw.AppendFooter(table.Row{"", "Total", len(sessions), "", ""})
	tw.Render()
}

func renderHistory(w io.Writer, entries []domain.DecisionHistoryEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Time", "Decision", "Project", "Summary", "Result"})
	for _, e := range entries {
		tw.AppendRow(table.Row{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Decision,
			e.ProjectKey,
			e.Summary,
			e.ResultKey,
		})
	}
	tw.Render()
}
