package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zulandar/casedesk/internal/models"
)

const previewWidth = 40

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// formatWhen renders a timestamp for tables; nil is "-".
func formatWhen(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// writeCases prints cases as an aligned table.
func writeCases(out io.Writer, cases []models.CaseSummary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CASE\tCLIENT\tCHANNEL\tUNREAD\tLAST\tPREVIEW")
	for _, cs := range cases {
		channel := cs.Channel
		if cs.IntegrationName != "" {
			channel = cs.IntegrationName + "/" + channel
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			cs.CaseID, cs.ClientName, channel, cs.UnreadCount,
			formatWhen(cs.LastMessageAt), truncate(cs.LastMessagePreview, previewWidth))
	}
	return w.Flush()
}

// formatMessage renders one timeline row.
func formatMessage(m models.Message) string {
	at := m.CreatedAt
	body := m.Preview()
	if m.MessageType != models.MessageText && m.MessageType != "" && m.Text() != "" {
		body += " " + m.Text()
	}
	if fu := m.FileURL; fu != nil && *fu != "" {
		body += " <" + *fu + ">"
	}
	line := fmt.Sprintf("[%s] %-6s %s", at.Local().Format("15:04:05"), m.SenderType, body)
	if m.Pending() {
		line += " (sending)"
	}
	return line
}

// writeMessages prints a transcript, one message per line.
func writeMessages(out io.Writer, msgs []models.Message) {
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m))
	}
}
