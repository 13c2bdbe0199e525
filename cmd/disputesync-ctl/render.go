package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

// render writes v as indented JSON or rows as an aligned table. The first
// row is the header.
func render(w io.Writer, format string, v any, rows [][]string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func caseTable(cases []canonical.Case) [][]string {
	rows := [][]string{{"CASE", "CONNECTION", "DISPUTE", "STATUS", "AMOUNT", "REASON", "SCORE", "DUE"}}
	for _, c := range cases {
		rows = append(rows, []string{
			c.CaseID,
			c.ConnectionID,
			c.ExternalDisputeID,
			string(c.Status),
			formatAmount(c.Amount, c.Currency),
			c.ReasonCode,
			formatScore(c.ConfidenceScore),
			c.DueDate,
		})
	}
	return rows
}

func caseDetail(c canonical.Case) [][]string {
	rows := caseTable([]canonical.Case{c})
	if len(c.Timeline) == 0 {
		return rows
	}
	rows = append(rows, []string{""}, []string{"AT", "KIND", "FROM", "TO", "ACTOR", "REASON"})
	for _, ev := range c.Timeline {
		rows = append(rows, []string{
			formatTime(ev.CreatedAt),
			string(ev.Kind),
			string(ev.FromStatus),
			string(ev.ToStatus),
			ev.Actor,
			ev.Reason,
		})
	}
	return rows
}

func taskTable(tasks []canonical.OutboundTask) [][]string {
	rows := [][]string{{"TASK", "CASE", "TARGET", "ACTION", "STATUS", "ATTEMPT", "LAST_ERROR"}}
	for _, t := range tasks {
		rows = append(rows, []string{
			t.TaskID,
			t.CaseID,
			t.TargetConnectionID,
			string(t.Action),
			string(t.Status),
			fmt.Sprint(t.Attempt),
			t.LastError,
		})
	}
	return rows
}

func eventTable(events []canonical.SyncEvent) [][]string {
	rows := [][]string{{"EVENT", "TYPE", "CONNECTION", "STATUS", "ATTEMPTS", "RECEIVED", "ERROR"}}
	for _, e := range events {
		rows = append(rows, []string{
			e.EventID,
			string(e.EventType),
			e.SourceConnectionID,
			string(e.Status),
			fmt.Sprint(e.Attempts),
			formatTime(e.ReceivedAt),
			e.Error,
		})
	}
	return rows
}

func alertTable(alerts []canonical.Alert) [][]string {
	rows := [][]string{{"ALERT", "LEVEL", "CASE", "CONNECTION", "CREATED", "MESSAGE"}}
	for _, a := range alerts {
		rows = append(rows, []string{
			a.AlertID,
			string(a.Level),
			a.CaseID,
			a.ConnectionID,
			formatTime(a.CreatedAt),
			a.Message,
		})
	}
	return rows
}

// formatAmount prints minor units with two decimals.
func formatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, currency)
}

func formatScore(score *int) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprint(*score)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
