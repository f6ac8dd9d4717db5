package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/stateflow"
)

func statusColor(status stateflow.RunStatus) *color.Color {
	switch status {
	case stateflow.RunSucceeded:
		return color.New(color.FgGreen)
	case stateflow.RunFailed:
		return color.New(color.FgRed)
	case stateflow.RunRunning:
		return color.New(color.FgCyan)
	case stateflow.RunWaiting:
		return color.New(color.FgMagenta)
	}
	return color.New(color.FgYellow)
}

func formatStatus(status stateflow.RunStatus) string {
	return statusColor(status).Sprint(string(status))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func printRun(w io.Writer, run *stateflow.Run) error {
	s := run.Summary()
	fmt.Fprintf(w, "Run:        %s\n", s.ID)
	fmt.Fprintf(w, "Definition: %s\n", s.DefinitionID)
	if s.Key != "" {
		fmt.Fprintf(w, "Key:        %s\n", s.Key)
	}
	fmt.Fprintf(w, "Status:     %s\n", formatStatus(s.Status))
	fmt.Fprintf(w, "State:      %s\n", s.CurrentState)
	fmt.Fprintf(w, "Started:    %s\n", formatTime(s.StartTime))
	if !s.EndTime.IsZero() {
		fmt.Fprintf(w, "Finished:   %s (%s)\n", formatTime(s.EndTime), formatDuration(s.Duration))
	}
	if run.Error != nil {
		color.New(color.FgRed).Fprintf(w, "Error:      %s in %s: %s\n", run.Error.Type, run.Error.State, run.Error.Cause)
	}
	fmt.Fprintln(w)

	rows := make([][]string, 0, len(run.History))
	for _, entry := range run.History {
		attempts := "-"
		if entry.Attempts > 0 {
			attempts = strconv.Itoa(entry.Attempts)
		}
		rows = append(rows, []string{
			entry.State,
			string(entry.Type),
			entry.Branch,
			string(entry.Outcome),
			attempts,
			formatDuration(entry.EndedAt.Sub(entry.StartedAt)),
			entry.Next,
			entry.Error,
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable(
			[]string{"State", "Type", "Branch", "Outcome", "Attempts", "Duration", "Next", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
		))
	}

	fmt.Fprintln(w, "Context:")
	return writeJSON(w, run.Context)
}
