package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aretw0/sluice/pkg/domain"
	"github.com/muesli/termenv"
)

// DescribeStages renders the stage table (in topological order) as markdown.
func DescribeStages(title string, stages []domain.StageInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	if len(stages) == 0 {
		sb.WriteString("_No stages registered._\n")
		return sb.String()
	}

	sb.WriteString("| Stage | Watches | Reads | Outputs | Attempts | Circuit | Last run |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	for _, st := range stages {
		last := "-"
		if st.LastRun != nil {
			last = string(st.LastRun.Status)
		}
		circuit := string(st.Circuit)
		if circuit == "" {
			circuit = string(domain.CircuitClosed)
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %d | %s | %s |\n",
			st.Name, list(st.Watches), list(st.Reads), list(st.Outputs),
			st.Policy.MaxAttempts, circuit, last)
	}
	return sb.String()
}

// DescribeState renders the values of a snapshot and its error channel as markdown.
func DescribeState(snap domain.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## State (version %d)\n\n", snap.Version())
	if snap.Len() == 0 {
		sb.WriteString("_Empty._\n")
	} else {
		sb.WriteString("| Key | Value | Modified |\n|---|---|---|\n")
		for _, k := range snap.Keys() {
			v, _ := snap.Get(k)
			fmt.Fprintf(&sb, "| %s | `%v` | %d |\n", k, v, snap.Modified(k))
		}
	}
	if rec := snap.Error(); rec != nil {
		fmt.Fprintf(&sb, "\n> **%s** failed (%s): %s\n", rec.Stage, rec.Kind, rec.Message)
	}
	return sb.String()
}

// StatusLine formats a run record as a colored one-liner.
func StatusLine(rec domain.RunRecord) string {
	p := termenv.ColorProfile()
	color := "#a3a3a3"
	switch rec.Status {
	case domain.RunCommitted:
		color = "#22c55e"
	case domain.RunFailed:
		color = "#ef4444"
	case domain.RunStale:
		color = "#eab308"
	}
	status := termenv.String(fmt.Sprintf("%-9s", rec.Status)).Foreground(p.Color(color)).Bold()
	line := fmt.Sprintf("%s %s (attempts: %d, %s)", status, rec.Stage, rec.Attempts, rec.Duration.Round(time.Microsecond))
	if rec.Err != "" {
		line += ": " + rec.Err
	}
	return line
}

func list(keys []string) string {
	if len(keys) == 0 {
		return "-"
	}
	return strings.Join(keys, ", ")
}
