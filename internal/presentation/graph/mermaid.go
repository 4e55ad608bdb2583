package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/sluice/pkg/domain"
)

// GraphOverlay contains run-time data to visualize on the graph.
type GraphOverlay struct {
	Status map[string]domain.RunStatus   // Last run status per stage
	Open   map[string]domain.CircuitState // Circuit state per stage, if not closed
}

// OverlayFromStages builds an overlay from stage descriptions.
func OverlayFromStages(infos []domain.StageInfo) *GraphOverlay {
	o := &GraphOverlay{
		Status: make(map[string]domain.RunStatus),
		Open:   make(map[string]domain.CircuitState),
	}
	for _, info := range infos {
		if info.LastRun != nil {
			o.Status[info.Name] = info.LastRun.Status
		}
		if info.Circuit != "" && info.Circuit != domain.CircuitClosed {
			o.Open[info.Name] = info.Circuit
		}
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart of the dataflow between keys and stages.
// It applies semantic styling:
// - Stage: [[Subroutine]]
// - External input (no owning stage): [/Parallelogram/]
// - Derived key: [Rectangle]
// Watched keys use solid arrows, read-only keys dotted ones.
// It also applies overlay styles (last run status, circuit state) if provided.
func GenerateMermaid(stages []domain.StageInfo, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")

	owned := make(map[string]bool)
	keys := make(map[string]bool)
	for _, st := range stages {
		for _, k := range st.Outputs {
			owned[k] = true
			keys[k] = true
		}
		for _, k := range st.Watches {
			keys[k] = true
		}
		for _, k := range st.Reads {
			keys[k] = true
		}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		opener, closer := "[", "]"
		if !owned[k] {
			opener, closer = "[/", "/]"
		}
		sb.WriteString(fmt.Sprintf("    %s%s\"%s\"%s\n", keyID(k), opener, k, closer))
	}

	for _, st := range stages {
		label := st.Name
		if st.Policy.MaxAttempts > 1 {
			label = fmt.Sprintf("%s <br/> ↻ %d", st.Name, st.Policy.MaxAttempts)
		}
		sb.WriteString(fmt.Sprintf("    %s[[\"%s\"]]\n", stageID(st.Name), label))

		for _, k := range st.Watches {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", keyID(k), stageID(st.Name)))
		}
		for _, k := range st.Reads {
			sb.WriteString(fmt.Sprintf("    %s -.-> %s\n", keyID(k), stageID(st.Name)))
		}
		for _, k := range st.Outputs {
			sb.WriteString(fmt.Sprintf("    %s --> %s\n", stageID(st.Name), keyID(k)))
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef committed fill:#e8f5e9,stroke:#2e7d32,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef failed fill:#ffebee,stroke:#c62828,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef stale fill:#eceff1,stroke:#607d8b,stroke-dasharray:4,color:#000;\n")
		sb.WriteString("    classDef open fill:#ffeb3b,stroke:#f57f17,stroke-width:4px,color:#000;\n")

		for _, st := range stages {
			if state, ok := overlay.Open[st.Name]; ok && state != domain.CircuitClosed {
				sb.WriteString(fmt.Sprintf("    class %s open;\n", stageID(st.Name)))
				continue
			}
			switch overlay.Status[st.Name] {
			case domain.RunCommitted:
				sb.WriteString(fmt.Sprintf("    class %s committed;\n", stageID(st.Name)))
			case domain.RunFailed:
				sb.WriteString(fmt.Sprintf("    class %s failed;\n", stageID(st.Name)))
			case domain.RunStale:
				sb.WriteString(fmt.Sprintf("    class %s stale;\n", stageID(st.Name)))
			}
		}
	}

	return sb.String()
}

func keyID(k string) string   { return "k_" + sanitizeMermaidID(k) }
func stageID(s string) string { return "s_" + sanitizeMermaidID(s) }

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
