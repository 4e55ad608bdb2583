package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the Sluice ASCII banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	// Cool water gradient (Cyan/Blue)
	lines := []struct{ text, color string }{
		{"       _       _          ", "#67e8f9"},
		{"  ___ | |_   _(_) ___ ___ ", "#22d3ee"},
		{" / __|| | | | | |/ __/ _ \\", "#06b6d4"},
		{" \\__ \\| | |_| | | (_|  __/", "#0ea5e9"},
		{" |___/|_|\\__,_|_|\\___\\___|", "#3b82f6"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}
