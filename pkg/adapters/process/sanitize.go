package process

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeDetail prepares process stderr for the error channel: invalid UTF-8 is
// replaced, control characters other than newline and tab are dropped (ANSI
// escapes included) and the text is cut to maxStderr bytes on a rune boundary.
func sanitizeDetail(s string) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, "�"))

	clean := true
	for _, r := range s {
		if unicode.IsControl(r) && !isSafeControl(r) {
			clean = false
			break
		}
	}
	if !clean {
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if !unicode.IsControl(r) || isSafeControl(r) {
				b.WriteRune(r)
			}
		}
		s = b.String()
	}

	if len(s) <= maxStderr {
		return s
	}
	cut := maxStderr
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isSafeControl(r rune) bool {
	return r == '\n' || r == '\t'
}
