package oracle

import (
	"strings"

	"github.com/fyrsmithlabs/turnd/internal/session"
)

// Transcript renders the last n messages of history as "role: text" lines,
// each text cut to width runes. n <= 0 keeps every message.
func Transcript(history []session.Message, n, width int) string {
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	var b strings.Builder
	for i, m := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(Truncate(m.Content, width))
	}
	return b.String()
}

// Truncate cuts s to at most width runes. width <= 0 disables the cut.
func Truncate(s string, width int) string {
	if width <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width])
}

// RecordFallback counts a structured response decoded by mode instead of JSON.
func RecordFallback(p Purpose, mode string) {
	ParseFallbacks.WithLabelValues(string(p), mode).Inc()
}
