package tui

import "strings"

// humanError extracts the innermost message from a wrapped error string.
// "generation 3: evaluate: database is locked" → "Database is locked"
func humanError(msg string) string {
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}
