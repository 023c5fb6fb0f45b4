package logutil

import "strings"

const maxLen = 256

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters. Output is capped at
// 256 bytes.
func SanitizeForLog(s string) string {
	// Replace all newlines with spaces
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	// Replace tabs with spaces
	s = strings.ReplaceAll(s, "\t", " ")
	// Remove other control characters (ASCII 0-31 except space)
	var result strings.Builder
	result.Grow(len(s))
	truncated := false
	for _, r := range s {
		if result.Len()+len(string(r)) > maxLen {
			truncated = true
			break
		}
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	if truncated {
		result.WriteString("...")
	}
	return result.String()
}
