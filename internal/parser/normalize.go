package parser

import "strings"

// Normalize prepares raw transcript text for chunking: line endings become
// "\n" and surrounding whitespace is trimmed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}
