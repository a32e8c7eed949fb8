package chunker

import "strings"

// DefaultSize is the number of words per chunk when the caller passes size <= 0.
const DefaultSize = 600

// Split breaks text into consecutive, non-overlapping windows of size words.
// Words are whitespace-separated tokens; each window is rejoined with single
// spaces and the final window may be shorter. Empty input yields nil.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultSize
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(words)+size-1)/size)
	for i := 0; i < len(words); i += size {
		end := i + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

// Normalize collapses every whitespace run in text to a single space and trims
// the ends. Joining the output of Split with spaces reproduces Normalize(text).
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
