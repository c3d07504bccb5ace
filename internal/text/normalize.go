package text

import (
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text is empty")

// Normalize prepares raw input text for synthesis. It composes the text to
// Unicode NFC so precomposed and decomposed accents reach the engine the same
// way, normalizes line endings to \n, collapses runs of spaces and tabs inside
// each line and rejects empty or whitespace-only input.
func Normalize(s string) (string, error) {
	s = norm.NFC.String(s)

	// Normalize line endings: CRLF → LF, then bare CR → LF.
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.FieldsFunc(line, func(r rune) bool {
			return r == ' ' || r == '\t'
		}), " ")
	}
	s = strings.TrimSpace(strings.Join(lines, "\n"))

	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}
