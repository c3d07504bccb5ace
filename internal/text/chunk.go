package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChunkBySentence splits text into chunks at sentence boundaries, grouping
// consecutive sentences together while staying within maxChars characters
// (runes, not bytes) per chunk. If maxChars is 0, no splitting is performed.
// Sentences that individually exceed maxChars are kept intact as a single chunk.
func ChunkBySentence(text string, maxChars int) []string {
	if maxChars <= 0 {
		return []string{text}
	}

	sentences := splitSentences(text)
	if len(sentences) <= 1 {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if currentLen == 0 {
			current.WriteString(s)
			currentLen = n
			continue
		}
		// Would appending this sentence (with a space separator) exceed the limit?
		if currentLen+1+n > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(s)
			currentLen = n
		} else {
			current.WriteByte(' ')
			current.WriteString(s)
			currentLen += 1 + n
		}
	}
	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// isTerminator reports whether r ends a sentence. Besides ASCII punctuation it
// covers the ellipsis and CJK full-width marks. The Greek question mark is
// folded to ';' by NFC, so ';' ends a sentence only after Greek text
// (afterGreek); elsewhere it joins clauses and does not split.
func isTerminator(r rune, afterGreek bool) bool {
	switch r {
	case '.', '!', '?', '\u2026', '\u3002', '\uff01', '\uff1f':
		return true
	case ';', '\u037e':
		return afterGreek
	}
	return false
}

// splitSentences splits text after each terminator, keeping the terminator
// attached to its sentence. Runs of terminators ("?!", "...") stay together.
// Empty segments are dropped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	runes := []rune(text)
	offset := 0
	greek := false
	for i, r := range runes {
		offset += utf8.RuneLen(r)
		if unicode.IsLetter(r) {
			greek = unicode.Is(unicode.Greek, r)
		}
		if !isTerminator(r, greek) {
			continue
		}
		if i+1 < len(runes) && isTerminator(runes[i+1], greek) {
			continue
		}
		s := strings.TrimSpace(text[start:offset])
		if s != "" {
			sentences = append(sentences, s)
		}
		start = offset
	}

	// Trailing text after the last terminator (if any).
	if start < len(text) {
		s := strings.TrimSpace(text[start:])
		if s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}
