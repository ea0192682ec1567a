package usecase

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const defaultMaxChunkRunes = 200

var paragraphRE = regexp.MustCompile(`\n\s*\n`)

// chunkText splits an answer into sentence-like segments. Sentences longer
// than maxRunes are packed from their comma-separated parts, falling back to
// words.
func chunkText(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		maxRunes = defaultMaxChunkRunes
	}
	var chunks []string
	for _, s := range splitSentences(text) {
		if utf8.RuneCountInString(s) <= maxRunes {
			chunks = append(chunks, s)
			continue
		}
		chunks = append(chunks, splitLong(s, maxRunes)...)
	}
	return chunks
}

func splitSentences(text string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if len(out) > 0 && !hasWordRune(s) {
			out[len(out)-1] += " " + s
			return
		}
		out = append(out, s)
	}

	for _, para := range paragraphRE.Split(strings.TrimSpace(text), -1) {
		start := 0
		for i := 0; i < len(para); i++ {
			if !isTerminator(para[i]) {
				continue
			}
			j := i + 1
			for j < len(para) && isTerminator(para[j]) {
				j++
			}
			if j < len(para) && isSpaceByte(para[j]) {
				add(para[start:j])
				start = j
			}
			i = j - 1
		}
		add(para[start:])
	}
	return out
}

func splitLong(s string, maxRunes int) []string {
	var out []string
	cur := ""
	push := func(piece, sep string) {
		switch {
		case cur == "":
			cur = piece
		case utf8.RuneCountInString(cur)+len(sep)+utf8.RuneCountInString(piece) > maxRunes:
			out = append(out, cur)
			cur = piece
		default:
			cur += sep + piece
		}
	}
	for _, part := range strings.Split(s, ", ") {
		if utf8.RuneCountInString(part) <= maxRunes {
			push(part, ", ")
			continue
		}
		for _, w := range strings.Fields(part) {
			push(w, " ")
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func hasWordRune(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
