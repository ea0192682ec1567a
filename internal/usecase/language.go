package usecase

import (
	"regexp"
	"strings"
)

const (
	langEnglish    = "en"
	langPortuguese = "pt"
	langPortugal   = "pt-PT"
)

var (
	portugueseWords = wordSet("que", "porque", "porquê", "como", "onde", "quando", "qual", "quem", "não", "é", "são", "os", "um", "uma", "da", "de", "nós")
	portugalWords   = wordSet("tu", "torneira", "autocarro", "comboio", "miúdo", "miúdos", "gelado")
	wordRE          = regexp.MustCompile(`[\p{L}]+`)
)

var ptPTReplacements = []struct {
	re   *regexp.Regexp
	with string
}{
	{wholeWord("você"), "tu"},
	{wholeWord("banheiro"), "casa de banho"},
	{wholeWord("trem"), "comboio"},
	{wholeWord("ônibus"), "autocarro"},
	{wholeWord("sorvete"), "gelado"},
	{wholeWord("criança"), "miúdo"},
	{wholeWord("crianças"), "miúdos"},
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// wholeWord matches w bounded by non-letters. RE2's \b is ASCII-only, so the
// boundaries are captured and restored on replacement.
func wholeWord(w string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^\p{L}])` + regexp.QuoteMeta(w) + `($|[^\p{L}])`)
}

// detectLanguage is a lexical heuristic: Portuguese function words mark pt,
// European Portuguese vocabulary upgrades it to pt-PT, everything else is en.
func detectLanguage(text string) string {
	words := wordRE.FindAllString(strings.ToLower(text), -1)
	pt, ptPT := 0, false
	for _, w := range words {
		if portugueseWords[w] {
			pt++
		}
		if portugalWords[w] {
			ptPT = true
		}
	}
	switch {
	case pt == 0 && !ptPT:
		return langEnglish
	case ptPT:
		return langPortugal
	default:
		return langPortuguese
	}
}

// formatForLanguage swaps Brazilian vocabulary for European Portuguese.
func formatForLanguage(text, language string) string {
	if language != langPortugal {
		return text
	}
	for _, r := range ptPTReplacements {
		// applied twice so adjacent matches sharing a boundary are both replaced
		for i := 0; i < 2; i++ {
			text = r.re.ReplaceAllString(text, "${1}"+r.with+"${2}")
		}
	}
	return text
}
