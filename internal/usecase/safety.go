package usecase

import (
	"regexp"
	"strings"
)

const (
	// AskAdultMessage is returned as ordinary answer text for topics a child
	// should discuss with a grown-up.
	AskAdultMessage = "Let's ask an adult together about that."
	// SlowDownMessage is returned as ordinary answer text when a session
	// exceeds its question budget.
	SlowDownMessage = "Too many questions! Take a break and come back in a few minutes 😊"
)

var unsafeKeywords = []string{
	"violence", "death", "kill", "murder", "suicide",
	"drug", "alcohol", "cigarette", "smoke",
	"sex", "adult", "inappropriate",
}

// fillers never belong in an answer for a young child.
var fillers = []string{
	"good thinking",
	"great question",
	"boa pergunta",
	"as an ai",
	"let me explain",
	"actually,",
	"basically,",
	"there are three types",
	"there are several types",
}

var (
	fillerRE          = buildFillerRE()
	wantMoreRE        = regexp.MustCompile(`(?i)Want\s+(to\s+know\s+)?more\??\.?`)
	horizontalSpaceRE = regexp.MustCompile(`[ \t]+`)
	leadingPunctRE    = regexp.MustCompile(`^\s*[,.]\s*`)
)

func buildFillerRE() *regexp.Regexp {
	quoted := make([]string, 0, len(fillers))
	for _, f := range fillers {
		quoted = append(quoted, regexp.QuoteMeta(f))
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)[.!?]?\s*`)
}

// isSafeTopic screens a question against the keyword denylist.
func isSafeTopic(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range unsafeKeywords {
		if strings.Contains(q, kw) {
			return false
		}
	}
	return true
}

// cleanResponse strips filler phrases and "Want more?" prompts (the client
// renders its own continuation affordance). Newlines are preserved.
func cleanResponse(text string) string {
	out := fillerRE.ReplaceAllString(text, "")
	out = wantMoreRE.ReplaceAllString(out, "")
	out = horizontalSpaceRE.ReplaceAllString(out, " ")
	out = leadingPunctRE.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}
