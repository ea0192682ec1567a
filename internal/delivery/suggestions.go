package delivery

import (
	"math/rand"
	"slices"
)

// InitialSuggestions is how many questions are offered on a fresh session.
const InitialSuggestions = 3

// DefaultSuggestionPool is the fixed candidate set for suggested questions.
var DefaultSuggestionPool = []string{
	"Why is the sky blue?",
	"How do rainbows form?",
	"Why do cats purr?",
	"How do birds fly?",
	"Why does the moon change shape?",
	"Where does rain come from?",
	"How do bees make honey?",
	"Why do we need to sleep?",
	"How big is the sun?",
	"Why do leaves change color?",
	"How do fish breathe underwater?",
	"What are clouds made of?",
}

type suggester struct {
	pool []string
	pick func(n int) int
}

func newSuggester(pool []string, pick func(n int) int) suggester {
	if len(pool) == 0 {
		pool = DefaultSuggestionPool
	}
	if pick == nil {
		pick = rand.Intn
	}
	return suggester{pool: slices.Clone(pool), pick: pick}
}

func (s suggester) one() string {
	return s.pool[s.pick(len(s.pool))]
}

// distinct draws up to k different suggestions with a partial shuffle.
func (s suggester) distinct(k int) []string {
	candidates := slices.Clone(s.pool)
	k = min(k, len(candidates))
	for i := 0; i < k; i++ {
		j := i + s.pick(len(candidates)-i)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:k]
}
