package delivery

import (
	"slices"

	"softterminal/internal/domain"
)

// MaxHistoryTurns bounds the history buffer to three exchanges.
const MaxHistoryTurns = 6

// History is the bounded, ordered log of prior turns sent as model context.
// Turns are stored in user/assistant pairs and evicted a pair at a time.
// It is not safe for concurrent use; Machine serializes access.
type History struct {
	turns []domain.Turn
}

func NewHistory() *History {
	return &History{}
}

// Append pushes a question/answer pair and evicts the oldest pairs until the
// buffer fits MaxHistoryTurns.
func (h *History) Append(question, answer string) {
	h.turns = append(h.turns,
		domain.Turn{Role: domain.RoleUser, Content: question},
		domain.Turn{Role: domain.RoleAssistant, Content: answer},
	)
	for len(h.turns) > MaxHistoryTurns {
		h.turns = slices.Delete(h.turns, 0, 2)
	}
}

// Snapshot returns a copy of the buffer in insertion order.
func (h *History) Snapshot() []domain.Turn {
	return slices.Clone(h.turns)
}

func (h *History) Clear() {
	h.turns = nil
}

func (h *History) Len() int {
	return len(h.turns)
}
