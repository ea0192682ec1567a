package domain

import "time"

// Exchange is one logged question/answer pair for a session.
type Exchange struct {
	PK        string
	SK        string
	SessionID string
	Question  string
	Response  string
	Language  string
	DayOfWeek string
	Timestamp time.Time
	TTL       int64
}

// AnswerRecord holds the chunks of a generated answer that were not yet
// delivered, addressed by its context id.
type AnswerRecord struct {
	ContextID string
	SessionID string
	Chunks    []string
	Cursor    int
	TTL       int64
}

// Remaining reports how many chunks have not been served yet.
func (r AnswerRecord) Remaining() int {
	if r.Cursor >= len(r.Chunks) {
		return 0
	}
	return len(r.Chunks) - r.Cursor
}
