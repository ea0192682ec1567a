package delivery

// State is the phase of the single input pipeline.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StatePartial
	StateFetchingMore
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StatePartial:
		return "partial"
	case StateFetchingMore:
		return "fetching_more"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// InFlight reports whether a transport call for an answer is outstanding.
func (s State) InFlight() bool {
	return s == StateSubmitting || s == StateFetchingMore
}

func (s State) acceptsInput() bool {
	return !s.InFlight() && s != StateFailed
}

// AnswerStatus is the lifecycle status of one AnswerContext.
type AnswerStatus string

const (
	StatusPending  AnswerStatus = "pending"
	StatusPartial  AnswerStatus = "partial"
	StatusComplete AnswerStatus = "complete"
	StatusFailed   AnswerStatus = "failed"
)
