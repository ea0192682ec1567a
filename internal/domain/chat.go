package domain

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is the provider-agnostic chat message shape used by the relay,
// the delivery core (as a history turn) and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is one immutable entry of the client-side history buffer.
type Turn = ChatMessage

// GenerationParams tunes a single completion request.
type GenerationParams struct {
	MaxTokens   int
	Temperature float64
}
