package usecase

import (
	"fmt"
	"strings"
	"time"

	"softterminal/internal/domain"
)

// maxHistoryTurns is the server-side guard on replayed context (three
// exchanges), matching the client's history buffer.
const maxHistoryTurns = 6

var (
	ptWeekdays = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}
	ptMonths   = [...]string{"janeiro", "fevereiro", "março", "abril", "maio", "junho", "julho", "agosto", "setembro", "outubro", "novembro", "dezembro"}
)

func buildPromptMessages(systemPrompt string, now time.Time, question string, history []domain.ChatMessage) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildSystemPrompt(systemPrompt, now)},
	}
	messages = append(messages, sanitizeHistory(history)...)
	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: question,
	})
	return messages
}

func buildSystemPrompt(systemPrompt string, now time.Time) string {
	return fmt.Sprintf("%s\n\nHoje é %s.", strings.TrimSpace(systemPrompt), portugueseDate(now))
}

func portugueseDate(t time.Time) string {
	return fmt.Sprintf("%s, %d de %s de %d", ptWeekdays[t.Weekday()], t.Day(), ptMonths[t.Month()-1], t.Year())
}

// sanitizeHistory keeps only non-empty user/assistant turns, then the most
// recent maxHistoryTurns of them.
func sanitizeHistory(history []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: content})
	}
	if len(out) > maxHistoryTurns {
		out = out[len(out)-maxHistoryTurns:]
	}
	return out
}
