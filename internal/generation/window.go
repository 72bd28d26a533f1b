package generation

import (
	"docqa/internal/domain"
	"docqa/internal/textutil"
)

// BuildWindow assembles the messages sent to a provider: the system prompt,
// the last maxHistory history turns and the current user turn. Oldest
// non-system history turns are dropped until the estimated size fits budget.
// The system prompt and the current turn are always kept, even over budget.
func BuildWindow(systemPrompt string, history []domain.ConversationTurn, prompt string, maxHistory, budget int) []domain.ConversationTurn {
	if maxHistory >= 0 && len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	var msgs []domain.ConversationTurn
	if systemPrompt != "" {
		msgs = append(msgs, domain.ConversationTurn{Role: domain.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, domain.ConversationTurn{Role: domain.RoleUser, Content: prompt})

	total := 0
	for _, m := range msgs {
		total += textutil.EstimateTokens(m.Content)
	}
	last := len(msgs) - 1
	for i := 0; total > budget && i < last; {
		if msgs[i].Role == domain.RoleSystem {
			i++
			continue
		}
		total -= textutil.EstimateTokens(msgs[i].Content)
		msgs = append(msgs[:i], msgs[i+1:]...)
		last--
	}
	return msgs
}
