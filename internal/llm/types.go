// Package llm defines the model provider contract the orchestrator calls
// through: Generate(model, messages) -> text plus token counts. Providers are
// registered on a Client; the worker never talks to a provider directly.
package llm

import (
	"strings"
)

type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: "system", Content: content} }
func User(content string) Message      { return Message{Role: "user", Content: content} }
func Assistant(content string) Message { return Message{Role: "assistant", Content: content} }

type Request struct {
	Provider string
	Model    string
	Messages []Message
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "at least one message is required"}
	}
	return nil
}

// Response carries the generated text and token accounting. Token counts are
// authoritative from the provider when present; adapters fill in estimates
// otherwise so the budget ledger always has something to record.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// EstimateTokens approximates token count as len/4, minimum 1. Used wherever
// a provider does not report usage and by the context engine's budgeting.
func EstimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessages sums the token estimate over a message list.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
