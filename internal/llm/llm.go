// Package llm is the model gateway boundary: an ordered list of role-tagged
// messages goes in, a reply comes out. Backends live in sub-packages.
package llm

import (
	"context"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options configure a single call.
type Options struct {
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// Gateway sends messages to a text-generation backend. Failures to reach or
// authenticate with the backend are returned as *GatewayError.
type Gateway interface {
	Send(ctx context.Context, messages []Message, opts Options) (*Reply, error)
}

// Complete sends messages and blocks until the whole reply text is
// available, draining a stream if the backend produced one.
func Complete(ctx context.Context, gateway Gateway, messages []Message, opts Options) (string, error) {
	if gateway == nil {
		return "", fmt.Errorf("model gateway is not configured")
	}
	reply, err := gateway.Send(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return reply.Text()
}

// EstimateTokens approximates the prompt size at four characters per token.
func EstimateTokens(messages []Message) int {
	chars := 0
	for _, message := range messages {
		chars += len(message.Content)
	}
	return (chars + 3) / 4
}
