// Package langchain serves the model gateway through langchaingo models,
// which covers Anthropic and local Ollama servers.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/duckmesh/biagent/internal/llm"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

type Gateway struct {
	provider string
	model    llms.Model
}

func New(provider string, model llms.Model) *Gateway {
	return &Gateway{provider: provider, model: model}
}

func NewAnthropic(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	opts := []anthropic.Option{anthropic.WithToken(strings.TrimSpace(cfg.APIKey))}
	if model := strings.TrimSpace(cfg.Model); model != "" {
		opts = append(opts, anthropic.WithModel(model))
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(baseURL, "/")))
	}
	model, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic client: %w", err)
	}
	return New("anthropic", model), nil
}

func NewOllama(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	opts := []ollama.Option{ollama.WithModel(strings.TrimSpace(cfg.Model))}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, ollama.WithServerURL(strings.TrimRight(baseURL, "/")))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return New("ollama", model), nil
}

func (g *Gateway) Send(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Reply, error) {
	content := toMessageContent(messages)
	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}

	if opts.Stream {
		return llm.StreamReply(g.stream(ctx, content, callOpts)), nil
	}

	resp, err := g.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, g.classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, llm.NewGatewayError(g.provider, llm.KindBadResponse, 0, errors.New("no choices returned"))
	}
	return llm.TextReply(resp.Choices[0].Content), nil
}

// stream bridges the callback-style streaming API into an iterator. The
// request is issued when iteration starts.
func (g *Gateway) stream(ctx context.Context, content []llms.MessageContent, callOpts []llms.CallOption) func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chunks := make(chan string)
		var genErr error
		go func() {
			defer close(chunks)
			streamOpt := llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case chunks <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			_, genErr = g.model.GenerateContent(ctx, content, append(callOpts, streamOpt)...)
		}()

		for chunk := range chunks {
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				cancel()
				for range chunks {
				}
				return
			}
		}
		if genErr != nil {
			yield("", g.classify(genErr))
		}
	}
}

func toMessageContent(messages []llm.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, message := range messages {
		role := llms.ChatMessageTypeHuman
		switch message.Role {
		case llm.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case llm.RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, message.Content))
	}
	return out
}

// classify maps client errors onto gateway error kinds. langchaingo backends
// only expose the HTTP status inside the error text.
func (g *Gateway) classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return llm.NewGatewayError(g.provider, llm.KindTransport, 0, err)
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "401") || strings.Contains(text, "403") ||
		strings.Contains(text, "authentication") || strings.Contains(text, "api key"):
		return llm.NewGatewayError(g.provider, llm.KindAuth, http.StatusUnauthorized, err)
	case strings.Contains(text, "429") || strings.Contains(text, "rate limit"):
		return llm.NewGatewayError(g.provider, llm.KindRateLimit, http.StatusTooManyRequests, err)
	default:
		return llm.NewGatewayError(g.provider, llm.KindTransport, 0, err)
	}
}
