// Package gemini adapts the Google Gen AI SDK to the model gateway.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/duckmesh/biagent/internal/llm"
	"google.golang.org/genai"
)

const providerName = "gemini"

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Gateway struct {
	client *genai.Client
	model  string
}

func NewGateway(ctx context.Context, cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gateway{client: client, model: model}, nil
}

func newClient(ctx context.Context, cfg Config) (*genai.Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(baseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

func (g *Gateway) Model() string {
	return g.model
}

func (g *Gateway) Send(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Reply, error) {
	contents, system := splitMessages(messages)
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}

	if opts.Stream {
		stream := g.client.Models.GenerateContentStream(ctx, g.model, contents, config)
		return llm.StreamReply(func(yield func(string, error) bool) {
			for resp, err := range stream {
				if err != nil {
					yield("", classify(err))
					return
				}
				if !yield(resp.Text(), nil) {
					return
				}
			}
		}), nil
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, llm.NewGatewayError(providerName, llm.KindBadResponse, 0, errors.New("no candidates returned"))
	}
	return llm.TextReply(resp.Text()), nil
}

// splitMessages moves system turns into the system instruction; Gemini has
// no system role inside the conversation.
func splitMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	contents := make([]*genai.Content, 0, len(messages))
	var system []string
	for _, message := range messages {
		switch message.Role {
		case llm.RoleSystem:
			system = append(system, message.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(message.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(message.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
}

func classify(err error) error {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	if status == http.StatusBadRequest && strings.Contains(strings.ToLower(err.Error()), "api key") {
		status = http.StatusUnauthorized
	}
	if status == 0 {
		return llm.NewGatewayError(providerName, llm.KindTransport, 0, err)
	}
	return llm.NewGatewayError(providerName, llm.KindForStatus(status), status, err)
}
