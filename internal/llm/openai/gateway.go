// Package openai talks to any OpenAI-compatible chat completions endpoint.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duckmesh/biagent/internal/llm"
)

const providerName = "openai"

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Gateway struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewGateway(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (g *Gateway) Model() string {
	return g.model
}

func (g *Gateway) Send(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Reply, error) {
	body, err := json.Marshal(buildPayload(g.model, messages, opts))
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	if opts.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewGatewayError(providerName, llm.KindTransport, 0, fmt.Errorf("request chat completion: %w", err))
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, llm.NewGatewayError(providerName, llm.KindForStatus(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("chat completion failed body=%s", strings.TrimSpace(string(raw))))
	}

	if opts.Stream {
		return llm.StreamReply(streamFragments(resp.Body)), nil
	}

	defer func() { _ = resp.Body.Close() }()
	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewGatewayError(providerName, llm.KindTransport, 0, fmt.Errorf("read chat response body: %w", err))
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return nil, llm.NewGatewayError(providerName, llm.KindBadResponse, resp.StatusCode, fmt.Errorf("decode chat completion response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, llm.NewGatewayError(providerName, llm.KindBadResponse, resp.StatusCode, errors.New("empty chat completion choices"))
	}
	return llm.TextReply(parsed.Choices[0].Message.Content), nil
}

func buildPayload(model string, messages []llm.Message, opts llm.Options) map[string]any {
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Stream {
		payload["stream"] = true
	}
	return payload
}

// streamFragments reads server-sent events until "[DONE]" or EOF. The body
// is closed when iteration stops.
func streamFragments(body io.ReadCloser) func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", llm.NewGatewayError(providerName, llm.KindBadResponse, 0, fmt.Errorf("decode stream chunk: %w", err)))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", llm.NewGatewayError(providerName, llm.KindTransport, 0, fmt.Errorf("read stream: %w", err)))
		}
	}
}
