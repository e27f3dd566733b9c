package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// NewEmbeddingFunc returns a function that embeds one text with the given
// model, suitable for the example retrieval index.
func NewEmbeddingFunc(ctx context.Context, cfg Config) (func(context.Context, string) ([]float32, error), error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-embedding-001"
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		result, err := client.Models.EmbedContent(ctx, model,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
		)
		if err != nil {
			return nil, fmt.Errorf("genai embed: %w", err)
		}
		if len(result.Embeddings) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		return result.Embeddings[0].Values, nil
	}, nil
}
