package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/localflowhq/localflow/internal/prompts"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey            string
	Model             string
	MaxRepairAttempts int
}

// NewGemini returns a Provider backed by the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig, pack *prompts.Pack, logger *slog.Logger) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	b := &geminiBackend{client: client, model: cfg.Model}
	return newEngine(b, pack, cfg.MaxRepairAttempts, logger), nil
}

type geminiBackend struct {
	client *genai.Client
	model  string
}

func (b *geminiBackend) name() string { return "gemini" }

func (b *geminiBackend) generate(ctx context.Context, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}
	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), config)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n")), nil
}
