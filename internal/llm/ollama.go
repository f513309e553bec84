package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/localflowhq/localflow/internal/prompts"
)

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL           string
	Model             string
	Timeout           time.Duration
	MaxRepairAttempts int
}

// NewOllama returns a Provider backed by a local Ollama server.
func NewOllama(cfg OllamaConfig, pack *prompts.Pack, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	b := &ollamaBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
	return newEngine(b, pack, cfg.MaxRepairAttempts, logger)
}

type ollamaBackend struct {
	baseURL string
	model   string
	client  *http.Client
}

func (b *ollamaBackend) name() string { return "ollama" }

func (b *ollamaBackend) generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":  b.model,
		"prompt": prompt,
		"stream": false,
		// format=json constrains decoding to a single JSON value.
		"format": "json",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama generate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama generate: decode: %w", err)
	}
	return out.Response, nil
}
