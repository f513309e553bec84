// Package config loads the immutable server settings from an optional yaml
// file with per-option environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings holds every recognised option. Loaded once at startup and
// read-only afterwards.
type Settings struct {
	AppName string `yaml:"app_name"`
	Env     string `yaml:"env"`

	DatabaseURL string `yaml:"database_url"`

	// LLM provider selection: "ollama" or "gemini".
	LLMProvider   string `yaml:"llm_provider"`
	OllamaBaseURL string `yaml:"ollama_base_url"`
	OllamaModel   string `yaml:"ollama_model"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiModel   string `yaml:"gemini_model"`
	LLMTimeoutS   int    `yaml:"llm_timeout_s"`

	// MaxRepairAttempts bounds the structured-output repair loop; the
	// provider makes at most MaxRepairAttempts+1 backend calls.
	MaxRepairAttempts int `yaml:"max_repair_attempts"`

	PromptPackDir string `yaml:"prompt_pack_dir"`

	RAGStoreDir     string `yaml:"rag_store_dir"`
	RAGChunkSize    int    `yaml:"rag_chunk_size"`
	RAGChunkOverlap int    `yaml:"rag_chunk_overlap"`
	RAGEmbeddingDim int    `yaml:"rag_embedding_dim"`
	// RAGReindexCron optionally schedules background index rebuilds,
	// e.g. "0 * * * *". Empty disables the schedule.
	RAGReindexCron string `yaml:"rag_reindex_cron"`

	// APIKey is reserved for future remote access; unused by the core.
	APIKey string `yaml:"api_key"`

	CORSOrigins []string `yaml:"cors_origins"`
	ListenAddr  string   `yaml:"listen_addr"`
}

// Default returns the settings used when no file or environment overrides
// are present.
func Default() Settings {
	return Settings{
		AppName:           "LocalFlow",
		Env:               "dev",
		DatabaseURL:       "sqlite://localflow.db",
		LLMProvider:       "gemini",
		OllamaBaseURL:     "http://127.0.0.1:11434",
		OllamaModel:       "qwen2.5:3b-instruct",
		GeminiModel:       "gemini-2.0-flash",
		LLMTimeoutS:       120,
		MaxRepairAttempts: 2,
		PromptPackDir:     "prompts/default",
		RAGStoreDir:       ".localflow_rag",
		RAGChunkSize:      1200,
		RAGChunkOverlap:   200,
		RAGEmbeddingDim:   384,
		CORSOrigins:       []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		ListenAddr:        "127.0.0.1:8080",
	}
}

// Load reads settings from path (empty path or a missing file keeps
// defaults) and then applies environment overrides.
func Load(path string) (Settings, error) {
	s := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return s, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &s); err != nil {
				return s, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&s, os.LookupEnv)

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate rejects option combinations the server cannot start with.
func (s Settings) Validate() error {
	switch s.LLMProvider {
	case "ollama", "gemini":
	default:
		return fmt.Errorf("llm_provider must be ollama or gemini, got %q", s.LLMProvider)
	}
	if s.LLMTimeoutS <= 0 {
		return fmt.Errorf("llm_timeout_s must be positive")
	}
	if s.RAGChunkSize <= 0 || s.RAGEmbeddingDim <= 0 {
		return fmt.Errorf("rag chunk size and embedding dim must be positive")
	}
	return nil
}

// applyEnv overrides fields from environment variables named after the
// option, upper-cased (e.g. OLLAMA_BASE_URL).
func applyEnv(s *Settings, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("APP_NAME", &s.AppName)
	str("ENV", &s.Env)
	str("DATABASE_URL", &s.DatabaseURL)
	str("LLM_PROVIDER", &s.LLMProvider)
	str("OLLAMA_BASE_URL", &s.OllamaBaseURL)
	str("OLLAMA_MODEL", &s.OllamaModel)
	str("GEMINI_API_KEY", &s.GeminiAPIKey)
	str("GEMINI_MODEL", &s.GeminiModel)
	num("LLM_TIMEOUT_S", &s.LLMTimeoutS)
	num("MAX_REPAIR_ATTEMPTS", &s.MaxRepairAttempts)
	str("PROMPT_PACK_DIR", &s.PromptPackDir)
	str("RAG_STORE_DIR", &s.RAGStoreDir)
	num("RAG_CHUNK_SIZE", &s.RAGChunkSize)
	num("RAG_CHUNK_OVERLAP", &s.RAGChunkOverlap)
	num("RAG_EMBEDDING_DIM", &s.RAGEmbeddingDim)
	str("RAG_REINDEX_CRON", &s.RAGReindexCron)
	str("API_KEY", &s.APIKey)
	str("LISTEN_ADDR", &s.ListenAddr)

	if v, ok := lookup("CORS_ORIGINS"); ok {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		s.CORSOrigins = origins
	}
}

// SQLitePath extracts the filesystem path from a sqlite database_url.
// Accepts "sqlite://file.db", "sqlite:///abs/path.db" and a bare path.
func (s Settings) SQLitePath() string {
	u := s.DatabaseURL
	if strings.HasPrefix(u, "sqlite:///") {
		return "/" + strings.TrimPrefix(u, "sqlite:///")
	}
	if strings.HasPrefix(u, "sqlite://") {
		return strings.TrimPrefix(u, "sqlite://")
	}
	if strings.HasPrefix(u, "sqlite:") {
		return strings.TrimPrefix(u, "sqlite:")
	}
	return u
}
