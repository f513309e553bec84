package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	s := Default()
	if s.LLMProvider != "gemini" {
		t.Errorf("LLMProvider = %s, want gemini", s.LLMProvider)
	}
	if s.RAGChunkSize != 1200 || s.RAGChunkOverlap != 200 || s.RAGEmbeddingDim != 384 {
		t.Errorf("rag defaults wrong: %+v", s)
	}
	if s.LLMTimeoutS != 120 {
		t.Errorf("LLMTimeoutS = %d, want 120", s.LLMTimeoutS)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default settings invalid: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "llm_provider: ollama\nollama_model: llama3\nrag_chunk_size: 800\ncors_origins:\n  - http://localhost:3000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.LLMProvider != "ollama" || s.OllamaModel != "llama3" {
		t.Errorf("file values not applied: %+v", s)
	}
	if s.RAGChunkSize != 800 {
		t.Errorf("RAGChunkSize = %d, want 800", s.RAGChunkSize)
	}
	if len(s.CORSOrigins) != 1 || s.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("CORSOrigins = %v", s.CORSOrigins)
	}
	// Untouched options keep defaults.
	if s.OllamaBaseURL != "http://127.0.0.1:11434" {
		t.Errorf("OllamaBaseURL = %s", s.OllamaBaseURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	s := Default()
	env := map[string]string{
		"LLM_PROVIDER":  "ollama",
		"LLM_TIMEOUT_S": "30",
		"CORS_ORIGINS":  "http://a.test, http://b.test",
	}
	applyEnv(&s, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if s.LLMProvider != "ollama" {
		t.Errorf("LLMProvider = %s", s.LLMProvider)
	}
	if s.LLMTimeoutS != 30 {
		t.Errorf("LLMTimeoutS = %d", s.LLMTimeoutS)
	}
	if len(s.CORSOrigins) != 2 || s.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", s.CORSOrigins)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	s := Default()
	s.LLMProvider = "anthropic"
	if err := s.Validate(); err == nil {
		t.Error("expected validation error for unknown provider")
	}
}

func TestSQLitePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"sqlite://localflow.db", "localflow.db"},
		{"sqlite:///var/lib/localflow.db", "/var/lib/localflow.db"},
		{"sqlite:rel.db", "rel.db"},
		{"plain.db", "plain.db"},
	}
	for _, tt := range tests {
		s := Settings{DatabaseURL: tt.in}
		if got := s.SQLitePath(); got != tt.want {
			t.Errorf("SQLitePath(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
