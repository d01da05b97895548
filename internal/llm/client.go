// Package llm provides language-model clients for response generation.
// Two backends are supported: a local Ollama server (the default, running a
// medical instruction-tuned model) and the Gemini API. Both implement the
// workflow Generator contract.
package llm

import (
	"fmt"
	"time"

	"github.com/tehqua/medscreening/internal/workflow"
)

// Provider selects a generation backend.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderGemini Provider = "gemini"
)

// Config holds generation backend configuration.
type Config struct {
	Provider Provider

	// Ollama settings.
	OllamaEndpoint string
	OllamaModel    string

	// Gemini settings.
	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns sensible defaults: local Ollama with a medical
// instruction-tuned model, low temperature for clinical tone.
func DefaultConfig() Config {
	return Config{
		Provider:       ProviderOllama,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "thiagomoraes/medgemma-4b-it:Q4_K_S",
		GeminiBaseURL:  "https://generativelanguage.googleapis.com/v1beta",
		GeminiModel:    "gemini-2.0-flash",
		Timeout:        60 * time.Second,
		Temperature:    0.2,
		MaxTokens:      2048,
	}
}

// New creates a generation client for the configured provider.
func New(cfg Config) (workflow.Generator, error) {
	switch cfg.Provider {
	case ProviderOllama, "":
		return NewOllamaClient(cfg), nil
	case ProviderGemini:
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (use 'ollama' or 'gemini')", cfg.Provider)
	}
}
