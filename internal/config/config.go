// Package config loads service configuration from YAML with environment
// overrides. Precedence: defaults, then file, then MEDSCREENING_* variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	LLM      LLMConfig      `yaml:"llm"`
	Speech   SpeechConfig   `yaml:"speech"`
	Imaging  ImagingConfig  `yaml:"imaging"`
	Records  RecordsConfig  `yaml:"records"`
	Sessions SessionConfig  `yaml:"sessions"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	UploadDir       string        `yaml:"upload_dir"`
	RequestTimeout  Duration      `yaml:"request_timeout"`
	ShutdownTimeout Duration      `yaml:"shutdown_timeout"`
	RatePerMinute   int           `yaml:"rate_per_minute"`
	RateBurst       int           `yaml:"rate_burst"`
}

// AuthConfig configures token issuance and verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  Duration      `yaml:"token_ttl"`
}

// LLMConfig configures the response generator.
type LLMConfig struct {
	Provider       string        `yaml:"provider"` // ollama, gemini
	OllamaEndpoint string        `yaml:"ollama_endpoint"`
	OllamaModel    string        `yaml:"ollama_model"`
	GeminiAPIKey   string        `yaml:"gemini_api_key"`
	GeminiModel    string        `yaml:"gemini_model"`
	Timeout        Duration      `yaml:"timeout"`
	Temperature    float64       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
}

// SpeechConfig configures the transcription service client.
type SpeechConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Language string        `yaml:"language"`
	Timeout  Duration      `yaml:"timeout"`
}

// ImagingConfig configures the skin classifier client.
type ImagingConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  Duration      `yaml:"timeout"`
}

// RecordsConfig configures the record store and its embedding engine.
type RecordsConfig struct {
	DBPath            string `yaml:"db_path"`
	EmbeddingProvider string `yaml:"embedding_provider"` // ollama, genai
	EmbeddingEndpoint string `yaml:"embedding_endpoint"`
	EmbeddingModel    string `yaml:"embedding_model"`
	GenAIAPIKey       string `yaml:"genai_api_key"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	DBPath          string        `yaml:"db_path"`
	TTL             Duration      `yaml:"ttl"`
	CleanupInterval Duration      `yaml:"cleanup_interval"`
}

// WorkflowConfig tunes turn execution. Empty phrase lists fall back to the
// built-in lexicons.
type WorkflowConfig struct {
	StepBudget           int      `yaml:"step_budget"`
	TopK                 int      `yaml:"top_k"`
	HistoryWindow        int      `yaml:"history_window"`
	EmergencyPhrases     []string `yaml:"emergency_phrases"`
	HistoryIntentPhrases []string `yaml:"history_intent_phrases"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			UploadDir:       "data/uploads",
			RequestTimeout:  Duration(120 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			RatePerMinute:   30,
			RateBurst:       10,
		},
		Auth: AuthConfig{
			TokenTTL: Duration(30 * time.Minute),
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "thiagomoraes/medgemma-4b-it:Q4_K_S",
			GeminiModel:    "gemini-2.0-flash",
			Timeout:        Duration(60 * time.Second),
			Temperature:    0.2,
			MaxTokens:      2048,
		},
		Speech: SpeechConfig{
			Endpoint: "http://localhost:8001/transcribe",
			Language: "en",
			Timeout:  Duration(120 * time.Second),
		},
		Imaging: ImagingConfig{
			Endpoint: "http://localhost:8002/classify",
			Timeout:  Duration(60 * time.Second),
		},
		Records: RecordsConfig{
			DBPath:            "data/records.db",
			EmbeddingProvider: "ollama",
			EmbeddingEndpoint: "http://localhost:11434",
			EmbeddingModel:    "embeddinggemma",
		},
		Sessions: SessionConfig{
			DBPath:          "data/sessions.db",
			TTL:             Duration(30 * time.Minute),
			CleanupInterval: Duration(5 * time.Minute),
		},
		Workflow: WorkflowConfig{
			StepBudget:    10,
			TopK:          3,
			HistoryWindow: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, falling back to defaults when path is
// empty, and applies environment overrides last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies MEDSCREENING_* environment variables. Secrets
// are usually injected this way rather than written to the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEDSCREENING_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MEDSCREENING_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("MEDSCREENING_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("MEDSCREENING_OLLAMA_ENDPOINT"); v != "" {
		c.LLM.OllamaEndpoint = v
		c.Records.EmbeddingEndpoint = v
	}
	if v := os.Getenv("MEDSCREENING_OLLAMA_MODEL"); v != "" {
		c.LLM.OllamaModel = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.GeminiAPIKey = v
		c.Records.GenAIAPIKey = v
	}
	if v := os.Getenv("MEDSCREENING_SPEECH_ENDPOINT"); v != "" {
		c.Speech.Endpoint = v
	}
	if v := os.Getenv("MEDSCREENING_IMAGING_ENDPOINT"); v != "" {
		c.Imaging.Endpoint = v
	}
	if v := os.Getenv("MEDSCREENING_RECORDS_DB"); v != "" {
		c.Records.DBPath = v
	}
	if v := os.Getenv("MEDSCREENING_SESSIONS_DB"); v != "" {
		c.Sessions.DBPath = v
	}
	if v := os.Getenv("MEDSCREENING_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MEDSCREENING_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.RatePerMinute = n
		}
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set MEDSCREENING_JWT_SECRET)")
	}
	if c.Workflow.StepBudget <= 0 {
		return fmt.Errorf("workflow.step_budget must be positive")
	}
	if c.Workflow.TopK <= 0 {
		return fmt.Errorf("workflow.top_k must be positive")
	}
	return nil
}
