package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tehqua/medscreening/internal/workflow"
)

// OllamaClient talks to a local Ollama server over its /api/chat endpoint.
type OllamaClient struct {
	endpoint   string
	model      string
	temp       float64
	maxTokens  int
	httpClient *http.Client
}

// NewOllamaClient creates a chat client for the configured Ollama server.
func NewOllamaClient(cfg Config) *OllamaClient {
	d := DefaultConfig()
	if cfg.OllamaEndpoint == "" {
		cfg.OllamaEndpoint = d.OllamaEndpoint
	}
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = d.OllamaModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = d.Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	return &OllamaClient{
		endpoint:  strings.TrimSuffix(cfg.OllamaEndpoint, "/"),
		model:     cfg.OllamaModel,
		temp:      cfg.Temperature,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// Generate sends the system prompt, recent history, and the current prompt as
// a single chat request and returns the model's reply.
func (c *OllamaClient) Generate(ctx context.Context, systemPrompt, prompt string, history []workflow.Message) (string, error) {
	msgs := make([]ollamaChatMessage, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, ollamaChatMessage{Role: "user", Content: prompt})

	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   false,
		Options: ollamaOptions{
			Temperature: c.temp,
			NumPredict:  c.maxTokens,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var chat ollamaChatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if chat.Error != "" {
		return "", fmt.Errorf("ollama error: %s", chat.Error)
	}

	return strings.TrimSpace(chat.Message.Content), nil
}

// Ping verifies the Ollama server is reachable. Used by the health endpoint.
func (c *OllamaClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 512
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
