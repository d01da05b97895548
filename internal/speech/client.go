// Package speech provides the transcription client used for voice turns.
// It targets a Whisper-compatible HTTP service exposing a multipart
// /transcribe endpoint.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds transcription service configuration.
type Config struct {
	Endpoint string
	Language string
	Timeout  time.Duration
}

// DefaultConfig returns defaults for a local Whisper service.
func DefaultConfig() Config {
	return Config{
		Endpoint: "http://localhost:8001/transcribe",
		Language: "en",
		Timeout:  120 * time.Second,
	}
}

// WhisperClient transcribes audio files through a Whisper-compatible service.
type WhisperClient struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

// NewWhisperClient creates a transcription client.
func NewWhisperClient(cfg Config) *WhisperClient {
	d := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &WhisperClient{
		endpoint: cfg.Endpoint,
		language: cfg.Language,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Error    string `json:"error,omitempty"`
}

// Transcribe uploads the audio file at audioRef and returns the raw
// transcript text.
func (c *WhisperClient) Transcribe(ctx context.Context, audioRef string) (string, error) {
	f, err := os.Open(audioRef)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioRef))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}
	if c.language != "" {
		if err := writer.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("transcription service returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	var result transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("transcription error: %s", result.Error)
	}

	return result.Text, nil
}
