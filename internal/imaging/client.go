// Package imaging provides the skin-lesion classifier client. It targets an
// HTTP classification service that scores an uploaded image across a fixed
// set of dermatological conditions.
package imaging

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

	"github.com/tehqua/medscreening/internal/workflow"
)

// Labels is the fixed condition set the classifier scores. The service must
// return a distribution over exactly these labels.
var Labels = []string{
	"Acne",
	"Actinic Keratosis",
	"Basal Cell Carcinoma",
	"Dermatitis",
	"Eczema",
	"Melanoma",
	"Psoriasis",
	"Rosacea",
}

// Config holds classifier service configuration.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// DefaultConfig returns defaults for a local classifier service.
func DefaultConfig() Config {
	return Config{
		Endpoint: "http://localhost:8002/classify",
		Timeout:  60 * time.Second,
	}
}

// Client classifies skin images through the configured HTTP service.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a skin-lesion classifier client.
func NewClient(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &Client{
		endpoint: cfg.Endpoint,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type classifyResponse struct {
	Predictions map[string]float64 `json:"predictions"`
	Error       string             `json:"error,omitempty"`
}

// Classify uploads the image at imageRef and maps the service's probability
// distribution into a finding. The top-scoring label wins.
func (c *Client) Classify(ctx context.Context, imageRef string) (workflow.ImageFinding, error) {
	f, err := os.Open(imageRef)
	if err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("open image file: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(imageRef))
	if err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("classification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return workflow.ImageFinding{}, fmt.Errorf("classifier returned %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return workflow.ImageFinding{}, fmt.Errorf("parse response: %w", err)
	}
	if result.Error != "" {
		return workflow.ImageFinding{}, fmt.Errorf("classifier error: %s", result.Error)
	}

	return findingFromDistribution(result.Predictions)
}

func findingFromDistribution(dist map[string]float64) (workflow.ImageFinding, error) {
	if len(dist) == 0 {
		return workflow.ImageFinding{}, fmt.Errorf("classifier returned no predictions")
	}

	var (
		best     string
		bestProb = -1.0
	)
	for _, label := range Labels {
		p, ok := dist[label]
		if !ok {
			return workflow.ImageFinding{}, fmt.Errorf("classifier omitted label %q", label)
		}
		if p > bestProb {
			best, bestProb = label, p
		}
	}

	return workflow.ImageFinding{
		Label:        best,
		Confidence:   bestProb,
		Note:         fmt.Sprintf("Most likely condition: %s (%.0f%% confidence). This is an automated screening estimate, not a diagnosis.", best, bestProb*100),
		Distribution: dist,
	}, nil
}
