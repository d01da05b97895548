package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehqua/medscreening/internal/workflow"
)

func TestGeminiClient_Generate(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Stay "},{"text":"hydrated."}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	client, err := NewGeminiClient(Config{GeminiAPIKey: "secret", GeminiBaseURL: srv.URL})
	require.NoError(t, err)

	history := []workflow.Message{{Role: workflow.RoleAssistant, Content: "earlier answer"}}
	text, err := client.Generate(context.Background(), "rules", "question", history)
	require.NoError(t, err)
	assert.Equal(t, "Stay hydrated.", text)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "rules", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 2)
	assert.Equal(t, "model", got.Contents[0].Role, "assistant history maps to the model role")
	assert.Equal(t, "user", got.Contents[1].Role)
}

func TestGeminiClient_NoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	client, err := NewGeminiClient(Config{GeminiAPIKey: "k", GeminiBaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "", "q", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidates")
}
