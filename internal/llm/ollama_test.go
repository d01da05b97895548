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

func newTestOllama(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(Config{OllamaEndpoint: srv.URL, OllamaModel: "test-model"})
}

func TestOllamaClient_Generate(t *testing.T) {
	var got ollamaChatRequest
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: "assistant", Content: "  Rest and fluids are usually enough.  "},
			Done:    true,
		})
	})

	history := []workflow.Message{
		{Role: workflow.RoleUser, Content: "hello"},
		{Role: workflow.RoleAssistant, Content: "hi, how can I help"},
	}
	text, err := client.Generate(context.Background(), "system rules", "what helps a cold", history)
	require.NoError(t, err)
	assert.Equal(t, "Rest and fluids are usually enough.", text)

	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "what helps a cold", got.Messages[3].Content)
	assert.False(t, got.Stream)
	assert.Equal(t, "test-model", got.Model)
}

func TestOllamaClient_ServerError(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := client.Generate(context.Background(), "", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestOllamaClient_ErrorField(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{Error: "out of memory"})
	})

	_, err := client.Generate(context.Background(), "", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestOllamaClient_ContextCancelled(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Generate(ctx, "", "hi", nil)
	assert.Error(t, err)
}

func TestNew_ProviderSelection(t *testing.T) {
	gen, err := New(Config{Provider: ProviderOllama})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, gen)

	_, err = New(Config{Provider: ProviderGemini})
	assert.Error(t, err, "gemini without API key")

	gen, err = New(Config{Provider: ProviderGemini, GeminiAPIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, gen)

	_, err = New(Config{Provider: "watson"})
	assert.Error(t, err)
}
