package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudioFixture(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("RIFF....WAVEfmt "), 0o644))
	return path
}

func TestWhisperClient_Transcribe(t *testing.T) {
	audio := writeAudioFixture(t, "visit.wav")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "visit.wav", header.Filename)
		assert.Equal(t, "en", r.FormValue("language"))

		w.Write([]byte(`{"text": "my knee hurts when I walk", "language": "en"}`))
	}))
	defer srv.Close()

	client := NewWhisperClient(Config{Endpoint: srv.URL, Language: "en"})
	text, err := client.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	assert.Equal(t, "my knee hurts when I walk", text)
}

func TestWhisperClient_ServiceError(t *testing.T) {
	audio := writeAudioFixture(t, "visit.wav")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "decode failure", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewWhisperClient(Config{Endpoint: srv.URL})
	_, err := client.Transcribe(context.Background(), audio)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode failure")
}

func TestWhisperClient_MissingFile(t *testing.T) {
	client := NewWhisperClient(Config{Endpoint: "http://localhost:0"})
	_, err := client.Transcribe(context.Background(), "/nonexistent/voice.wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open audio file")
}
