package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-gate/types"
)

func TestOpenAIComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI(types.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	out, err := p.Complete(context.Background(), "gpt-4o", "hi")
	require.NoError(t, err)

	assert.Equal(t, "hello!", out.Content)
	assert.Equal(t, int64(9), out.InputUnits)
	assert.Equal(t, int64(3), out.OutputUnits)
	assert.Equal(t, "gpt-4o", got["model"])
	assert.EqualValues(t, MaxOutputUnits, got["max_tokens"])
}

func TestOpenAIReasoningModelOmitsTemperature(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "ok"}}], "usage": {}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(types.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	_, err := p.Complete(context.Background(), "o1-preview", "hi")
	require.NoError(t, err)

	assert.NotContains(t, got, "temperature")
	assert.NotContains(t, got, "max_tokens")
	assert.EqualValues(t, MaxOutputUnits, got["max_completion_tokens"])
}

func TestAnthropicComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-opus-20240229",
			"content": [{"type": "text", "text": "hey"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 4, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p := NewAnthropic(types.ProviderConfig{APIKey: "key", BaseURL: srv.URL}, srv.Client())
	out, err := p.Complete(context.Background(), "claude-3-opus-20240229", "hi")
	require.NoError(t, err)
	assert.Equal(t, &Completion{Content: "hey", InputUnits: 4, OutputUnits: 2}, out)

	assert.Equal(t, "claude-3-opus-20240229", got["model"])
	assert.EqualValues(t, MaxOutputUnits, got["max_tokens"])
	raw, err := json.Marshal(got["messages"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"hi"`)
}

func TestAnthropicAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	p := NewAnthropic(types.ProviderConfig{APIKey: "bad", BaseURL: srv.URL}, srv.Client())
	_, err := p.Complete(context.Background(), "claude", "hi")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "anthropic", apiErr.Provider)
}

func TestGoogleComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash-exp:generateContent"), r.URL.Path)
		assert.Equal(t, "gkey", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "bonjour"}]}}],
			"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 7}
		}`))
	}))
	defer srv.Close()

	p, err := NewGoogle(context.Background(), types.ProviderConfig{APIKey: "gkey", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	out, err := p.Complete(context.Background(), "gemini-2.0-flash-exp", "hi")
	require.NoError(t, err)
	assert.Equal(t, &Completion{Content: "bonjour", InputUnits: 5, OutputUnits: 7}, out)

	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"maxOutputTokens":2000`)
	assert.Contains(t, string(raw), `"text":"hi"`)
}

func TestRegistrySkipsProvidersWithoutKeys(t *testing.T) {
	r, err := NewRegistry(context.Background(), map[string]types.ProviderConfig{
		"openai":    {APIKey: "sk"},
		"anthropic": {},
		"google":    {APIKey: "g"},
		"unknown":   {APIKey: "x"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"google", "openai"}, r.Names())

	_, err = r.Provider("anthropic")
	assert.ErrorIs(t, err, ErrNotConfigured)

	p, err := r.Provider("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestTimeouts(t *testing.T) {
	got := Timeouts(map[string]types.ProviderConfig{
		"openai":    {APIKey: "sk", Timeout: 15 * time.Second},
		"anthropic": {APIKey: "a"},
	})
	assert.Equal(t, map[string]time.Duration{"openai": 15 * time.Second}, got)
}
