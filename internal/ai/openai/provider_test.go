package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/ai"
)

func TestProviderRoundTrip(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[{"message":{"content":"{\"score\":80}"}}],` +
			`"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "sk-test", Model: "gpt-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	resp, err := ai.Do(context.Background(), p, ai.Request{
		System: "sys",
		Prompt: "score this",
		Images: []ai.Image{{Data: []byte{0x89, 'P', 'N', 'G'}}},
	})
	require.NoError(t, err)
	require.Equal(t, `{"score":80}`, resp.Text)
	require.Equal(t, 12, resp.InputTokens)
	require.Equal(t, 3, resp.OutputTokens)

	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	user, ok := msgs[1].(map[string]any)
	require.True(t, ok)
	parts, ok := user["content"].([]any)
	require.True(t, ok)
	require.Len(t, parts, 2)
}

func TestProviderReturnsProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = p.MakeRequest(context.Background(), ai.Request{Prompt: "x"})
	var pe *ai.ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	require.Equal(t, "rate_limit_exceeded", pe.Type)
	require.Equal(t, "slow down", pe.Message)
	require.True(t, pe.RateLimited())
	require.Equal(t, int64(7), int64(pe.RetryAfter.Seconds()))
}

func TestParseResponseRejectsEmptyChoices(t *testing.T) {
	t.Parallel()

	p, err := New(Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	_, err = p.ParseResponse([]byte(`{"choices":[]}`))
	require.ErrorIs(t, err, ai.ErrParse)

	_, err = p.ParseResponse([]byte(`not json`))
	require.ErrorIs(t, err, ai.ErrParse)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
