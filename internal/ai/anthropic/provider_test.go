package anthropic

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

	var captured messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &captured))
		_, _ = w.Write([]byte(`{"model":"claude-test","content":[{"type":"text","text":"{\"score\":"},` +
			`{"type":"text","text":"64}"}],"usage":{"input_tokens":20,"output_tokens":4}}`))
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "key", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	resp, err := ai.Do(context.Background(), p, ai.Request{
		System: "sys",
		Prompt: "score",
		Images: []ai.Image{{MediaType: "image/png", Data: []byte("png")}},
	})
	require.NoError(t, err)
	require.Equal(t, `{"score":64}`, resp.Text)
	require.Equal(t, "claude-test", resp.Model)

	require.Equal(t, "sys", captured.System)
	require.Equal(t, 1024, captured.MaxTokens)
	require.Len(t, captured.Messages, 1)
	require.Len(t, captured.Messages[0].Content, 2)
	require.Equal(t, "image", captured.Messages[0].Content[0].Type)
	require.Equal(t, "text", captured.Messages[0].Content[1].Type)
}

func TestProviderDecodesOverloadedError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "key", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = p.MakeRequest(context.Background(), ai.Request{Prompt: "x"})
	var pe *ai.ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 529, pe.StatusCode)
	require.Equal(t, "overloaded_error", pe.Type)
	require.False(t, pe.RateLimited())
}

func TestParseResponseRequiresText(t *testing.T) {
	t.Parallel()

	p, err := New(Config{APIKey: "key"}, nil)
	require.NoError(t, err)
	_, err = p.ParseResponse([]byte(`{"content":[]}`))
	require.ErrorIs(t, err, ai.ErrParse)
}
