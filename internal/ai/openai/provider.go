// Package openai implements ai.Provider against the OpenAI chat completions API.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/site-audit/internal/ai"
)

const name = "openai"

// Config controls the OpenAI adapter.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Provider calls the chat completions endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New builds a Provider. A nil client uses one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{cfg: cfg, client: client}, nil
}

// Name identifies the provider in logs and metrics.
func (p *Provider) Name() string { return name }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// MakeRequest posts the chat completion request.
func (p *Provider) MakeRequest(ctx context.Context, req ai.Request) ([]byte, error) {
	payload := chatRequest{
		Model:          p.cfg.Model,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, message{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, message{Role: "user", Content: userContent(req)})

	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	return ai.PostJSON(ctx, p.client, name, p.cfg.BaseURL+"/v1/chat/completions", headers, payload, decodeError)
}

// ParseResponse extracts the first choice.
func (p *Provider) ParseResponse(body []byte) (ai.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ai.Response{}, ai.ParseError(name, err)
	}
	if len(resp.Choices) == 0 {
		return ai.Response{}, ai.ParseError(name, errors.New("no choices returned"))
	}
	return ai.Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func userContent(req ai.Request) any {
	if !req.Multimodal() {
		return req.Prompt
	}
	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(img.Data)),
			},
		})
	}
	return parts
}

func decodeError(body []byte) (string, string) {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	typ := env.Error.Type
	if env.Error.Code != "" {
		typ = env.Error.Code
	}
	return typ, env.Error.Message
}
