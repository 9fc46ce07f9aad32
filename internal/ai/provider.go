// Package ai defines the provider contract used for evaluator calls and the
// HTTP plumbing shared by the provider adapters.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrParse marks a provider response that could not be decoded.
var ErrParse = errors.New("parse provider response")

// Image is an inline image attached to a multimodal request.
type Image struct {
	MediaType string
	Data      []byte
}

// Request is one provider call.
type Request struct {
	System      string
	Prompt      string
	Images      []Image
	MaxTokens   int
	Temperature float64
}

// Multimodal reports whether the request carries images.
func (r Request) Multimodal() bool {
	return len(r.Images) > 0
}

// Response is the decoded provider answer.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider issues requests against one AI vendor.
type Provider interface {
	Name() string
	// MakeRequest performs the HTTP call and returns the raw response body.
	// Non-success statuses are returned as *ProviderError.
	MakeRequest(ctx context.Context, req Request) ([]byte, error)
	// ParseResponse decodes a raw body into a Response.
	ParseResponse(body []byte) (Response, error)
}

// ProviderError describes a non-success answer from a provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", e.Provider, e.StatusCode, e.Type, msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
}

// RateLimited reports whether the provider signalled a rate limit.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || strings.Contains(e.Type, "rate_limit")
}

// Do runs MakeRequest followed by ParseResponse.
func Do(ctx context.Context, p Provider, req Request) (Response, error) {
	body, err := p.MakeRequest(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp, err := p.ParseResponse(body)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// PostJSON sends payload to url and returns the body of a 2xx response.
// decodeErr extracts the vendor error type and message from failure bodies.
func PostJSON(
	ctx context.Context,
	client *http.Client,
	provider string,
	url string,
	headers map[string]string,
	payload any,
	decodeErr func([]byte) (string, string),
) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := &ProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if decodeErr != nil {
			pe.Type, pe.Message = decodeErr(body)
		}
		return nil, pe
	}
	return body, nil
}

// ParseError wraps a decode failure so it classifies as fatal.
func ParseError(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrParse, err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
