package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/JakeFAU/site-audit/internal/ai"
	"github.com/JakeFAU/site-audit/internal/audit"
)

const systemPrompt = `You are a website quality auditor. Answer with a single JSON object of the form
{"score": <integer 0-100>, "insights": [<string>], "recommendations": [<string>]} and nothing else.`

// PromptBuilder renders the user prompt for a subject.
type PromptBuilder func(subject audit.Subject) string

// PromptEvaluator asks the AI provider to score a subject and parses the
// JSON answer.
type PromptEvaluator struct {
	name        string
	build       PromptBuilder
	requester   Requester
	screenshot  bool
	maxTokens   int
	temperature float64
}

// NewPromptEvaluator builds an evaluator named name. With withScreenshot the
// subject screenshot, when present, is attached as an image.
func NewPromptEvaluator(name string, requester Requester, build PromptBuilder, withScreenshot bool) *PromptEvaluator {
	return &PromptEvaluator{
		name:        name,
		build:       build,
		requester:   requester,
		screenshot:  withScreenshot,
		maxTokens:   1024,
		temperature: 0.2,
	}
}

// Name returns the evaluator name used as the result key.
func (e *PromptEvaluator) Name() string { return e.name }

// Evaluate sends the prompt through the request queue.
func (e *PromptEvaluator) Evaluate(ctx context.Context, subject audit.Subject) (audit.Outcome, error) {
	if e.requester == nil {
		return audit.Outcome{}, errors.New("no ai requester configured")
	}
	req := ai.Request{
		System:      systemPrompt,
		Prompt:      e.build(subject),
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	}
	if e.screenshot && len(subject.Screenshot) > 0 {
		req.Images = []ai.Image{{MediaType: "image/png", Data: subject.Screenshot}}
	}
	resp, err := e.requester.Enqueue(ctx, req)
	if err != nil {
		return audit.Outcome{}, fmt.Errorf("%s evaluation: %w", e.name, err)
	}
	out, err := ParseOutcome(resp.Text)
	if err != nil {
		return audit.Outcome{}, fmt.Errorf("%s evaluation: %w", e.name, err)
	}
	out.TaskName = e.name
	return out, nil
}

type answer struct {
	Score           *float64 `json:"score"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
}

// ParseOutcome decodes a model answer, tolerating a surrounding code fence.
// Scores outside [0,100] are clamped.
func ParseOutcome(text string) (audit.Outcome, error) {
	body := stripFence(text)
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}
	var a answer
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return audit.Outcome{}, fmt.Errorf("decode evaluation answer: %w", err)
	}
	if a.Score == nil {
		return audit.Outcome{}, errors.New("evaluation answer has no score")
	}
	score := int(math.Round(math.Max(0, math.Min(100, *a.Score))))
	return audit.Outcome{
		Score:           score,
		Insights:        nonNil(a.Insights),
		Recommendations: nonNil(a.Recommendations),
	}, nil
}

func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "```"))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
