package evaluation

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// Evaluator names, also used as result keys and weight keys.
const (
	SEO           = "seo"
	Content       = "content"
	Accessibility = "accessibility"
	Design        = "design"
)

// DefaultWeights are the overall score weights for the shipped evaluators.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		SEO:           0.3,
		Content:       0.3,
		Accessibility: 0.2,
		Design:        0.2,
	}
}

// NewSEO scores search engine optimisation signals.
func NewSEO(r Requester) *PromptEvaluator {
	return NewPromptEvaluator(SEO, r, func(s audit.Subject) string {
		var b strings.Builder
		b.WriteString("Evaluate the search engine optimisation of this page.\n")
		writeBasics(&b, s)
		fmt.Fprintf(&b, "Meta description: %q\n", s.MetaDescription)
		fmt.Fprintf(&b, "Language: %q\n", s.Lang)
		fmt.Fprintf(&b, "Internal links: %d, external links: %d\n", s.InternalLinks, s.ExternalLinks)
		writeHeadings(&b, s)
		return b.String()
	}, false)
}

// NewContent scores copy quality and structure.
func NewContent(r Requester) *PromptEvaluator {
	return NewPromptEvaluator(Content, r, func(s audit.Subject) string {
		var b strings.Builder
		b.WriteString("Evaluate the clarity, depth and structure of the written content of this page.\n")
		writeBasics(&b, s)
		fmt.Fprintf(&b, "Word count: %d\n", s.WordCount)
		writeHeadings(&b, s)
		fmt.Fprintf(&b, "Text sample:\n%s\n", s.TextSample)
		return b.String()
	}, false)
}

// NewAccessibility scores accessibility signals visible in the markup.
func NewAccessibility(r Requester) *PromptEvaluator {
	return NewPromptEvaluator(Accessibility, r, func(s audit.Subject) string {
		var b strings.Builder
		b.WriteString("Evaluate the accessibility of this page.\n")
		writeBasics(&b, s)
		fmt.Fprintf(&b, "Language attribute: %q\n", s.Lang)
		fmt.Fprintf(&b, "Images: %d, images without alt text: %d\n", s.Images, s.ImagesMissingAlt)
		writeHeadings(&b, s)
		return b.String()
	}, false)
}

// NewDesign scores visual design. The screenshot is attached when captured.
func NewDesign(r Requester) *PromptEvaluator {
	return NewPromptEvaluator(Design, r, func(s audit.Subject) string {
		var b strings.Builder
		b.WriteString("Evaluate the visual design and layout of this page.\n")
		if len(s.Screenshot) > 0 {
			b.WriteString("A full-page screenshot is attached.\n")
		} else {
			b.WriteString("No screenshot is available; judge from the structure below.\n")
		}
		writeBasics(&b, s)
		fmt.Fprintf(&b, "Load time: %s\n", s.LoadTime)
		writeHeadings(&b, s)
		return b.String()
	}, true)
}

// Default returns the four shipped evaluators sharing one requester.
func Default(r Requester) []Evaluator {
	return []Evaluator{NewSEO(r), NewContent(r), NewAccessibility(r), NewDesign(r)}
}

func writeBasics(b *strings.Builder, s audit.Subject) {
	url := s.FinalURL
	if url == "" {
		url = s.URL
	}
	fmt.Fprintf(b, "URL: %s\n", url)
	fmt.Fprintf(b, "HTTP status: %d\n", s.StatusCode)
	fmt.Fprintf(b, "Title: %q\n", s.Title)
}

func writeHeadings(b *strings.Builder, s audit.Subject) {
	if len(s.Headings) == 0 {
		b.WriteString("Headings: none\n")
		return
	}
	headings := s.Headings
	if len(headings) > 20 {
		headings = headings[:20]
	}
	fmt.Fprintf(b, "Headings:\n- %s\n", strings.Join(headings, "\n- "))
}
