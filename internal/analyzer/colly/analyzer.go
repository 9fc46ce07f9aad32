// Package collyanalyzer fetches a page with gocolly and extracts the data the
// evaluators score.
package collyanalyzer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/backoff"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

const (
	defaultTextSample = 4000
	maxHeadings       = 50
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMax      time.Duration
	// TextSample caps the characters of visible text kept for the evaluators.
	TextSample int
	// Transport overrides the default pooled transport.
	Transport http.RoundTripper
}

// StatusError reports a non-success HTTP status from the audited site.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Analyzer implements audit.SiteAnalyzer.
type Analyzer struct {
	cfg    Config
	base   *colly.Collector
	retry  backoff.Exponential
	logger *zap.Logger
}

// New builds an Analyzer.
func New(cfg Config, logger *zap.Logger) *Analyzer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.TextSample <= 0 {
		cfg.TextSample = defaultTextSample
	}
	if cfg.Transport == nil {
		cfg.Transport = newHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(cfg.Transport)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.SetRequestTimeout(cfg.Timeout)

	return &Analyzer{
		cfg:    cfg,
		base:   c,
		retry:  backoff.Exponential{Base: cfg.RetryBase, Max: cfg.RetryMax},
		logger: logger.Named("analyzer"),
	}
}

// Analyze fetches rawURL, retrying transient failures.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (audit.Subject, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		subject, err := a.fetch(ctx, rawURL)
		if err == nil {
			metrics.ObserveSiteFetch(rawURL, strconv.Itoa(subject.StatusCode))
			return subject, nil
		}
		lastErr = err
		metrics.ObserveSiteFetch(rawURL, fetchStatus(err))
		if !shouldRetry(err) || attempt == a.cfg.MaxAttempts {
			break
		}
		delay := a.retry.Jittered(attempt - 1)
		a.logger.Debug("site fetch failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return audit.Subject{}, err
		}
	}
	return audit.Subject{}, lastErr
}

func (a *Analyzer) fetch(ctx context.Context, rawURL string) (audit.Subject, error) {
	var fetchErr error
	pg := &page{subject: audit.Subject{URL: rawURL}, textLimit: a.cfg.TextSample}
	collector := a.base.Clone()
	start := time.Now()
	pg.register(collector, start, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return audit.Subject{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return audit.Subject{}, fetchErr
		}
		if err != nil {
			return audit.Subject{}, fmt.Errorf("colly visit failed: %w", err)
		}
	}
	if pg.subject.StatusCode == 0 {
		return audit.Subject{}, fmt.Errorf("fetch %s: no response", rawURL)
	}
	return pg.subject, nil
}

// page accumulates extraction results from the collector callbacks.
type page struct {
	subject   audit.Subject
	textLimit int
}

func (p *page) register(c *colly.Collector, start time.Time, fetchErr *error) {
	c.OnResponse(func(r *colly.Response) {
		p.subject.FinalURL = r.Request.URL.String()
		p.subject.StatusCode = r.StatusCode
		p.subject.LoadTime = time.Since(start)
		p.subject.Headers = flattenHeaders(r.Headers)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &StatusError{StatusCode: r.StatusCode, URL: r.Request.URL.String()}
			return
		}
		*fetchErr = fmt.Errorf("colly response failed: %w", err)
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		p.subject.Lang = strings.TrimSpace(e.Attr("lang"))
	})
	c.OnHTML("head > title", func(e *colly.HTMLElement) {
		if p.subject.Title == "" {
			p.subject.Title = collapse(e.Text)
		}
	})
	c.OnHTML(`meta[name="description"]`, func(e *colly.HTMLElement) {
		p.subject.MetaDescription = collapse(e.Attr("content"))
	})
	c.OnHTML("h1, h2, h3", func(e *colly.HTMLElement) {
		if len(p.subject.Headings) < maxHeadings {
			p.subject.Headings = append(p.subject.Headings, e.Name+": "+collapse(e.Text))
		}
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		p.countLink(e.Request.AbsoluteURL(e.Attr("href")))
	})
	c.OnHTML("img", func(e *colly.HTMLElement) {
		p.subject.Images++
		if strings.TrimSpace(e.Attr("alt")) == "" {
			p.subject.ImagesMissingAlt++
		}
	})
	// Registered last: it strips script and style nodes from the document.
	c.OnHTML("body", func(e *colly.HTMLElement) {
		e.DOM.Find("script, style, noscript, template").Remove()
		words := strings.Fields(e.DOM.Text())
		p.subject.WordCount = len(words)
		p.subject.TextSample = truncate(strings.Join(words, " "), p.textLimit)
	})
}

func (p *page) countLink(href string) {
	target, err := url.Parse(href)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return
	}
	base, err := url.Parse(p.subject.FinalURL)
	if err == nil && strings.EqualFold(target.Hostname(), base.Hostname()) {
		p.subject.InternalLinks++
		return
	}
	p.subject.ExternalLinks++
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

func fetchStatus(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.StatusCode)
	}
	return "error"
}

func flattenHeaders(h *http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(*h))
	for key, values := range *h {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
