// Package headless captures full-page screenshots with headless Chrome.
package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the browser.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ViewportWidth     int
	ViewportHeight    int
	// Settle is how long to wait after the body is ready before capturing.
	Settle time.Duration
}

// Screenshotter implements audit.Screenshotter using chromedp.
type Screenshotter struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a screenshotter backed by a shared Chrome allocator.
// The browser process starts lazily on the first capture.
func NewChromedp(cfg Config, logger *zap.Logger) (*Screenshotter, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1366
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 768
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Screenshotter{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("screenshot"),
	}, nil
}

// Close shuts the browser down.
func (s *Screenshotter) Close() {
	s.allocCancel()
}

// Capture navigates to url and returns a full-page PNG.
func (s *Screenshotter) Capture(ctx context.Context, url string) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()
	// The task context descends from the allocator, so tie it to ctx as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := &documentMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	var png []byte
	if err := chromedp.Run(taskCtx,
		s.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.Settle),
		// Quality 100 yields PNG rather than JPEG.
		chromedp.FullScreenshot(&png, 100),
	); err != nil {
		return nil, fmt.Errorf("chromedp screenshot: %w", err)
	}
	if status := meta.status(); status >= 400 {
		return nil, fmt.Errorf("screenshot %s: document status %d", url, status)
	}
	s.logger.Debug("screenshot captured",
		zap.String("url", url),
		zap.Int("bytes", len(png)),
		zap.Duration("duration", time.Since(start)),
	)
	return png, nil
}

func (s *Screenshotter) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := emulation.SetDeviceMetricsOverride(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

func (s *Screenshotter) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return ctx.Err()
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("screenshot slot wait canceled: %w", ctx.Err())
	}
}

func (s *Screenshotter) release() {
	if s.limiter == nil {
		return
	}
	select {
	case <-s.limiter:
	default:
	}
}

// documentMeta records the status of the main document response.
type documentMeta struct {
	mu   sync.RWMutex
	code int
}

func (m *documentMeta) captureEvent(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.code == 0 {
		m.code = int(event.Response.Status)
	}
}

func (m *documentMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}
