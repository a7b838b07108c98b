package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
)

// Session owns one Chrome process scoped to a single task. Release order on
// Close is pages, then browser context, then the allocator.
type Session struct {
	config common.BrowserConfig
	logger arbor.ILogger

	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	page *Page
}

// NewSession launches a browser for one task. proxyURL may be empty.
func NewSession(ctx context.Context, config common.BrowserConfig, proxyURL string, logger arbor.ILogger) (*Session, error) {
	opts := buildAllocatorOptions(config, proxyURL)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(ctx, opts...)

	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx,
		chromedp.WithLogf(func(s string, i ...interface{}) {
			logger.Debug().Msgf("chromedp: "+s, i...)
		}),
	)

	s := &Session{
		config:          config,
		logger:          logger,
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
	}

	// Startup probe; also forces the Chrome process to spawn now rather than
	// on first navigation.
	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		s.Close()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	if err := installStealth(browserCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to install stealth script: %w", err)
	}

	s.page = &Page{ctx: browserCtx, config: config, logger: logger}
	return s, nil
}

// Page returns the session's single tab
func (s *Session) Page() *Page {
	return s.page
}

// Close tears the browser down. Safe to call more than once.
func (s *Session) Close() {
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocatorCancel != nil {
		s.allocatorCancel()
		s.allocatorCancel = nil
	}
}

// buildAllocatorOptions creates Chrome allocator options with stealth flags
func buildAllocatorOptions(config common.BrowserConfig, proxyURL string) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserAgent(config.UserAgent),

		// Stealth flags
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),

		chromedp.WindowSize(config.WindowWidth, config.WindowHeight),
	}

	if config.DisableGPU {
		opts = append(opts, chromedp.Flag("disable-gpu", true))
	}
	if config.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	if config.Headless {
		// New headless mode is less detectable
		opts = append(opts, chromedp.Flag("headless", "new"))
	}

	return opts
}
