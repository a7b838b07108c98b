package browser

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/common"
)

// Page wraps the tab context with timeout-bounded primitives. Probe methods
// (Count, IsVisible) treat a timeout as a negative answer, not an error.
type Page struct {
	ctx    context.Context
	config common.BrowserConfig
	logger arbor.ILogger
}

// Context exposes the underlying chromedp context for advanced callers
func (p *Page) Context() context.Context {
	return p.ctx
}

// Navigate loads a URL and waits for the document to become ready
func (p *Page) Navigate(url string) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// CurrentURL returns the tab's current location
func (p *Page) CurrentURL() (string, error) {
	var loc string
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// HTML captures the full document markup
func (p *Page) HTML() (string, error) {
	var html string
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to capture page HTML: %w", err)
	}
	return html, nil
}

// Screenshot captures a PNG of the viewport
func (p *Page) Screenshot() ([]byte, error) {
	var buf []byte
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// Evaluate runs a JS expression and unmarshals its result into out (out may be nil)
func (p *Page) Evaluate(js string, out interface{}) error {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(js, out))
}

// Count returns how many nodes the locator matches right now. Zero on timeout.
func (p *Page) Count(loc Locator) int {
	var nodes []*cdp.Node
	ctx, cancel := context.WithTimeout(p.ctx, 1*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Nodes(loc.Selector, &nodes, loc.allOpts(chromedp.AtLeast(0))...)); err != nil {
		return 0
	}
	return len(nodes)
}

// IsVisible probes whether the locator's first match is visible within the
// configured visibility timeout.
func (p *Page) IsVisible(loc Locator) bool {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.VisibilityTimeout)
	defer cancel()
	err := chromedp.Run(ctx, chromedp.WaitVisible(loc.Selector, loc.queryOpts()...))
	return err == nil
}

// Click clicks the locator's first match
func (p *Page) Click(loc Locator) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.VisibilityTimeout+2*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Click(loc.Selector, loc.queryOpts()...)); err != nil {
		return fmt.Errorf("click %s failed: %w", loc.Selector, err)
	}
	return nil
}

// Clear empties an input or textarea
func (p *Page) Clear(loc Locator) error {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Clear(loc.Selector, loc.queryOpts()...))
}

// TypeHuman focuses the element and types with per-keystroke delays in the
// configured range, like a person would.
func (p *Page) TypeHuman(loc Locator, text string) error {
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Focus(loc.Selector, loc.queryOpts()...)); err != nil {
		return fmt.Errorf("focus %s failed: %w", loc.Selector, err)
	}

	for _, r := range text {
		if err := chromedp.Run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("typing into %s failed: %w", loc.Selector, err)
		}
		p.humanDelay()
	}
	return nil
}

// PressEscape sends ESC to the page
func (p *Page) PressEscape() error {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.KeyEvent(kb.Escape))
}

// PressCtrlEnter sends Ctrl+Enter to the focused element (comment submit fallback)
func (p *Page) PressCtrlEnter(loc Locator) error {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx,
		chromedp.Focus(loc.Selector, loc.queryOpts()...),
		chromedp.KeyEvent("\r", chromedp.KeyModifiers(input.ModifierCtrl)),
	)
}

// Submit submits the form owning the locator's first match
func (p *Page) Submit(loc Locator) error {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Submit(loc.Selector, loc.queryOpts()...))
}

// SetValue writes an element's value directly, bypassing keystrokes.
// Used for hidden captcha-response fields.
func (p *Page) SetValue(loc Locator, value string) error {
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.SetValue(loc.Selector, value, loc.queryOpts()...))
}

// IframeNodes enumerates iframe elements in document order
func (p *Page) IframeNodes() ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	ctx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()
	err := chromedp.Run(ctx, chromedp.Nodes("iframe", &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Sleep pauses for a random human-looking interval between min and max
func (p *Page) Sleep(min, max time.Duration) {
	if max <= min {
		time.Sleep(min)
		return
	}
	time.Sleep(min + time.Duration(rand.Int63n(int64(max-min))))
}

func (p *Page) humanDelay() {
	minMs := p.config.TypingDelayMinMs
	maxMs := p.config.TypingDelayMaxMs
	if maxMs <= minMs {
		time.Sleep(time.Duration(minMs) * time.Millisecond)
		return
	}
	delay := minMs + rand.Intn(maxMs-minMs)
	time.Sleep(time.Duration(delay) * time.Millisecond)
}
