package frames

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/domainmem"
)

// Resolution source values
const (
	SourceMain     = "main"
	SourceNotFound = "not_found"
	SourceError    = "error"
)

// Resolution is the frame context that contained a visible match
type Resolution struct {
	Locator browser.Locator
	Source  string // "main", "iframe_<i>", "not_found", "error"
}

// Router probes the main frame first, then every child frame in document
// order, and reports where a locator resolves to a visible element.
type Router struct {
	memory *domainmem.Memory
	logger arbor.ILogger
}

// NewRouter creates an iframe router backed by domain memory
func NewRouter(memory *domainmem.Memory, logger arbor.ILogger) *Router {
	return &Router{memory: memory, logger: logger}
}

// Find resolves the locator in the main frame or the lowest-indexed child
// frame with a visible match. The frame node captured in the returned locator
// is the one probed, not a re-enumerated index: frame ordering is assumed
// stable only within a single enumeration.
func (r *Router) Find(page *browser.Page, base browser.Locator, domain string) (*Resolution, error) {
	// Main frame first
	if page.Count(base) > 0 && page.IsVisible(base) {
		return &Resolution{Locator: base, Source: SourceMain}, nil
	}

	frameNodes, err := page.IframeNodes()
	if err != nil {
		return &Resolution{Source: SourceError}, fmt.Errorf("failed to enumerate iframes: %w", err)
	}

	for i, frame := range frameNodes {
		scoped := base.InFrame(frame)
		if page.Count(scoped) == 0 {
			continue
		}
		if !page.IsVisible(scoped) {
			continue
		}

		source := fmt.Sprintf("iframe_%d", i)
		if domain != "" && r.memory != nil {
			if err := r.memory.RecordIframeUsed(domain, true); err != nil {
				r.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to record iframe use")
			}
		}
		r.logger.Debug().
			Str("selector", base.Selector).
			Str("source", source).
			Msg("Locator resolved inside iframe")
		return &Resolution{Locator: scoped, Source: source}, nil
	}

	return &Resolution{Source: SourceNotFound}, nil
}

// FindForm probes for a form matching the selector in main or child frames
func (r *Router) FindForm(page *browser.Page, selector, domain string) (*Resolution, error) {
	return r.Find(page, browser.CSS(selector), domain)
}

// FindInput probes for an input or textarea in main or child frames
func (r *Router) FindInput(page *browser.Page, selector, domain string) (*Resolution, error) {
	return r.Find(page, browser.CSS(selector), domain)
}
