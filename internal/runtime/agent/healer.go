package agent

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/frames"
	"github.com/ternarybob/nexo/internal/runtime/locator"
	"github.com/ternarybob/nexo/internal/runtime/popup"
	"github.com/ternarybob/nexo/internal/runtime/statedetect"
)

// HealContext carries what the failing step knew, so the healer can retry
// the lookup with a different route.
type HealContext struct {
	Selector   string   // required for iframe_missed
	TargetRole string   // required for element_not_found
	Keywords   []string // required for element_not_found
}

// HealResult describes what the single recovery attempt achieved
type HealResult struct {
	Healed   bool
	Strategy string
	Locator  *browser.Locator
	Source   string
}

// Healer attempts one bounded recovery per task for the recoverable failure
// reasons. Everything else fails fast.
type Healer struct {
	popups *popup.Controller
	router *frames.Router
	engine *locator.Engine
	logger arbor.ILogger

	mu        sync.Mutex
	attempted map[string]bool
}

func NewHealer(popups *popup.Controller, router *frames.Router, engine *locator.Engine, logger arbor.ILogger) *Healer {
	return &Healer{
		popups:    popups,
		router:    router,
		engine:    engine,
		logger:    logger,
		attempted: make(map[string]bool),
	}
}

// Heal dispatches on the failure reason. The first call per task gets the
// one attempt; later calls return fail_fast regardless of reason.
func (h *Healer) Heal(page *browser.Page, taskID, domain string, reason models.FailureReason, hctx HealContext) (*HealResult, error) {
	h.mu.Lock()
	if h.attempted[taskID] {
		h.mu.Unlock()
		return &HealResult{Healed: false, Strategy: "fail_fast"}, nil
	}
	h.attempted[taskID] = true
	h.mu.Unlock()

	switch reason {
	case models.FailurePopupBlocking:
		return h.healPopup(page, taskID, domain)
	case models.FailureIframeMissed:
		return h.healIframe(page, domain, hctx)
	case models.FailureElementNotFound:
		return h.healLocator(page, taskID, domain, hctx)
	default:
		return &HealResult{Healed: false, Strategy: "fail_fast"}, nil
	}
}

// Forget releases the task's heal slot after finalization
func (h *Healer) Forget(taskID string) {
	h.mu.Lock()
	delete(h.attempted, taskID)
	h.mu.Unlock()
}

func (h *Healer) healPopup(page *browser.Page, taskID, domain string) (*HealResult, error) {
	state, err := statedetect.Detect(page)
	if err != nil {
		return &HealResult{Healed: false, Strategy: "popup_redetect"}, nil
	}
	if !state.NeedsPopupClearing() {
		// blocker resolved itself between failure and heal
		return &HealResult{Healed: true, Strategy: "popup_redetect"}, nil
	}
	result, err := h.popups.ClearIfNeeded(page, taskID, domain, &state)
	if err != nil {
		return nil, err
	}
	if result.Cleared {
		h.logger.Info().Str("domain", domain).Msg("Healer cleared blocking popup")
		return &HealResult{Healed: true, Strategy: "popup_cleared"}, nil
	}
	return &HealResult{Healed: false, Strategy: "popup_cleared"}, nil
}

func (h *Healer) healIframe(page *browser.Page, domain string, hctx HealContext) (*HealResult, error) {
	if hctx.Selector == "" {
		return &HealResult{Healed: false, Strategy: "fail_fast"}, nil
	}
	resolution, err := h.router.Find(page, browser.CSS(hctx.Selector), domain)
	if err != nil {
		return &HealResult{Healed: false, Strategy: "iframe_route"}, nil
	}
	if resolution.Source == frames.SourceNotFound || resolution.Source == frames.SourceError {
		return &HealResult{Healed: false, Strategy: "iframe_route"}, nil
	}
	h.logger.Info().
		Str("domain", domain).
		Str("source", resolution.Source).
		Msg("Healer rerouted selector through iframe")
	return &HealResult{
		Healed:   true,
		Strategy: "iframe_route",
		Locator:  &resolution.Locator,
		Source:   resolution.Source,
	}, nil
}

func (h *Healer) healLocator(page *browser.Page, taskID, domain string, hctx HealContext) (*HealResult, error) {
	if hctx.TargetRole == "" || len(hctx.Keywords) == 0 {
		return &HealResult{Healed: false, Strategy: "fail_fast"}, nil
	}
	found, _, err := h.engine.Find(page, taskID, domain, hctx.TargetRole, hctx.Keywords)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return &HealResult{Healed: false, Strategy: "locator_fallback"}, nil
	}
	h.logger.Info().
		Str("domain", domain).
		Str("strategy", found.Winner.Strategy).
		Msg("Healer recovered element with fallback locator")
	return &HealResult{
		Healed:   true,
		Strategy: found.Winner.Strategy,
		Locator:  &found.Locator,
		Source:   found.Source,
	}, nil
}
