package popup

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/domainmem"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/statedetect"
)

// closeButtonSelectors is the fixed sweep tried after learned selectors
var closeButtonSelectors = []string{
	`[aria-label="Close"]`,
	`[aria-label="close"]`,
	`[aria-label="Dismiss"]`,
	`button.close`,
	`.modal-close`,
	`.popup-close`,
	`#close`,
	`[data-dismiss="modal"]`,
	`[data-close]`,
	`.cc-dismiss`,
	`#onetrust-accept-btn-handler`,
}

// closeButtonTexts is matched case-insensitively against button/link text
var closeButtonTexts = []string{
	"close", "x", "accept", "dismiss", "decline",
	"not now", "no thanks", "maybe later", "skip", "cancel",
}

// Result reports what the controller did
type Result struct {
	Cleared             bool
	StrategiesAttempted []string
	Errors              []string
}

// Controller clears overlays and modals, learning what worked per domain
type Controller struct {
	memory *domainmem.Memory
	guard  *budget.Guard
	logger arbor.ILogger
}

// NewController creates a popup controller
func NewController(memory *domainmem.Memory, guard *budget.Guard, logger arbor.ILogger) *Controller {
	return &Controller{memory: memory, guard: guard, logger: logger}
}

// ClearIfNeeded attempts to dismiss whatever layer the state shows, in order:
// learned selectors for this domain, the fixed close-button sweep, then ESC.
// After each click the state is re-detected; the first strategy that leaves
// the page clean wins and is recorded to domain memory. A budget.ExceededError
// propagates to the caller.
func (c *Controller) ClearIfNeeded(page *browser.Page, taskID, domain string, state *models.PageState) (Result, error) {
	result := Result{}

	if state == nil {
		detected, err := statedetect.Detect(page)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, nil
		}
		state = &detected
	}
	if !state.NeedsPopupClearing() {
		return result, nil
	}

	// 1. Selectors that cleared popups on this domain before
	if c.memory != nil {
		rec, err := c.memory.Get(domain)
		if err == nil {
			for _, selector := range rec.RecurringPopupSelectors {
				cleared, err := c.attempt(page, taskID, domain, "learned:"+selector, selector, &result)
				if err != nil {
					return result, err
				}
				if cleared {
					return result, nil
				}
			}
		}
	}

	// 2a. Fixed close-button selector sweep
	for _, selector := range closeButtonSelectors {
		cleared, err := c.attempt(page, taskID, domain, "close_button:"+selector, selector, &result)
		if err != nil {
			return result, err
		}
		if cleared {
			return result, nil
		}
	}

	// 2b. Textual sweep over buttons and links
	for _, text := range closeButtonTexts {
		xpath := fmt.Sprintf(
			`//button[translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz')=%q] | //a[translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz')=%q]`,
			text, text)
		cleared, err := c.attemptLocator(page, taskID, domain, "text:"+text, browser.XPath(xpath), &result)
		if err != nil {
			return result, err
		}
		if cleared {
			return result, nil
		}
	}

	// 3. Escape key
	if err := c.guard.CheckPopupDismiss(taskID); err != nil {
		return result, err
	}
	result.StrategiesAttempted = append(result.StrategiesAttempted, "escape")
	if err := page.PressEscape(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("escape: %v", err))
	} else if c.verifyCleared(page) {
		result.Cleared = true
		c.record(domain, "escape")
		return result, nil
	}

	// Nothing cleared but nothing broke either; callers distinguish via state
	return result, nil
}

func (c *Controller) attempt(page *browser.Page, taskID, domain, strategy, selector string, result *Result) (bool, error) {
	return c.attemptLocator(page, taskID, domain, strategy, browser.CSS(selector), result)
}

func (c *Controller) attemptLocator(page *browser.Page, taskID, domain, strategy string, loc browser.Locator, result *Result) (bool, error) {
	if page.Count(loc) == 0 {
		return false, nil
	}
	if err := c.guard.CheckPopupDismiss(taskID); err != nil {
		return false, err
	}

	result.StrategiesAttempted = append(result.StrategiesAttempted, strategy)
	if err := page.Click(loc); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", strategy, err))
		return false, nil
	}
	page.Sleep(300*time.Millisecond, 700*time.Millisecond)

	if c.verifyCleared(page) {
		result.Cleared = true
		c.record(domain, loc.Selector)
		c.logger.Debug().Str("strategy", strategy).Str("domain", domain).Msg("Popup cleared")
		return true, nil
	}
	return false, nil
}

func (c *Controller) verifyCleared(page *browser.Page) bool {
	state, err := statedetect.Detect(page)
	if err != nil {
		return false
	}
	return !state.NeedsPopupClearing()
}

func (c *Controller) record(domain, selector string) {
	if c.memory == nil {
		return
	}
	if err := c.memory.RecordPopupCleared(domain, selector, true); err != nil {
		c.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to record popup selector")
	}
}
