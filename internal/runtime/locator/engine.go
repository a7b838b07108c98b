package locator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/domainmem"
	"github.com/ternarybob/nexo/internal/runtime/frames"
)

// Strategy names, in order of generic quality
const (
	StrategyRoleName    = "role_name"
	StrategyLabel       = "label_placeholder"
	StrategyVisibleText = "visible_text"
	StrategyStableAttrs = "stable_attributes"
	StrategyFallback    = "css_xpath_fallback"
)

// Candidate is one locator guess with its provenance. Ephemeral.
type Candidate struct {
	Locator    browser.Locator
	Confidence float64
	Strategy   string
	Why        string
}

// Found is the outcome of a successful find
type Found struct {
	Locator browser.Locator // resolved, frame-scoped
	Winner  Candidate
	Source  string // frame source from the router
}

// roleTags maps a target role to the element tags it can live on
var roleTags = map[string][]string{
	"comment_field":  {"textarea"},
	"text_field":     {"input", "textarea"},
	"email_field":    {"input"},
	"password_field": {"input"},
	"submit_button":  {"button", "input[type='submit']"},
	"button":         {"button", "input[type='submit']", "a"},
	"link":           {"a"},
	"form":           {"form"},
}

// FrameFinder resolves a locator across the main document and every child
// frame in document order. Satisfied by frames.Router.
type FrameFinder interface {
	Find(page *browser.Page, base browser.Locator, domain string) (*frames.Resolution, error)
}

// Engine generates and ranks locator candidates across strategies, probing
// each through the iframe router until one resolves to a visible element.
type Engine struct {
	router FrameFinder
	memory *domainmem.Memory
	guard  *budget.Guard
	logger arbor.ILogger
	topK   int
}

// NewEngine creates a locator engine
func NewEngine(router FrameFinder, memory *domainmem.Memory, guard *budget.Guard, logger arbor.ILogger) *Engine {
	return &Engine{
		router: router,
		memory: memory,
		guard:  guard,
		logger: logger,
		topK:   5,
	}
}

// Generate builds the full ranked candidate list for a role and keywords.
// Pure: no page access. Candidates come out sorted by confidence descending;
// a domain-memory hint for the role promotes that strategy's best candidate
// to the front.
func (e *Engine) Generate(targetRole string, keywords []string, domain string) []Candidate {
	tags := roleTags[targetRole]
	if len(tags) == 0 {
		tags = []string{"input", "textarea", "button"}
	}

	var candidates []Candidate
	add := func(loc browser.Locator, conf float64, strategy, why string) {
		candidates = append(candidates, Candidate{Locator: loc, Confidence: conf, Strategy: strategy, Why: why})
	}

	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)

		// role+name: accessibility-style match on aria role surface
		for _, tag := range tags {
			add(browser.CSS(fmt.Sprintf(`%s[aria-label*="%s" i]`, tag, kwLower)),
				0.95, StrategyRoleName,
				fmt.Sprintf("%s with accessible name containing %q", tag, kw))
		}
		if targetRole == "submit_button" || targetRole == "button" {
			add(browser.XPath(buttonTextXPath(kwLower)),
				0.95, StrategyRoleName,
				fmt.Sprintf("button role with name %q", kw))
		}

		// label/placeholder
		for _, tag := range []string{"input", "textarea"} {
			if containsTag(tags, tag) || containsTag(tags, "input") {
				add(browser.CSS(fmt.Sprintf(`%s[placeholder*="%s" i]`, tag, kwLower)),
					0.85, StrategyLabel,
					fmt.Sprintf("%s placeholder containing %q", tag, kw))
				add(browser.CSS(fmt.Sprintf(`%s[name*="%s" i]`, tag, kwLower)),
					0.85, StrategyLabel,
					fmt.Sprintf("%s name containing %q", tag, kw))
			}
		}

		// visible text
		add(browser.XPath(fmt.Sprintf(
			`//*[self::button or self::a or self::label][contains(translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %q)]`,
			kwLower)),
			0.75, StrategyVisibleText,
			fmt.Sprintf("visible text containing %q", kw))

		// stable attributes
		for _, attr := range []string{"aria-label", "name", "autocomplete", "data-testid", "id"} {
			add(browser.CSS(fmt.Sprintf(`[%s*="%s" i]`, attr, kwLower)),
				0.70, StrategyStableAttrs,
				fmt.Sprintf("%s attribute containing %q", attr, kw))
		}

		// CSS/XPath fallback
		add(browser.CSS(fmt.Sprintf(`[class*="%s"]`, kwLower)),
			0.60, StrategyFallback,
			fmt.Sprintf("class substring %q", kw))
		add(browser.XPath(fmt.Sprintf(
			`//*[contains(translate(@class, 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %q)]`,
			kwLower)),
			0.55, StrategyFallback,
			fmt.Sprintf("lowercased class XPath %q", kw))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	// Domain memory promotion: the remembered strategy's best candidate moves first
	if e.memory != nil && domain != "" {
		if rec, err := e.memory.Get(domain); err == nil {
			if stat, ok := rec.BestLocatorStrategy[targetRole]; ok {
				for i, c := range candidates {
					if c.Strategy == stat.Strategy && i > 0 {
						promoted := candidates[i]
						copy(candidates[1:i+1], candidates[0:i])
						candidates[0] = promoted
						break
					}
				}
			}
		}
	}

	return candidates
}

// Find walks the top-K candidates, probing each through the iframe router.
// The first visible hit wins and its strategy is recorded to domain memory.
// Returns the resolved locator, the winner, and the full candidate list for
// diagnostics; Found is nil when every candidate missed.
func (e *Engine) Find(page *browser.Page, taskID, domain, targetRole string, keywords []string) (*Found, []Candidate, error) {
	candidates := e.Generate(targetRole, keywords, domain)

	limit := e.topK
	if limit > len(candidates) {
		limit = len(candidates)
	}

	for _, candidate := range candidates[:limit] {
		if err := e.guard.CheckLocatorCandidate(taskID); err != nil {
			return nil, candidates, err
		}

		// The router alone decides presence: a candidate living only inside
		// a child iframe is invisible to any main-document query.
		resolution, err := e.router.Find(page, candidate.Locator, domain)
		if err != nil || resolution.Source == frames.SourceNotFound || resolution.Source == frames.SourceError {
			continue
		}

		if e.memory != nil && domain != "" {
			if err := e.memory.RecordLocatorStrategy(domain, targetRole, candidate.Strategy, true); err != nil {
				e.logger.Warn().Err(err).Str("domain", domain).Msg("Failed to record locator strategy")
			}
		}
		e.logger.Debug().
			Str("role", targetRole).
			Str("strategy", candidate.Strategy).
			Str("source", resolution.Source).
			Msg("Locator resolved")

		return &Found{Locator: resolution.Locator, Winner: candidate, Source: resolution.Source}, candidates, nil
	}

	return nil, candidates, nil
}

func buttonTextXPath(text string) string {
	return fmt.Sprintf(
		`//button[contains(translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %q)] | //input[@type='submit'][contains(translate(@value, 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), %q)]`,
		text, text)
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
