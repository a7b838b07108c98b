package browser

import (
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

// QueryKind selects how a selector string is interpreted
type QueryKind string

const (
	ByCSS    QueryKind = "css"
	BySearch QueryKind = "search" // DOM.performSearch: accepts XPath and plain text
)

// Locator addresses one element, optionally scoped to an iframe node.
// Ephemeral: valid only while the page it was built against is live.
type Locator struct {
	Selector string
	Kind     QueryKind
	Frame    *cdp.Node // nil means main frame
	Desc     string    // human-readable, for step logs
}

// CSS builds a main-frame CSS locator
func CSS(selector string) Locator {
	return Locator{Selector: selector, Kind: ByCSS}
}

// XPath builds a main-frame locator resolved through DOM search
func XPath(expr string) Locator {
	return Locator{Selector: expr, Kind: BySearch}
}

// InFrame returns a copy of the locator scoped to the given iframe node
func (l Locator) InFrame(frame *cdp.Node) Locator {
	l.Frame = frame
	return l
}

// queryOpts translates the locator into chromedp query options
func (l Locator) queryOpts(extra ...chromedp.QueryOption) []chromedp.QueryOption {
	opts := make([]chromedp.QueryOption, 0, 3+len(extra))
	switch l.Kind {
	case BySearch:
		opts = append(opts, chromedp.BySearch)
	default:
		opts = append(opts, chromedp.ByQuery)
	}
	if l.Frame != nil {
		opts = append(opts, chromedp.FromNode(l.Frame))
	}
	return append(opts, extra...)
}

// allOpts is queryOpts but matching every node instead of the first
func (l Locator) allOpts(extra ...chromedp.QueryOption) []chromedp.QueryOption {
	opts := make([]chromedp.QueryOption, 0, 3+len(extra))
	switch l.Kind {
	case BySearch:
		opts = append(opts, chromedp.BySearch)
	default:
		opts = append(opts, chromedp.ByQueryAll)
	}
	if l.Frame != nil {
		opts = append(opts, chromedp.FromNode(l.Frame))
	}
	return append(opts, extra...)
}
