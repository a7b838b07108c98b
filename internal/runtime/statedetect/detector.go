package statedetect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/models"
)

// Selector heuristics for dismissable layers. Matched against the rendered DOM.
var (
	overlaySelectors = []string{
		".overlay", ".modal-backdrop", "[class*='overlay']", "[id*='overlay']",
	}
	modalSelectors = []string{
		".modal.show", ".modal.open", ".modal[style*='display: block']",
		"[role='dialog']", "[aria-modal='true']", ".popup", "div[class*='modal'][class*='open']",
	}
	cookieSelectors = []string{
		"#cookie-banner", ".cookie-banner", ".cookie-consent", "#cookie-notice",
		"[class*='cookie-consent']", "[id*='cookie-consent']", "[aria-label*='cookie']",
		"#onetrust-banner-sdk", ".cc-window",
	}
	newsletterSelectors = []string{
		"[class*='newsletter']", "[id*='newsletter']", "[class*='subscribe-modal']",
		"[class*='signup-modal']",
	}
	loginModalSelectors = []string{
		"[class*='login-modal']", "[id*='login-modal']", "form[class*='login'][class*='modal']",
		"[class*='signin-modal']",
	}
)

var captchaSelectors = map[models.CaptchaType][]string{
	models.CaptchaRecaptchaV2: {".g-recaptcha", "iframe[src*='recaptcha']", "[data-sitekey][class*='recaptcha']"},
	models.CaptchaHCaptcha:    {".h-captcha", "iframe[src*='hcaptcha']"},
	models.CaptchaImage:       {"img[src*='captcha']"},
}

var blockedPhrases = []string{
	"403 forbidden", "access denied", "you have been blocked",
	"cloudflare", "attention required",
}

var botCheckPhrases = []string{
	"verifying you are human", "checking your browser", "just a moment",
	"please verify you are a human", "complete the security check",
}

var verificationPhrases = []string{
	"verify your email", "check your email", "confirmation email",
	"verification link", "activate your account", "confirm your email",
}

// FromHTML classifies a rendered document. Pure: same markup, same state.
// iframeCount is supplied by the caller because goquery cannot see frame content.
func FromHTML(html string, iframeCount int) models.PageState {
	state := models.PageState{IframeCount: iframeCount, IntentGuess: models.IntentUnknown}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return state
	}

	state.HasOverlay = anyVisible(doc, overlaySelectors)
	state.HasModal = anyVisible(doc, modalSelectors)
	state.HasCookieBanner = anyVisible(doc, cookieSelectors)
	state.HasNewsletterModal = anyVisible(doc, newsletterSelectors)
	state.HasLoginModal = anyVisible(doc, loginModalSelectors)

	bodyText := strings.ToLower(doc.Find("body").Text())

	// Challenge widgets: first match wins, recaptcha checked before generic image
	for _, ct := range []models.CaptchaType{models.CaptchaRecaptchaV2, models.CaptchaHCaptcha, models.CaptchaImage} {
		if anyVisible(doc, captchaSelectors[ct]) {
			state.CaptchaPresent = true
			state.CaptchaType = ct
			break
		}
	}

	state.Blocked = containsAny(bodyText, blockedPhrases)
	state.BotCheck = containsAny(bodyText, botCheckPhrases)
	state.VerificationHints = containsAny(bodyText, verificationPhrases)

	passwordInputs := doc.Find("input[type='password']").Length()
	state.LoginRequired = passwordInputs > 0 &&
		(doc.Find("form[action*='login'], form[id*='login'], form[class*='login']").Length() > 0 ||
			containsAny(bodyText, []string{"log in", "login", "sign in"}))
	state.RegistrationDetected = doc.Find("form[action*='register'], form[id*='register'], form[class*='register'], form[action*='signup'], form[id*='signup']").Length() > 0 ||
		(passwordInputs >= 2)

	state.IntentGuess = guessIntent(doc, state)
	return state
}

// guessIntent infers what the dominant DOM shape is for
func guessIntent(doc *goquery.Document, state models.PageState) models.PageIntent {
	switch {
	case state.LoginRequired && !state.RegistrationDetected:
		return models.IntentLogin
	case doc.Find("textarea[name*='comment'], textarea[id*='comment'], form[class*='comment']").Length() > 0:
		return models.IntentComment
	case state.RegistrationDetected:
		return models.IntentProfile
	case doc.Find("[class*='thread'], [class*='topic'], [id*='forum'], [class*='post-reply']").Length() > 0:
		return models.IntentForum
	case doc.Find("form[class*='contact'], form[id*='contact']").Length() > 0:
		return models.IntentGuest
	}
	return models.IntentUnknown
}

// anyVisible reports whether any selector matches an element that is not
// obviously hidden inline. Full visibility is only knowable in the browser;
// this filters the cheap negatives.
func anyVisible(doc *goquery.Document, selectors []string) bool {
	for _, sel := range selectors {
		matched := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			style, _ := s.Attr("style")
			style = strings.ReplaceAll(strings.ToLower(style), " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true // keep looking
			}
			matched = true
			return false
		})
		if matched {
			return true
		}
	}
	return false
}

func containsAny(haystack string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

// Detect classifies the live page: captures the DOM, counts frames, and
// delegates to FromHTML. Cheap enough to re-invoke between steps.
func Detect(page *browser.Page) (models.PageState, error) {
	html, err := page.HTML()
	if err != nil {
		return models.PageState{IntentGuess: models.IntentUnknown}, err
	}
	frames, err := page.IframeNodes()
	if err != nil {
		frames = nil
	}
	return FromHTML(html, len(frames)), nil
}
