package models

// PageIntent is a coarse guess at what the rendered page is for
type PageIntent string

const (
	IntentLogin   PageIntent = "login"
	IntentComment PageIntent = "comment"
	IntentProfile PageIntent = "profile"
	IntentForum   PageIntent = "forum"
	IntentGuest   PageIntent = "guest"
	IntentUnknown PageIntent = "unknown"
)

// PageState is a derived snapshot of the rendered page. Never persisted.
type PageState struct {
	HasOverlay         bool `json:"has_overlay"`
	HasModal           bool `json:"has_modal"`
	HasCookieBanner    bool `json:"has_cookie_banner"`
	HasNewsletterModal bool `json:"has_newsletter_modal"`
	HasLoginModal      bool `json:"has_login_modal"`

	LoginRequired        bool `json:"login_required"`
	RegistrationDetected bool `json:"registration_detected"`
	VerificationHints    bool `json:"verification_hints"`

	IframeCount int `json:"iframe_count"`

	CaptchaPresent bool        `json:"captcha_present"`
	CaptchaType    CaptchaType `json:"captcha_type,omitempty"`

	Blocked  bool `json:"blocked"`
	BotCheck bool `json:"bot_check"`

	IntentGuess PageIntent `json:"intent_guess"`
}

// NeedsPopupClearing reports whether any dismissable layer is covering the page
func (s PageState) NeedsPopupClearing() bool {
	return s.HasOverlay || s.HasModal || s.HasCookieBanner || s.HasNewsletterModal || s.HasLoginModal
}

// Clean reports whether the page is free of overlays and challenges
func (s PageState) Clean() bool {
	return !s.NeedsPopupClearing() && !s.CaptchaPresent && !s.Blocked && !s.BotCheck
}
