package models

// FailureReason is the closed taxonomy every terminal failure maps onto
type FailureReason string

const (
	FailureCaptchaFailed           FailureReason = "captcha_failed"
	FailureCaptchaPresent          FailureReason = "captcha_present"
	FailureCommentFormNotFound     FailureReason = "comment_form_not_found"
	FailureRegistrationFailed      FailureReason = "registration_failed"
	FailureEmailVerificationFailed FailureReason = "email_verification_failed"
	FailureBlocked                 FailureReason = "blocked"
	FailureTimeout                 FailureReason = "timeout"
	FailurePopupBlocking           FailureReason = "popup_blocking"
	FailureIframeMissed            FailureReason = "iframe_missed"
	FailureElementNotFound         FailureReason = "element_not_found"
	FailureUnknown                 FailureReason = "unknown"
)

// AllFailureReasons lists every member of the taxonomy
var AllFailureReasons = []FailureReason{
	FailureCaptchaFailed,
	FailureCaptchaPresent,
	FailureCommentFormNotFound,
	FailureRegistrationFailed,
	FailureEmailVerificationFailed,
	FailureBlocked,
	FailureTimeout,
	FailurePopupBlocking,
	FailureIframeMissed,
	FailureElementNotFound,
	FailureUnknown,
}

// CaptchaType identifies which challenge widget was present
type CaptchaType string

const (
	CaptchaRecaptchaV2 CaptchaType = "recaptcha_v2"
	CaptchaHCaptcha    CaptchaType = "hcaptcha"
	CaptchaImage       CaptchaType = "image"
	CaptchaNone        CaptchaType = ""
)
