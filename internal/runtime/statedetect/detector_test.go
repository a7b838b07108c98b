package statedetect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ternarybob/nexo/internal/models"
)

func TestFromHTMLCleanPage(t *testing.T) {
	html := `<html><body><article><h1>A post</h1><p>Body text.</p></article></body></html>`
	state := FromHTML(html, 0)

	assert.False(t, state.HasOverlay)
	assert.False(t, state.HasModal)
	assert.False(t, state.HasCookieBanner)
	assert.False(t, state.CaptchaPresent)
	assert.False(t, state.Blocked)
	assert.Equal(t, models.IntentUnknown, state.IntentGuess)
}

func TestFromHTMLCookieBanner(t *testing.T) {
	html := `<html><body><div class="cookie-consent">We use cookies</div><p>content</p></body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.HasCookieBanner)
}

func TestFromHTMLHiddenOverlayIgnored(t *testing.T) {
	html := `<html><body><div class="overlay" style="display: none"></div></body></html>`
	state := FromHTML(html, 0)
	assert.False(t, state.HasOverlay, "inline display:none elements are not popups")
}

func TestFromHTMLModal(t *testing.T) {
	html := `<html><body><div role="dialog"><button>Close</button></div></body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.HasModal)
}

func TestFromHTMLCaptchaPriority(t *testing.T) {
	html := `<html><body>
		<div class="g-recaptcha" data-sitekey="abc"></div>
		<img src="/captcha/image.png">
	</body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.CaptchaPresent)
	assert.Equal(t, models.CaptchaRecaptchaV2, state.CaptchaType,
		"recaptcha should win over the generic image heuristic")
}

func TestFromHTMLHCaptcha(t *testing.T) {
	html := `<html><body><div class="h-captcha"></div></body></html>`
	state := FromHTML(html, 0)
	assert.Equal(t, models.CaptchaHCaptcha, state.CaptchaType)
}

func TestFromHTMLBlockedPage(t *testing.T) {
	html := `<html><body><h1>403 Forbidden</h1><p>Access denied</p></body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.Blocked)
}

func TestFromHTMLBotCheck(t *testing.T) {
	html := `<html><body><p>Checking your browser before accessing the site.</p></body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.BotCheck)
}

func TestFromHTMLLoginIntent(t *testing.T) {
	html := `<html><body>
		<form action="/login">
			<input type="text" name="username">
			<input type="password" name="password">
			<button>Log in</button>
		</form>
	</body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.LoginRequired)
	assert.Equal(t, models.IntentLogin, state.IntentGuess)
}

func TestFromHTMLRegistrationIntent(t *testing.T) {
	html := `<html><body>
		<form action="/register">
			<input type="text" name="username">
			<input type="email" name="email">
			<input type="password" name="password">
			<input type="password" name="password_confirm">
		</form>
	</body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.RegistrationDetected)
	assert.Equal(t, models.IntentProfile, state.IntentGuess)
}

func TestFromHTMLCommentIntent(t *testing.T) {
	html := `<html><body>
		<article>post</article>
		<form class="comment-form"><textarea name="comment"></textarea></form>
	</body></html>`
	state := FromHTML(html, 0)
	assert.Equal(t, models.IntentComment, state.IntentGuess)
}

func TestFromHTMLVerificationHints(t *testing.T) {
	html := `<html><body><p>Please check your email and click the verification link.</p></body></html>`
	state := FromHTML(html, 0)
	assert.True(t, state.VerificationHints)
}

func TestFromHTMLIframeCountPassedThrough(t *testing.T) {
	state := FromHTML(`<html><body></body></html>`, 3)
	assert.Equal(t, 3, state.IframeCount)
}

func TestFromHTMLDeterministic(t *testing.T) {
	html := `<html><body>
		<div class="modal show">x</div>
		<div class="cookie-banner">y</div>
		<form action="/login"><input type="password" name="pw"></form>
	</body></html>`
	first := FromHTML(html, 1)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, FromHTML(html, 1))
	}
}
