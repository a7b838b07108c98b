package browser

import (
	"fmt"

	"github.com/ternarybob/nexo/internal/models"
)

// CaptchaChallenge describes a challenge widget found on the page
type CaptchaChallenge struct {
	Type    models.CaptchaType
	SiteKey string
}

// DetectCaptcha probes the page for a challenge widget and extracts its site key
func (p *Page) DetectCaptcha() (*CaptchaChallenge, error) {
	var probe struct {
		Recaptcha bool   `json:"recaptcha"`
		HCaptcha  bool   `json:"hcaptcha"`
		Image     bool   `json:"image"`
		SiteKey   string `json:"siteKey"`
	}
	js := `(() => {
		const re = document.querySelector('.g-recaptcha, iframe[src*="recaptcha"]');
		const hc = document.querySelector('.h-captcha, iframe[src*="hcaptcha"]');
		const img = document.querySelector('img[src*="captcha"]');
		let siteKey = '';
		const keyed = document.querySelector('[data-sitekey]');
		if (keyed) siteKey = keyed.getAttribute('data-sitekey') || '';
		return { recaptcha: !!re, hcaptcha: !!hc, image: !!img, siteKey };
	})()`
	if err := p.Evaluate(js, &probe); err != nil {
		return nil, fmt.Errorf("captcha probe failed: %w", err)
	}

	switch {
	case probe.Recaptcha:
		return &CaptchaChallenge{Type: models.CaptchaRecaptchaV2, SiteKey: probe.SiteKey}, nil
	case probe.HCaptcha:
		return &CaptchaChallenge{Type: models.CaptchaHCaptcha, SiteKey: probe.SiteKey}, nil
	case probe.Image:
		return &CaptchaChallenge{Type: models.CaptchaImage}, nil
	}
	return nil, nil
}

// InjectCaptchaToken writes a solved token into the response field the widget reads
func (p *Page) InjectCaptchaToken(challenge *CaptchaChallenge, token string) error {
	var field string
	switch challenge.Type {
	case models.CaptchaRecaptchaV2:
		field = "g-recaptcha-response"
	case models.CaptchaHCaptcha:
		field = "h-captcha-response"
	case models.CaptchaImage:
		// Image captchas expect the text typed into a visible input
		loc := CSS(`input[name*="captcha"]`)
		if err := p.Clear(loc); err != nil {
			return err
		}
		return p.TypeHuman(loc, token)
	default:
		return fmt.Errorf("no injection target for captcha type %q", challenge.Type)
	}

	js := fmt.Sprintf(`(() => {
		let el = document.querySelector('textarea[name=%q], #%s');
		if (!el) {
			el = document.createElement('textarea');
			el.name = %q;
			el.style.display = 'none';
			document.body.appendChild(el);
		}
		el.value = %q;
		return true;
	})()`, field, field, field, token)
	return p.Evaluate(js, nil)
}
