package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/nexo/internal/models"
)

func TestFromOpportunityDerivedAuthority(t *testing.T) {
	opp := &models.Opportunity{
		URL:    "https://blog.example.com/posts/how-to?ref=home",
		Domain: "blog.example.com",
		PA:     30,
		DA:     60,
	}
	f := FromOpportunity(opp, nil, time.Date(2025, 6, 4, 15, 0, 0, 0, time.UTC))

	assert.Equal(t, 30.0, f["pa"])
	assert.Equal(t, 60.0, f["da"])
	assert.Equal(t, 90.0, f["pa_da_sum"])
	assert.Equal(t, -30.0, f["pa_da_diff"])
	assert.Equal(t, 1800.0, f["pa_da_product"])
	assert.Equal(t, 0.5, f["pa_da_ratio"])
	assert.Equal(t, 60.0, f["pa_da_max"])
	assert.Equal(t, 30.0, f["pa_da_min"])

	assert.Equal(t, 1.0, f["is_https"])
	assert.Equal(t, 2.0, f["path_depth"])
	assert.Equal(t, 1.0, f["has_query"])
	assert.Equal(t, 1.0, f["tld_com"])
	assert.Equal(t, 0.0, f["tld_org"])
	assert.Equal(t, 1.0, f["subdomain_count"])

	assert.Equal(t, 15.0, f["hour_of_day"])
	assert.Equal(t, float64(time.Wednesday), f["day_of_week"])
}

func TestFromOpportunityZeroDA(t *testing.T) {
	f := FromOpportunity(&models.Opportunity{URL: "http://a.net/", PA: 10}, nil, time.Now())
	assert.Equal(t, 0.0, f["pa_da_ratio"])
	assert.Equal(t, 0.0, f["is_https"])
	assert.Equal(t, 1.0, f["tld_net"])
}

func TestFromOpportunityNil(t *testing.T) {
	f := FromOpportunity(nil, nil, time.Now())
	assert.Empty(t, f)
}

func TestFromOpportunityCampaignLimit(t *testing.T) {
	opp := &models.Opportunity{URL: "https://x.org/"}
	f := FromOpportunity(opp, &models.Campaign{DailyLimit: 25}, time.Now())
	assert.Equal(t, 25.0, f["campaign_daily_limit"])
}

func TestFromOpportunityStableKeySet(t *testing.T) {
	a := FromOpportunity(&models.Opportunity{URL: "https://a.com/x", PA: 1, DA: 2}, nil, time.Unix(0, 0))
	b := FromOpportunity(&models.Opportunity{URL: "http://b-site9.io/deep/path/here", PA: 90, DA: 5, RequiresLogin: true}, nil, time.Unix(0, 0))
	require.Equal(t, len(a), len(b))
	for k := range a {
		_, ok := b[k]
		assert.True(t, ok, k)
	}
}

func TestGuessPlatform(t *testing.T) {
	tests := []struct {
		url  string
		html string
		want string
	}{
		{"https://myblog.wordpress.com/post", "", PlatformWordpress},
		{"https://example.com/", `<link href="/wp-content/themes/x.css">`, PlatformWordpress},
		{"https://forum.example.com/", `<meta name="generator" content="Discourse">`, PlatformDiscourse},
		{"https://example.com/viewtopic.php?t=1", "", PlatformPhpBB},
		{"https://medium.com/@author/story", "", PlatformMedium},
		{"https://example.com/", "<html></html>", PlatformUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, GuessPlatform(tt.url, tt.html))
		})
	}
}

func TestCapabilitiesFromHTMLCommentForm(t *testing.T) {
	html := `<html><body>
		<div class="comment-form"><form><textarea name="comment"></textarea></form></div>
	</body></html>`
	caps := CapabilitiesFromHTML("https://example.com/", html)
	assert.True(t, caps.HasCommentForm)
	assert.False(t, caps.CaptchaDetected)
	assert.False(t, caps.HasRegistrationForm)
}

func TestCapabilitiesFromHTMLRegistration(t *testing.T) {
	html := `<html><body>
		<h1>Create account</h1>
		<form><input type="password" name="pw"></form>
	</body></html>`
	caps := CapabilitiesFromHTML("https://example.com/", html)
	assert.True(t, caps.HasRegistrationForm)
	assert.True(t, caps.RegistrationDetected)
}

func TestCapabilitiesFromHTMLPasswordWithoutRegistrationCopy(t *testing.T) {
	html := `<html><body><form><input type="password"></form></body></html>`
	caps := CapabilitiesFromHTML("https://example.com/", html)
	assert.False(t, caps.HasRegistrationForm)
}

func TestCapabilitiesFromHTMLCaptchaAndLogin(t *testing.T) {
	html := `<html><body>
		<p>Please log in to comment.</p>
		<div class="g-recaptcha" data-sitekey="abc"></div>
	</body></html>`
	caps := CapabilitiesFromHTML("https://example.com/", html)
	assert.True(t, caps.CaptchaDetected)
	assert.True(t, caps.RequiresLogin)
}

func TestCapabilitiesFromHTMLContactForm(t *testing.T) {
	html := `<html><body>
		<form><input type="email" name="from"><textarea name="message"></textarea></form>
	</body></html>`
	caps := CapabilitiesFromHTML("https://example.com/", html)
	assert.True(t, caps.HasContactForm)
}
