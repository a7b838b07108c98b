package features

import (
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/nexo/internal/models"
)

// Platform guesses derived from URL and markup shape
const (
	PlatformWordpress = "wordpress"
	PlatformDiscourse = "discourse"
	PlatformPhpBB     = "phpbb"
	PlatformMedium    = "medium"
	PlatformUnknown   = "unknown"
)

// boolFeature encodes a flag as 0/1
func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// FromOpportunity derives the numeric feature map for one candidate site.
// Pure; the historical-rate and campaign features default to zero when the
// caller has no data for them.
func FromOpportunity(opp *models.Opportunity, campaign *models.Campaign, now time.Time) map[string]float64 {
	f := make(map[string]float64, 32)
	if opp == nil {
		return f
	}

	pa := float64(opp.PA)
	da := float64(opp.DA)
	f["pa"] = pa
	f["da"] = da
	f["pa_da_sum"] = pa + da
	f["pa_da_diff"] = pa - da
	f["pa_da_product"] = pa * da
	if da != 0 {
		f["pa_da_ratio"] = pa / da
	} else {
		f["pa_da_ratio"] = 0
	}
	f["pa_squared"] = pa * pa
	f["da_squared"] = da * da
	f["pa_da_max"] = math.Max(pa, da)
	f["pa_da_min"] = math.Min(pa, da)

	addURLFeatures(f, opp.URL, opp.Domain)

	platform := GuessPlatform(opp.URL, "")
	f["platform_wordpress"] = boolFeature(platform == PlatformWordpress)
	f["platform_discourse"] = boolFeature(platform == PlatformDiscourse)
	f["platform_phpbb"] = boolFeature(platform == PlatformPhpBB)
	f["platform_medium"] = boolFeature(platform == PlatformMedium)

	f["has_comment_form"] = boolFeature(opp.HasCommentForm)
	f["has_registration_form"] = boolFeature(opp.HasRegistrationForm)
	f["has_contact_form"] = boolFeature(opp.HasContactForm)
	f["requires_login"] = boolFeature(opp.RequiresLogin)
	f["registration_detected"] = boolFeature(opp.RegistrationDetected)
	f["captcha_detected"] = boolFeature(opp.CaptchaDetected)

	f["hour_of_day"] = float64(now.UTC().Hour())
	f["day_of_week"] = float64(now.UTC().Weekday())

	if campaign != nil {
		f["campaign_daily_limit"] = float64(campaign.DailyLimit)
	}

	return f
}

func addURLFeatures(f map[string]float64, rawURL, domain string) {
	f["url_length"] = float64(len(rawURL))
	if domain == "" {
		if u, err := url.Parse(rawURL); err == nil {
			domain = u.Hostname()
		}
	}
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	f["domain_length"] = float64(len(domain))

	parts := strings.Split(domain, ".")
	tld := ""
	if len(parts) > 1 {
		tld = parts[len(parts)-1]
	}
	f["tld_com"] = boolFeature(tld == "com")
	f["tld_org"] = boolFeature(tld == "org")
	f["tld_net"] = boolFeature(tld == "net")
	f["tld_io"] = boolFeature(tld == "io")
	f["subdomain_count"] = float64(len(parts) - 2)
	if f["subdomain_count"] < 0 {
		f["subdomain_count"] = 0
	}

	f["is_https"] = boolFeature(strings.HasPrefix(strings.ToLower(rawURL), "https://"))
	if u, err := url.Parse(rawURL); err == nil {
		depth := 0
		for _, seg := range strings.Split(u.Path, "/") {
			if seg != "" {
				depth++
			}
		}
		f["path_depth"] = float64(depth)
		f["has_query"] = boolFeature(u.RawQuery != "")
	}
	f["domain_has_digit"] = boolFeature(strings.ContainsAny(domain, "0123456789"))
	f["domain_has_hyphen"] = boolFeature(strings.Contains(domain, "-"))
}

// GuessPlatform infers the publishing platform from the URL and, when
// available, the page markup.
func GuessPlatform(rawURL, html string) string {
	lower := strings.ToLower(rawURL)
	body := strings.ToLower(html)
	switch {
	case strings.Contains(lower, "wordpress") || strings.Contains(body, "wp-content") || strings.Contains(body, "wp-comments"):
		return PlatformWordpress
	case strings.Contains(body, "discourse") || strings.Contains(lower, "discourse"):
		return PlatformDiscourse
	case strings.Contains(lower, "phpbb") || strings.Contains(body, "phpbb") || strings.Contains(lower, "viewtopic.php"):
		return PlatformPhpBB
	case strings.Contains(lower, "medium.com"):
		return PlatformMedium
	default:
		return PlatformUnknown
	}
}
