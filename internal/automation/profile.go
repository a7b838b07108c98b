package automation

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/agent"
	"github.com/ternarybob/nexo/internal/runtime/fields"
	"github.com/ternarybob/nexo/internal/runtime/statedetect"
)

// registrationPaths are probed in order when the landing page has no
// registration form of its own
var registrationPaths = []string{"/register", "/signup", "/sign-up", "/create-account", "/join"}

// submitSelectors for registration forms, most specific first
var registrationSubmitSelectors = []string{
	`form button[type="submit"]`,
	`form input[type="submit"]`,
	`button[name="register"], button[id*="register"]`,
	`button[type="submit"]`,
	`input[type="submit"]`,
}

// ProfileModule registers an account and fills its profile with a backlink
type ProfileModule struct {
	*Base
}

func NewProfileModule(base *Base) *ProfileModule {
	return &ProfileModule{Base: base}
}

func (m *ProfileModule) Run(ctx context.Context, page *browser.Page, task *models.Task, prepared *agent.Prepared) models.Result {
	taskID := task.Key()

	if !m.onRegistrationForm(page, prepared) {
		if !m.discoverRegistrationPage(page, task) {
			return models.Failed(models.TaskTypeProfile, models.FailureRegistrationFailed, "no registration page found")
		}
	}

	if _, captchaType, err := m.SolveCaptchaIfPresent(ctx, page, taskID); err != nil {
		result := models.Failed(models.TaskTypeProfile, models.FailureCaptchaFailed, err.Error())
		result.CaptchaType = captchaType
		return result
	}

	identity := m.NewIdentity()
	matches, err := fields.MatchRoles(page)
	if err != nil {
		return models.Failed(models.TaskTypeProfile, models.FailureRegistrationFailed, err.Error())
	}

	filled := 0
	if m.FillRole(page, matches, fields.RoleUsername, identity.Username) {
		filled++
	}
	if m.FillRole(page, matches, fields.RoleEmail, identity.Email) {
		filled++
	}
	if m.FillRole(page, matches, fields.RolePassword, identity.Password) {
		filled++
	}
	m.FillRole(page, matches, fields.RoleName, identity.Username)
	m.FillRole(page, matches, fields.RoleWebsite, task.Payload.TargetURL)
	m.FillRole(page, matches, fields.RoleBio, m.content.Bio(ctx, task.Payload.Keywords))

	if filled < 2 {
		return models.Failed(models.TaskTypeProfile, models.FailureRegistrationFailed, "registration form fields not matched")
	}

	m.Snapshot(page, taskID, "before_register")
	m.telemetry.LogStep(taskID, "registration_filled", map[string]interface{}{
		"username": identity.Username,
		"fields":   filled,
	})

	if !m.submitRegistration(page) {
		return models.Failed(models.TaskTypeProfile, models.FailureRegistrationFailed, "registration submit failed")
	}

	page.Sleep(2*time.Second, 4*time.Second)
	m.Snapshot(page, taskID, "after_register")

	profileURL, _ := page.CurrentURL()
	state, serr := statedetect.Detect(page)
	pendingVerification := serr == nil && state.VerificationHints

	account := &models.SiteAccount{
		CampaignID: task.CampaignID,
		SiteDomain: task.Domain(),
		LoginEmail: identity.Email,
		Username:   identity.Username,
		Password:   identity.Password,
		Status:     "active",
	}
	if pendingVerification {
		account.Status = "pending_verification"
	}
	created, cerr := m.client.CreateSiteAccount(ctx, account)
	if cerr != nil {
		m.logger.Warn().Err(cerr).Str("domain", account.SiteDomain).Msg("Failed to persist site account")
	}

	if pendingVerification {
		result := models.Failed(models.TaskTypeProfile, models.FailureEmailVerificationFailed, "site requires email verification")
		result.PendingVerification = true
		result.URL = profileURL
		if created != nil {
			result.SiteAccountID = created.ID
		}
		return result
	}

	if m.registrationRejected(page) {
		return models.Failed(models.TaskTypeProfile, models.FailureRegistrationFailed, "site rejected registration")
	}

	result := models.Succeeded(models.TaskTypeProfile, profileURL, common.NewBacklinkID())
	if created != nil {
		result.SiteAccountID = created.ID
	}
	return result
}

func (m *ProfileModule) onRegistrationForm(page *browser.Page, prepared *agent.Prepared) bool {
	if prepared != nil && prepared.Form != nil {
		return true
	}
	state, err := statedetect.Detect(page)
	return err == nil && state.RegistrationDetected
}

// discoverRegistrationPage walks the fixed path list off the site root
func (m *ProfileModule) discoverRegistrationPage(page *browser.Page, task *models.Task) bool {
	base := siteRoot(task.TargetURL())
	if base == "" {
		return false
	}
	for _, path := range registrationPaths {
		if err := page.Navigate(base + path); err != nil {
			continue
		}
		page.Sleep(time.Second, 2*time.Second)
		state, err := statedetect.Detect(page)
		if err == nil && state.RegistrationDetected {
			m.logger.Debug().Str("path", path).Msg("Registration page discovered")
			return true
		}
		if page.Count(browser.CSS(`form input[type="password"]`)) > 0 {
			return true
		}
	}
	return false
}

func (m *ProfileModule) submitRegistration(page *browser.Page) bool {
	for _, sel := range registrationSubmitSelectors {
		loc := browser.CSS(sel)
		if page.Count(loc) == 0 {
			continue
		}
		if err := page.Click(loc); err == nil {
			return true
		}
	}
	// direct submit as last resort
	var ok bool
	if err := page.Evaluate(`(() => { const f = document.querySelector('form'); if (!f) return false; f.submit(); return true; })()`, &ok); err == nil && ok {
		return true
	}
	return false
}

var registrationErrorPhrases = []string{
	"username already",
	"email already",
	"registration failed",
	"invalid email",
	"try again later",
}

func (m *ProfileModule) registrationRejected(page *browser.Page) bool {
	html, err := page.HTML()
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)
	for _, phrase := range registrationErrorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// siteRoot returns scheme://host of a URL, without trailing slash
func siteRoot(raw string) string {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return ""
	}
	rest := raw[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	if rest == "" {
		return ""
	}
	return raw[:idx+3] + rest
}
