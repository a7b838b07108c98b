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
)

// guestPaths are probed in order for a submission or pitch form
var guestPaths = []string{"/write-for-us", "/guest-post", "/submit-article", "/contribute", "/contact"}

// successIndicators confirm a contact/pitch form was accepted
var successIndicators = []string{
	"thank you",
	"thanks for",
	"message has been sent",
	"we'll be in touch",
	"we will be in touch",
	"successfully submitted",
	"submission received",
	"received your",
}

// GuestModule pitches a guest post through the site's submission form
type GuestModule struct {
	*Base
}

func NewGuestModule(base *Base) *GuestModule {
	return &GuestModule{Base: base}
}

func (m *GuestModule) Run(ctx context.Context, page *browser.Page, task *models.Task, prepared *agent.Prepared) models.Result {
	taskID := task.Key()

	if prepared == nil || prepared.Form == nil {
		if !m.discoverSubmissionPage(page, task) {
			return models.Failed(models.TaskTypeGuest, models.FailureElementNotFound, "no submission form found")
		}
	}

	if _, captchaType, err := m.SolveCaptchaIfPresent(ctx, page, taskID); err != nil {
		result := models.Failed(models.TaskTypeGuest, models.FailureCaptchaFailed, err.Error())
		result.CaptchaType = captchaType
		return result
	}

	matches, err := fields.MatchRoles(page)
	if err != nil {
		return models.Failed(models.TaskTypeGuest, models.FailureElementNotFound, err.Error())
	}

	pitch := m.pitchText(ctx, task)
	identity := m.NewIdentity()

	if !m.FillRole(page, matches, fields.RoleComment, pitch) {
		return models.Failed(models.TaskTypeGuest, models.FailureElementNotFound, "message field not matched")
	}
	m.FillRole(page, matches, fields.RoleName, "Alex Morgan")
	m.FillRole(page, matches, fields.RoleEmail, identity.Email)
	m.FillRole(page, matches, fields.RoleWebsite, task.Payload.TargetURL)

	m.Snapshot(page, taskID, "before_pitch")
	m.telemetry.LogStep(taskID, "guest_form_filled", nil)

	if !m.submit(page) {
		return models.Failed(models.TaskTypeGuest, models.FailureElementNotFound, "submission failed")
	}

	page.Sleep(2*time.Second, 4*time.Second)
	m.Snapshot(page, taskID, "after_pitch")

	url, _ := page.CurrentURL()
	html, _ := page.HTML()
	lower := strings.ToLower(html)
	for _, indicator := range successIndicators {
		if strings.Contains(lower, indicator) {
			return models.Succeeded(models.TaskTypeGuest, url, common.NewBacklinkID())
		}
	}

	return models.Failed(models.TaskTypeGuest, models.FailureUnknown, "no success indicator after submit")
}

func (m *GuestModule) discoverSubmissionPage(page *browser.Page, task *models.Task) bool {
	base := siteRoot(task.TargetURL())
	if base == "" {
		return false
	}
	for _, path := range guestPaths {
		if err := page.Navigate(base + path); err != nil {
			continue
		}
		page.Sleep(time.Second, 2*time.Second)
		if page.Count(browser.CSS(`form textarea`)) > 0 {
			m.logger.Debug().Str("path", path).Msg("Submission page discovered")
			return true
		}
	}
	return false
}

func (m *GuestModule) pitchText(ctx context.Context, task *models.Task) string {
	keyword := firstKeyword(task.Payload.Keywords)
	body := m.content.Comment(ctx, task.Payload.Keywords, task.Payload.ContentTone)
	return "Hi, I'd like to contribute a guest article about " + keyword + ". " + body +
		" You can see my previous work at " + task.Payload.TargetURL + "."
}

func (m *GuestModule) submit(page *browser.Page) bool {
	for _, sel := range []string{
		`form button[type="submit"]`,
		`form input[type="submit"]`,
		`button[type="submit"]`,
		`input[type="submit"]`,
	} {
		loc := browser.CSS(sel)
		if page.Count(loc) == 0 {
			continue
		}
		if err := page.Click(loc); err == nil {
			return true
		}
	}
	return false
}
