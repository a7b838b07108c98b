package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/agent"
	"github.com/ternarybob/nexo/internal/runtime/fields"
	"github.com/ternarybob/nexo/internal/runtime/statedetect"
)

// ForumModule logs into a pre-registered account and posts a reply in a
// thread matching the campaign keyword
type ForumModule struct {
	*Base
}

func NewForumModule(base *Base) *ForumModule {
	return &ForumModule{Base: base}
}

func (m *ForumModule) Run(ctx context.Context, page *browser.Page, task *models.Task, prepared *agent.Prepared) models.Result {
	taskID := task.Key()

	account, err := m.siteAccount(ctx, task)
	if err != nil {
		return models.Failed(models.TaskTypeForum, models.FailureRegistrationFailed, err.Error())
	}

	if m.loginRequired(page) {
		if lerr := m.login(ctx, page, task, account); lerr != nil {
			return models.Failed(models.TaskTypeForum, models.FailureRegistrationFailed, lerr.Error())
		}
		m.telemetry.LogStep(taskID, "forum_login", map[string]interface{}{"username": account.Username})
	}

	keyword := strings.ToLower(firstKeyword(task.Payload.Keywords))
	links, lerr := m.threadLinks(page)
	if lerr != nil {
		return models.Failed(models.TaskTypeForum, models.FailureElementNotFound, lerr.Error())
	}
	switch threadURL := chooseThread(links, keyword); {
	case threadURL != "":
		if nerr := page.Navigate(threadURL); nerr != nil {
			return models.Failed(models.TaskTypeForum, models.FailureTimeout, nerr.Error())
		}
		page.Sleep(time.Second, 2*time.Second)
	case len(links) == 0:
		// flat board or already inside a thread; post in place
	default:
		// no thread matches the keyword; start one
		if cerr := m.createThread(page, keyword); cerr != nil {
			return models.Failed(models.TaskTypeForum, models.FailureElementNotFound, cerr.Error())
		}
		m.telemetry.LogStep(taskID, "forum_thread_created", map[string]interface{}{"keyword": keyword})
	}

	if _, captchaType, cerr := m.SolveCaptchaIfPresent(ctx, page, taskID); cerr != nil {
		result := models.Failed(models.TaskTypeForum, models.FailureCaptchaFailed, cerr.Error())
		result.CaptchaType = captchaType
		return result
	}

	reply := m.content.Comment(ctx, task.Payload.Keywords, task.Payload.ContentTone)

	matches, merr := fields.MatchRoles(page)
	if merr != nil {
		return models.Failed(models.TaskTypeForum, models.FailureElementNotFound, merr.Error())
	}

	typed := false
	if prepared != nil && prepared.Editor != nil {
		if terr := page.TypeHuman(prepared.Editor.Locator, reply); terr == nil {
			typed = true
		}
	}
	if !typed && !m.FillRole(page, matches, fields.RoleComment, reply) {
		return models.Failed(models.TaskTypeForum, models.FailureElementNotFound, "no reply editor accepted input")
	}

	m.Snapshot(page, taskID, "before_reply")

	if !m.submitReply(page) {
		return models.Failed(models.TaskTypeForum, models.FailureElementNotFound, "reply submit failed")
	}

	page.Sleep(2*time.Second, 4*time.Second)
	m.Snapshot(page, taskID, "after_reply")

	url, _ := page.CurrentURL()
	probe := reply
	if len(probe) > 40 {
		probe = probe[:40]
	}
	html, _ := page.HTML()
	if strings.Contains(strings.ToLower(html), strings.ToLower(probe)) {
		result := models.Succeeded(models.TaskTypeForum, url, common.NewBacklinkID())
		result.SiteAccountID = account.ID
		return result
	}

	return models.Failed(models.TaskTypeForum, models.FailureUnknown, "reply not visible after submit")
}

// siteAccount resolves the pre-created account the coordinator attached
func (m *ForumModule) siteAccount(ctx context.Context, task *models.Task) (*models.SiteAccount, error) {
	if task.Payload.SiteAccountID == 0 {
		return nil, fmt.Errorf("forum task %d has no site account", task.ID)
	}
	account, err := m.client.GetSiteAccount(ctx, task.Payload.SiteAccountID)
	if err != nil {
		return nil, fmt.Errorf("site account lookup failed: %w", err)
	}
	if account.Status != "active" {
		return nil, fmt.Errorf("site account %d is %s, not active", account.ID, account.Status)
	}
	return account, nil
}

func (m *ForumModule) loginRequired(page *browser.Page) bool {
	state, err := statedetect.Detect(page)
	if err != nil {
		return false
	}
	return state.LoginRequired
}

func (m *ForumModule) login(ctx context.Context, page *browser.Page, task *models.Task, account *models.SiteAccount) error {
	base := siteRoot(task.TargetURL())
	for _, path := range []string{"/login", "/signin", "/sign-in", "/ucp.php?mode=login"} {
		if err := page.Navigate(base + path); err != nil {
			continue
		}
		page.Sleep(time.Second, 2*time.Second)
		if page.Count(browser.CSS(`form input[type="password"]`)) > 0 {
			break
		}
	}

	matches, err := fields.MatchRoles(page)
	if err != nil {
		return fmt.Errorf("login form not matched: %w", err)
	}

	loginName := account.Username
	if loginName == "" {
		loginName = account.LoginEmail
	}
	if !m.FillRole(page, matches, fields.RoleUsername, loginName) {
		m.FillRole(page, matches, fields.RoleEmail, account.LoginEmail)
	}
	if !m.FillRole(page, matches, fields.RolePassword, account.Password) {
		return fmt.Errorf("password field not matched on login form")
	}

	if !m.submitReply(page) {
		return fmt.Errorf("login submit failed")
	}
	page.Sleep(2*time.Second, 3*time.Second)

	if m.loginRequired(page) {
		return fmt.Errorf("still on login page after submit")
	}
	return nil
}

// threadLink is one candidate thread harvested from the board index
type threadLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

func (m *ForumModule) threadLinks(page *browser.Page) ([]threadLink, error) {
	var links []threadLink
	js := `(() => Array.from(
		document.querySelectorAll('a[href*="thread"], a[href*="topic"], a[href*="viewtopic"]'))
		.map(a => ({href: a.href, text: (a.textContent || '').trim()})))()`
	if err := page.Evaluate(js, &links); err != nil {
		return nil, fmt.Errorf("thread scan failed: %w", err)
	}
	return links, nil
}

// chooseThread picks the first link whose text contains the keyword.
// Empty means no thread matched; the caller creates one instead.
func chooseThread(links []threadLink, keyword string) string {
	if keyword == "" {
		return ""
	}
	for _, link := range links {
		if strings.Contains(strings.ToLower(link.Text), keyword) {
			return link.Href
		}
	}
	return ""
}

// newThreadSelectors cover the new-thread affordances of the common forum engines
var newThreadSelectors = []string{
	`a[href*="newthread"]`,
	`a[href*="newtopic"]`,
	`a[href*="new-topic"]`,
	`a[href*="posting.php?mode=post"]`,
	`a.new-thread, a.new-topic, button.new-topic`,
}

// createThread opens the board's new-thread editor and fills the title; the
// caller fills the body and submits through the normal reply path.
func (m *ForumModule) createThread(page *browser.Page, keyword string) error {
	opened := false
	for _, sel := range newThreadSelectors {
		loc := browser.CSS(sel)
		if page.Count(loc) == 0 {
			continue
		}
		if err := page.Click(loc); err == nil {
			opened = true
			break
		}
	}
	if !opened {
		loc := browser.XPath(`//a[contains(translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), 'new thread')] | //a[contains(translate(normalize-space(.), 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz'), 'new topic')]`)
		if page.Count(loc) == 0 {
			return fmt.Errorf("no thread matched %q and no new-thread control found", keyword)
		}
		if err := page.Click(loc); err != nil {
			return fmt.Errorf("new-thread control not clickable: %w", err)
		}
	}
	page.Sleep(time.Second, 2*time.Second)

	title := browser.CSS(`input[name*="title"], input[name*="subject"], input[id*="title"], input[id*="subject"]`)
	if page.Count(title) == 0 {
		return fmt.Errorf("new-thread editor has no title field")
	}
	if err := page.TypeHuman(title, "Looking for experiences with "+keyword); err != nil {
		return fmt.Errorf("title fill failed: %w", err)
	}
	return nil
}

func (m *ForumModule) submitReply(page *browser.Page) bool {
	for _, sel := range []string{
		`form button[type="submit"]`,
		`form input[type="submit"]`,
		`button[name="post"], input[name="post"]`,
		`button[type="submit"]`,
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
