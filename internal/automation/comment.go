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

// CommentModule posts a blog comment carrying the campaign link
type CommentModule struct {
	*Base
}

func NewCommentModule(base *Base) *CommentModule {
	return &CommentModule{Base: base}
}

func (m *CommentModule) Run(ctx context.Context, page *browser.Page, task *models.Task, prepared *agent.Prepared) models.Result {
	taskID := task.Key()

	if _, captchaType, err := m.SolveCaptchaIfPresent(ctx, page, taskID); err != nil {
		result := models.Failed(models.TaskTypeComment, models.FailureCaptchaFailed, err.Error())
		result.CaptchaType = captchaType
		return result
	}

	matches, err := fields.MatchRoles(page)
	if err != nil {
		return models.Failed(models.TaskTypeComment, models.FailureCommentFormNotFound, err.Error())
	}

	comment := m.content.Comment(ctx, task.Payload.Keywords, task.Payload.ContentTone)

	// The comment body either comes from the agent's resolved editor or the
	// matcher's comment role; everything else is best effort.
	typed := false
	if prepared != nil && prepared.CommentField != nil {
		if terr := page.TypeHuman(prepared.CommentField.Locator, comment); terr == nil {
			typed = true
		}
	}
	if !typed && !m.FillRole(page, matches, fields.RoleComment, comment) {
		return models.Failed(models.TaskTypeComment, models.FailureCommentFormNotFound, "no comment field accepted input")
	}

	m.FillRole(page, matches, fields.RoleName, "Alex Morgan")
	m.FillRole(page, matches, fields.RoleEmail, m.NewIdentity().Email)
	m.FillRole(page, matches, fields.RoleWebsite, task.Payload.TargetURL)

	m.Snapshot(page, taskID, "before_submit")
	m.telemetry.LogStep(taskID, "comment_filled", map[string]interface{}{
		"comment_length": len(comment),
	})

	if !m.submitCascade(page, prepared, matches) {
		return models.Failed(models.TaskTypeComment, models.FailureElementNotFound, "no submit path worked")
	}

	page.Sleep(2*time.Second, 4*time.Second)
	m.Snapshot(page, taskID, "after_submit")

	url, _ := page.CurrentURL()
	if m.verifyPosted(page, comment) {
		m.telemetry.LogStep(taskID, "comment_verified", map[string]interface{}{"url": url})
		return models.Succeeded(models.TaskTypeComment, url, common.NewBacklinkID())
	}

	// Many blogs moderate comments; treat an accepted-but-invisible submit
	// as success only when the page says so.
	if m.moderationPending(page) {
		m.telemetry.LogStep(taskID, "comment_held_for_moderation", map[string]interface{}{"url": url})
		return models.Succeeded(models.TaskTypeComment, url, common.NewBacklinkID())
	}

	return models.Failed(models.TaskTypeComment, models.FailureUnknown, "comment not visible after submit")
}

// submitCascade tries submit paths from most to least specific:
// button inside the form, button in the comment container, any page-level
// submit, then Ctrl+Enter on the editor.
func (m *CommentModule) submitCascade(page *browser.Page, prepared *agent.Prepared, matches map[fields.Role]fields.Match) bool {
	if prepared != nil && prepared.SubmitButton != nil {
		if err := page.Click(prepared.SubmitButton.Locator); err == nil {
			return true
		}
	}

	selectors := []string{
		`form button[type="submit"]`,
		`form input[type="submit"]`,
		`#respond button, #respond input[type="submit"]`,
		`.comment-form button, .comment-form input[type="submit"]`,
		`button[type="submit"]`,
		`input[type="submit"]`,
	}
	for _, sel := range selectors {
		loc := browser.CSS(sel)
		if page.Count(loc) == 0 {
			continue
		}
		if err := page.Click(loc); err == nil {
			return true
		}
	}

	if editor, ok := matches[fields.RoleComment]; ok {
		if err := page.PressCtrlEnter(editor.Locator); err == nil {
			return true
		}
	}
	return false
}

// verifyPosted looks for a stable prefix of the comment in the page body
func (m *CommentModule) verifyPosted(page *browser.Page, comment string) bool {
	probe := comment
	if len(probe) > 40 {
		probe = probe[:40]
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(html), strings.ToLower(probe))
}

var moderationPhrases = []string{
	"awaiting moderation",
	"held for moderation",
	"comment is awaiting",
	"will appear after approval",
	"pending approval",
}

func (m *CommentModule) moderationPending(page *browser.Page) bool {
	html, err := page.HTML()
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)
	for _, phrase := range moderationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
