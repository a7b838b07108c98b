package automation

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/agent"
)

// confirmationIndicators mark a verification landing page as accepted
var confirmationIndicators = []string{
	"verified",
	"confirmed",
	"activated",
	"activation complete",
	"account is now active",
	"thank you",
}

var confirmationSelectors = []string{
	".verification-success",
	".confirmation-success",
	"#verified",
	".alert-success",
}

// EmailConfirmModule clicks a verification link and patches the site account
type EmailConfirmModule struct {
	*Base
	mailbox *Mailbox
}

func NewEmailConfirmModule(base *Base, mailbox *Mailbox) *EmailConfirmModule {
	return &EmailConfirmModule{Base: base, mailbox: mailbox}
}

func (m *EmailConfirmModule) Run(ctx context.Context, page *browser.Page, task *models.Task, _ *agent.Prepared) models.Result {
	taskID := task.Key()

	link := task.Payload.VerificationLink
	if link == "" && m.mailbox != nil && m.mailbox.Configured() {
		found, err := m.mailbox.FindVerificationLink(task.Domain())
		if err != nil {
			m.logger.Warn().Err(err).Str("domain", task.Domain()).Msg("Mailbox scan for verification link failed")
		}
		link = found
	}
	if link == "" {
		return models.Failed(models.TaskTypeEmailConfirmation, models.FailureEmailVerificationFailed, "no verification link available")
	}

	if err := page.Navigate(link); err != nil {
		return models.Failed(models.TaskTypeEmailConfirmation, models.FailureTimeout, err.Error())
	}
	page.Sleep(time.Second, 3*time.Second)
	m.Snapshot(page, taskID, "verification_landing")

	if !m.confirmed(page) {
		return models.Failed(models.TaskTypeEmailConfirmation, models.FailureEmailVerificationFailed, "no confirmation indicator on landing page")
	}

	if task.Payload.SiteAccountID != 0 {
		if err := m.client.UpdateSiteAccount(ctx, task.Payload.SiteAccountID, "active", ""); err != nil {
			m.logger.Warn().Err(err).Int64("account_id", task.Payload.SiteAccountID).Msg("Failed to activate site account")
		}
	}

	url, _ := page.CurrentURL()
	m.telemetry.LogStep(taskID, "email_confirmed", map[string]interface{}{"url": url})
	return models.Succeeded(models.TaskTypeEmailConfirmation, url, common.NewBacklinkID())
}

func (m *EmailConfirmModule) confirmed(page *browser.Page) bool {
	for _, sel := range confirmationSelectors {
		if page.Count(browser.CSS(sel)) > 0 {
			return true
		}
	}
	html, err := page.HTML()
	if err != nil {
		return false
	}
	lower := strings.ToLower(html)
	for _, indicator := range confirmationIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
