package automation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/coordinator"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/agent"
	"github.com/ternarybob/nexo/internal/runtime/fields"
	"github.com/ternarybob/nexo/internal/runtime/frames"
	"github.com/ternarybob/nexo/internal/telemetry"
)

// Module is one goal-specific automation flow. The agent has already
// positioned the page; the module fills, submits, and verifies.
type Module interface {
	Run(ctx context.Context, page *browser.Page, task *models.Task, prepared *agent.Prepared) models.Result
}

// Base carries the shared plumbing every goal module needs
type Base struct {
	config    *common.Config
	client    *coordinator.Client
	telemetry *telemetry.Recorder
	content   *Generator
	router    *frames.Router
	logger    arbor.ILogger
}

func NewBase(config *common.Config, client *coordinator.Client, recorder *telemetry.Recorder, content *Generator, router *frames.Router, logger arbor.ILogger) *Base {
	return &Base{
		config:    config,
		client:    client,
		telemetry: recorder,
		content:   content,
		router:    router,
		logger:    logger,
	}
}

// Identity is a generated registration persona
type Identity struct {
	Username string
	Email    string
	Password string
}

// NewIdentity generates a random persona. The mailbox address reuses the
// configured IMAP account via plus addressing so verification mail arrives
// somewhere we can read.
func (b *Base) NewIdentity() Identity {
	tag := strings.ReplaceAll(uuid.New().String()[:12], "-", "")
	username := "user" + tag
	email := username + "@example.com"
	if b.config.IMAP.Username != "" {
		if at := strings.Index(b.config.IMAP.Username, "@"); at > 0 {
			email = b.config.IMAP.Username[:at] + "+" + tag + b.config.IMAP.Username[at:]
		}
	}
	return Identity{
		Username: username,
		Email:    email,
		Password: "Px" + uuid.New().String()[:16] + "!7",
	}
}

// SolveCaptchaIfPresent probes the page for a challenge. No challenge returns
// (false, "", nil). A solved challenge returns (true, type, nil). An unsolved
// one returns the type with an error so callers map it to captcha_failed.
func (b *Base) SolveCaptchaIfPresent(ctx context.Context, page *browser.Page, taskID string) (bool, models.CaptchaType, error) {
	challenge, err := page.DetectCaptcha()
	if err != nil {
		return false, "", nil
	}
	if challenge == nil {
		return false, "", nil
	}

	b.telemetry.LogStep(taskID, "captcha_detected", map[string]interface{}{
		"captcha_type": string(challenge.Type),
		"site_key":     challenge.SiteKey,
	})

	pageURL, _ := page.CurrentURL()
	token, err := b.client.SolveCaptcha(ctx, challenge.Type, challenge.SiteKey, pageURL)
	if err != nil || token == "" {
		b.logger.Warn().
			Str("captcha_type", string(challenge.Type)).
			Msg("Captcha solver returned no token")
		return false, challenge.Type, fmt.Errorf("captcha solver returned no token")
	}

	if err := page.InjectCaptchaToken(challenge, token); err != nil {
		return false, challenge.Type, fmt.Errorf("captcha token injection failed: %w", err)
	}

	b.telemetry.LogStep(taskID, "captcha_solved", map[string]interface{}{
		"captcha_type": string(challenge.Type),
	})
	return true, challenge.Type, nil
}

// Snapshot captures DOM and screenshot into the task's telemetry run.
// Telemetry is diagnostics; failures are swallowed.
func (b *Base) Snapshot(page *browser.Page, taskID, prefix string) {
	html, _ := page.HTML()
	shot, _ := page.Screenshot()
	b.telemetry.SaveSnapshot(taskID, prefix, html, shot)
}

// FillRole types a value into the field matched for the role, when both the
// match and the value exist. Returns whether anything was typed.
func (b *Base) FillRole(page *browser.Page, matches map[fields.Role]fields.Match, role fields.Role, value string) bool {
	m, ok := matches[role]
	if !ok || value == "" {
		return false
	}
	if err := page.Clear(m.Locator); err != nil {
		return false
	}
	if err := page.TypeHuman(m.Locator, value); err != nil {
		b.logger.Debug().Err(err).Str("role", string(role)).Msg("Typing into matched field failed")
		return false
	}
	return true
}
