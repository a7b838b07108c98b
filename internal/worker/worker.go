package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/automation"
	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/common"
	"github.com/ternarybob/nexo/internal/coordinator"
	"github.com/ternarybob/nexo/internal/domainmem"
	"github.com/ternarybob/nexo/internal/ml/decision"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/agent"
	"github.com/ternarybob/nexo/internal/runtime/frames"
	"github.com/ternarybob/nexo/internal/runtime/locator"
	"github.com/ternarybob/nexo/internal/runtime/popup"
	"github.com/ternarybob/nexo/internal/runtime/statedetect"
	"github.com/ternarybob/nexo/internal/telemetry"
)

// rateLimitPadding is added on top of the coordinator's Retry-After
const rateLimitPadding = 10 * time.Second

// Worker is the sequential poll/lock/execute loop. One task runs at a time;
// each task gets a fresh browser session.
type Worker struct {
	config    *common.Config
	client    *coordinator.Client
	recorder  *telemetry.Recorder
	guard     *budget.Guard
	memory    *domainmem.Memory
	popups    *popup.Controller
	router    *frames.Router
	engine    *locator.Engine
	agent     *agent.Agent
	healer    *agent.Healer
	modules   map[models.TaskType]automation.Module
	outcomes  *OutcomeLog
	shadow    *ShadowLog
	decisions *decision.Engine // nil when no model is deployed
	metrics   *Metrics
	logger    arbor.ILogger
}

// New wires the full task pipeline from configuration. The decision engine
// is optional; a missing model bundle only disables shadow predictions.
func New(config *common.Config, logger arbor.ILogger) (*Worker, error) {
	client := coordinator.NewClient(
		config.Coordinator.BaseURL,
		config.Coordinator.Token,
		config.CoordinatorTimeout(),
		logger,
	)

	memory, err := domainmem.Open(config.DomainMem.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain memory: %w", err)
	}

	outcomes, err := NewOutcomeLog(config.OutcomeLog, logger)
	if err != nil {
		return nil, err
	}
	shadow, err := NewShadowLog(config.ShadowMode, logger)
	if err != nil {
		return nil, err
	}

	guard := budget.NewGuard(config.Budget)
	router := frames.NewRouter(memory, logger)
	popups := popup.NewController(memory, guard, logger)
	engine := locator.NewEngine(router, memory, guard, logger)

	recorder := telemetry.NewRecorder(config.Telemetry.RunsDir, logger)
	content := automation.NewGenerator(config.Claude, logger)
	base := automation.NewBase(config, client, recorder, content, router, logger)
	mailbox := automation.NewMailbox(config.IMAP, logger)

	w := &Worker{
		config:   config,
		client:   client,
		recorder: recorder,
		guard:    guard,
		memory:   memory,
		popups:   popups,
		router:   router,
		engine:   engine,
		agent:    agent.New(popups, engine, memory, guard, logger),
		healer:   agent.NewHealer(popups, router, engine, logger),
		modules: map[models.TaskType]automation.Module{
			models.TaskTypeComment:           automation.NewCommentModule(base),
			models.TaskTypeProfile:           automation.NewProfileModule(base),
			models.TaskTypeForum:             automation.NewForumModule(base),
			models.TaskTypeGuest:             automation.NewGuestModule(base),
			models.TaskTypeEmailConfirmation: automation.NewEmailConfirmModule(base, mailbox),
		},
		outcomes: outcomes,
		shadow:   shadow,
		metrics:  NewMetrics(),
		logger:   logger,
	}

	if config.ML.ModelPath != "" {
		engine, err := decision.Shared(config.ML.ModelPath, logger)
		if err != nil {
			logger.Warn().Err(err).Str("path", config.ML.ModelPath).Msg("No decision model loaded, shadow predictions disabled")
		} else {
			w.decisions = engine
		}
	}
	return w, nil
}

// Close releases the domain memory store
func (w *Worker) Close() {
	if err := w.memory.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to close domain memory")
	}
}

// Run polls the coordinator until the context is cancelled. With once set it
// drains a single batch and returns.
func (w *Worker) Run(ctx context.Context, once bool, limit int) error {
	if limit <= 0 {
		limit = w.config.Worker.TaskLimit
	}
	pollInterval := time.Duration(w.config.Worker.PollInterval) * time.Second

	for {
		processed, err := w.poll(ctx, limit)
		if err != nil {
			var rateLimited *coordinator.RateLimitedError
			if errors.As(err, &rateLimited) {
				sleep := rateLimited.RetryAfter + rateLimitPadding
				w.metrics.RateLimitSleeps.Inc()
				w.logger.Warn().Str("sleep", sleep.String()).Msg("Coordinator rate limited")
				if once {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(sleep):
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error().Err(err).Msg("Poll failed")
		}

		if once {
			w.logger.Info().Int("processed", processed).Msg("Single batch complete")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// poll asks for comment tasks first and falls back to the full queue
// when none are waiting
func (w *Worker) poll(ctx context.Context, limit int) (int, error) {
	tasks, err := w.client.PendingTasks(ctx, limit, models.TaskTypeComment)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		tasks, err = w.client.PendingTasks(ctx, limit, "")
		if err != nil {
			return 0, err
		}
	}
	if len(tasks) == 0 {
		w.logger.Debug().Msg("No pending tasks")
		return 0, nil
	}

	processed := 0
	for i := range tasks {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		w.Process(ctx, &tasks[i])
		processed++
	}
	return processed, nil
}

// Process runs one task end to end. Every exit path reports a structured
// result: the coordinator, outcome log, shadow log, telemetry run, and
// metrics all see the same terminal state.
func (w *Worker) Process(ctx context.Context, task *models.Task) {
	taskKey := task.Key()
	domain := task.Domain()
	started := time.Now()
	ruleAction := string(RuleAction(task))

	w.recorder.InitRun(taskKey, map[string]interface{}{
		"task_id": task.ID,
		"type":    task.Type,
		"domain":  domain,
		"url":     task.TargetURL(),
	})
	w.guard.InitTask(taskKey)
	defer func() {
		w.guard.CleanupTask(taskKey)
		w.healer.Forget(taskKey)
	}()

	// domains with a bad track record are skipped before spending a lock
	if skip, why, err := w.memory.ShouldSkip(domain); err == nil && skip {
		w.metrics.SkippedDomains.Inc()
		w.logger.Info().Int64("task_id", task.ID).Str("domain", domain).Str("reason", why).Msg("Domain skipped")
		result := models.Failed(task.Type, models.FailureBlocked, "domain skipped: "+why)
		w.finish(ctx, task, result, started, ruleAction, false)
		return
	}

	locked, err := w.client.LockTask(ctx, task.ID, w.config.Worker.ID)
	if err != nil || !locked {
		if err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Lock request failed")
		} else {
			w.logger.Debug().Int64("task_id", task.ID).Msg("Task already locked by another worker")
		}
		w.recorder.FinalizeRun(taskKey, telemetry.FinalResult{
			Success:       false,
			FailureReason: string(models.FailureUnknown),
			ExecutionTime: time.Since(started).Seconds(),
		})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(w.config.Budget.MaxRuntimeSeconds)*time.Second)
	result := w.execute(runCtx, task)
	cancel()
	w.finish(ctx, task, result, started, ruleAction, true)
}

// execute owns the browser lifecycle for one locked task
func (w *Worker) execute(ctx context.Context, task *models.Task) models.Result {
	taskKey := task.Key()
	domain := task.Domain()

	var campaign *models.Campaign
	if task.CampaignID != 0 {
		if c, err := w.client.GetCampaign(ctx, task.CampaignID); err == nil {
			campaign = c
		} else {
			w.logger.Warn().Err(err).Int64("campaign_id", task.CampaignID).Msg("Campaign lookup failed")
		}
	}

	if w.shadow.Enabled() && w.decisions != nil {
		AttachShadowPrediction(w.decisions, task, campaign, w.logger)
		if task.Opportunity != nil && task.Opportunity.ShadowPrediction != nil {
			if err := w.shadow.LogPrediction(task, string(RuleAction(task)), task.Opportunity.ShadowPrediction); err != nil {
				w.logger.Warn().Err(err).Msg("Shadow prediction log failed")
			}
		}
	}

	if err := w.guard.CheckRuntime(taskKey); err != nil {
		return models.Failed(task.Type, MapFailure(err), err.Error())
	}

	session, err := browser.NewSession(ctx, w.config.Browser, w.proxyURL(ctx, campaign), w.logger)
	if err != nil {
		return models.Failed(task.Type, models.FailureUnknown, "browser start failed: "+err.Error())
	}
	defer session.Close()
	page := session.Page()

	targetURL := task.TargetURL()
	if targetURL == "" {
		return models.Failed(task.Type, models.FailureUnknown, "task has no target url")
	}
	w.recorder.LogStep(taskKey, "navigate", map[string]interface{}{"url": targetURL})
	if err := page.Navigate(targetURL); err != nil {
		return models.Failed(task.Type, MapFailure(err), "navigation failed: "+err.Error())
	}
	if html, herr := page.HTML(); herr == nil {
		shot, _ := page.Screenshot()
		w.recorder.SaveSnapshot(taskKey, "initial", html, shot)
	}

	state, err := statedetect.Detect(page)
	if err != nil {
		return models.Failed(task.Type, MapFailure(err), "state detection failed: "+err.Error())
	}
	w.recorder.LogStep(taskKey, "state_detected", map[string]interface{}{
		"intent":       state.IntentGuess,
		"popups":       state.HasOverlay || state.HasModal || state.HasCookieBanner,
		"iframe_count": state.IframeCount,
	})
	if state.Blocked || state.BotCheck {
		return models.Failed(task.Type, models.FailureBlocked, "page served a block or bot check")
	}
	if _, err := w.popups.ClearIfNeeded(page, taskKey, domain, &state); err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			return models.Failed(task.Type, models.FailureTimeout, err.Error())
		}
		return models.Failed(task.Type, models.FailurePopupBlocking, err.Error())
	}

	if err := w.guard.CheckRuntime(taskKey); err != nil {
		return models.Failed(task.Type, MapFailure(err), err.Error())
	}
	result := w.attempt(ctx, page, task)
	if result.Success {
		return result
	}

	// one recovery pass, then one clean retry of the whole goal
	healed := w.tryHeal(page, taskKey, domain, result, task)
	if !healed {
		return result
	}
	if err := w.guard.CheckRuntime(taskKey); err != nil {
		return models.Failed(task.Type, MapFailure(err), err.Error())
	}
	w.recorder.LogStep(taskKey, "retry_after_heal", map[string]interface{}{"reason": result.FailureReason})
	return w.attempt(ctx, page, task)
}

// attempt runs the agent to position the page, then the goal module
func (w *Worker) attempt(ctx context.Context, page *browser.Page, task *models.Task) models.Result {
	module, ok := w.modules[task.Type]
	if !ok {
		return models.Failed(task.Type, models.FailureUnknown, fmt.Sprintf("no module for task type %q", task.Type))
	}

	var prepared *agent.Prepared
	if task.Type != models.TaskTypeEmailConfirmation {
		outcome, err := w.agent.Run(page, task)
		if err != nil {
			return models.Failed(task.Type, MapFailure(err), err.Error())
		}
		if !outcome.Success && !outcome.PendingVerification {
			return models.Failed(task.Type, outcome.FailureReason, "agent stalled at "+outcome.Subgoal)
		}
		prepared = outcome.Prepared
	}
	return module.Run(ctx, page, task, prepared)
}

// tryHeal asks the healer for one recovery attempt matching the failure.
// False means the failure stands.
func (w *Worker) tryHeal(page *browser.Page, taskKey, domain string, failed models.Result, task *models.Task) bool {
	hctx := agent.HealContext{}
	switch failed.FailureReason {
	case models.FailureElementNotFound, models.FailureCommentFormNotFound:
		hctx.TargetRole = "comment_field"
		hctx.Keywords = []string{"comment", "reply", "message"}
	case models.FailureIframeMissed:
		hctx.Selector = "textarea"
	case models.FailurePopupBlocking:
	default:
		return false
	}

	heal, err := w.healer.Heal(page, taskKey, domain, failed.FailureReason, hctx)
	if err != nil || heal == nil {
		return false
	}
	if heal.Healed {
		w.logger.Info().
			Int64("task_id", task.ID).
			Str("strategy", heal.Strategy).
			Str("reason", string(failed.FailureReason)).
			Msg("Recovery attempt succeeded")
	}
	return heal.Healed
}

// finish reports the terminal state everywhere. Unlock always precedes the
// status update so a crash between the two leaves the task retryable.
func (w *Worker) finish(ctx context.Context, task *models.Task, result models.Result, started time.Time, ruleAction string, locked bool) {
	taskKey := task.Key()
	domain := task.Domain()
	executionTime := time.Since(started).Seconds()

	// every reported success carries a backlink id
	if result.Success && result.BacklinkID == "" {
		result.BacklinkID = common.NewBacklinkID()
	}

	if locked {
		if err := w.client.UnlockTask(ctx, task.ID); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Unlock failed")
		}

		status := models.TaskStatusFailed
		var resultPayload map[string]interface{}
		errorMessage := result.Error
		if result.Success {
			status = models.TaskStatusSuccess
			resultPayload = map[string]interface{}{
				"url":         result.URL,
				"backlink_id": result.BacklinkID,
			}
		} else if errorMessage == "" {
			errorMessage = string(result.FailureReason)
		}
		if err := w.client.UpdateTaskStatus(ctx, task.ID, status, resultPayload, errorMessage); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Status update failed")
		}

		if result.Success {
			if err := w.client.CreateBacklink(ctx, task.CampaignID, result.URL, task.Type, "active", result.BacklinkID, result.SiteAccountID, ""); err != nil {
				w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Backlink record failed")
			}
		}
	}

	if !result.Success && result.FailureReason != "" {
		if err := w.memory.RecordFailure(domain, string(result.FailureReason)); err != nil {
			w.logger.Warn().Err(err).Str("domain", domain).Msg("Failure record failed")
		}
	}

	resultLabel := "failed"
	if result.Success {
		resultLabel = "success"
	}
	row := models.OutcomeRow{
		Timestamp:       time.Now().UTC(),
		TaskID:          task.ID,
		Domain:          domain,
		ActionAttempted: ruleAction,
		Result:          resultLabel,
		FailureReason:   result.FailureReason,
		CaptchaType:     result.CaptchaType,
		ExecutionTime:   executionTime,
		RetryCount:      task.RetryCount,
	}
	if err := w.outcomes.Append(row); err != nil {
		w.logger.Warn().Err(err).Msg("Outcome log append failed")
	}

	if w.shadow.Enabled() && task.Opportunity != nil && task.Opportunity.ShadowPrediction != nil {
		if err := w.shadow.LogResult(task, ruleAction, result, executionTime, task.Opportunity.ShadowPrediction); err != nil {
			w.logger.Warn().Err(err).Msg("Shadow result log failed")
		}
	}

	final := telemetry.FinalResult{
		Success:       result.Success,
		FailureReason: string(result.FailureReason),
		ExecutionTime: executionTime,
		RetryCount:    task.RetryCount,
		URL:           result.URL,
		BacklinkID:    result.BacklinkID,
	}
	if err := w.recorder.FinalizeRun(taskKey, final); err != nil {
		w.logger.Warn().Err(err).Str("task", taskKey).Msg("Telemetry finalize failed")
	}

	w.metrics.ObserveTask(string(task.Type), resultLabel, time.Since(started))
	if !result.Success && result.FailureReason != "" {
		w.metrics.FailuresTotal.WithLabelValues(string(result.FailureReason)).Inc()
	}

	w.logger.Info().
		Int64("task_id", task.ID).
		Str("type", string(task.Type)).
		Str("result", resultLabel).
		Str("failure_reason", string(result.FailureReason)).
		Float64("execution_time", executionTime).
		Msg("Task finished")
}

// proxyURL picks a proxy from the coordinator inventory, preferring the
// campaign's country. Empty means direct connection.
func (w *Worker) proxyURL(ctx context.Context, campaign *models.Campaign) string {
	country := ""
	if campaign != nil {
		country = campaign.ProxyCountry
	}
	proxies, err := w.client.Proxies(ctx, country)
	if err != nil || len(proxies) == 0 {
		if country != "" {
			// fall back to the full pool before going direct
			proxies, err = w.client.Proxies(ctx, "")
		}
		if err != nil || len(proxies) == 0 {
			return ""
		}
	}
	p := proxies[0]
	u := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", p.Host, p.Port)}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}
