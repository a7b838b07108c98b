package worker

import (
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/ml/decision"
	"github.com/ternarybob/nexo/internal/ml/features"
	"github.com/ternarybob/nexo/internal/models"
)

// RuleAction maps an opportunity's site type to the action the rule-based
// path executes. The task type from the coordinator wins when set; this
// covers tasks queued from a bare opportunity.
func RuleAction(task *models.Task) models.TaskType {
	if task.Type != "" {
		return task.Type
	}
	if task.Opportunity == nil {
		return models.TaskTypeComment
	}
	switch task.Opportunity.SiteType {
	case models.SiteTypeProfile:
		return models.TaskTypeProfile
	case models.SiteTypeForum:
		return models.TaskTypeForum
	case models.SiteTypeGuestPosting:
		return models.TaskTypeGuest
	default:
		return models.TaskTypeComment
	}
}

// AttachShadowPrediction asks the decision engine for its recommendation and
// attaches it to the task's opportunity. Prediction failures only log; the
// rule-based path is never blocked by the model.
func AttachShadowPrediction(engine *decision.Engine, task *models.Task, campaign *models.Campaign, logger arbor.ILogger) {
	if engine == nil || task.Opportunity == nil {
		return
	}
	feats := features.FromOpportunity(task.Opportunity, campaign, time.Now().UTC())
	prediction, err := engine.ShadowPrediction(feats)
	if err != nil {
		logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Shadow prediction failed")
		return
	}
	task.Opportunity.ShadowPrediction = prediction
}
