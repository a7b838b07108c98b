package agent

import (
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nexo/internal/browser"
	"github.com/ternarybob/nexo/internal/budget"
	"github.com/ternarybob/nexo/internal/domainmem"
	"github.com/ternarybob/nexo/internal/models"
	"github.com/ternarybob/nexo/internal/runtime/locator"
	"github.com/ternarybob/nexo/internal/runtime/popup"
	"github.com/ternarybob/nexo/internal/runtime/statedetect"
)

// Subgoal names, one per stage of a goal's state machine
const (
	SubgoalClearPopups       = "clear_popups"
	SubgoalOpenCommentEditor = "open_comment_editor"
	SubgoalSubmitComment     = "submit_comment"
	SubgoalGoToLogin         = "go_to_login"
	SubgoalRegisterAccount   = "register_account"
	SubgoalVerifyEmail       = "verify_email"
	SubgoalOpenForumEditor   = "open_forum_editor"
	SubgoalOpenGuestForm     = "open_guest_form"
)

// Prepared carries the locators the agent resolved so the goal module can
// fill and submit without searching again.
type Prepared struct {
	State        models.PageState
	CommentField *locator.Found
	SubmitButton *locator.Found
	Form         *locator.Found
	LoginLink    *locator.Found
	Editor       *locator.Found
}

// Outcome is what the agent hands back to the worker. On success the page is
// positioned and Prepared is populated; the agent never types or submits.
type Outcome struct {
	Success             bool
	FailureReason       models.FailureReason
	Subgoal             string
	PendingVerification bool
	Prepared            *Prepared
}

// Agent walks a per-goal subgoal machine, consuming the state detector,
// popup controller, and locator engine to bring the page to its submit point.
type Agent struct {
	popups *popup.Controller
	engine *locator.Engine
	memory *domainmem.Memory
	guard  *budget.Guard
	logger arbor.ILogger
}

func New(popups *popup.Controller, engine *locator.Engine, memory *domainmem.Memory, guard *budget.Guard, logger arbor.ILogger) *Agent {
	return &Agent{popups: popups, engine: engine, memory: memory, guard: guard, logger: logger}
}

// Run drives the machine for the task's goal. A budget ExceededError
// propagates unchanged so the worker maps it to a timeout.
func (a *Agent) Run(page *browser.Page, task *models.Task) (*Outcome, error) {
	run := &runState{
		agent:  a,
		page:   page,
		taskID: task.Key(),
		domain: task.Domain(),
	}

	switch task.Type {
	case models.TaskTypeComment:
		return run.comment()
	case models.TaskTypeProfile:
		return run.profile()
	case models.TaskTypeForum:
		return run.forum()
	case models.TaskTypeGuest:
		return run.guest()
	default:
		return &Outcome{Success: false, FailureReason: models.FailureUnknown, Subgoal: ""}, nil
	}
}

// runState is the per-task machine: subgoal history plus resolved locators
type runState struct {
	agent  *Agent
	page   *browser.Page
	taskID string
	domain string
	state  models.PageState
}

// step runs fn under the guard's budgets. fn returning (true, nil) ends the
// subgoal and clears its retry counter; (false, nil) consumes a retry and
// repeats. A spent wall-clock budget propagates as an error so the worker
// reports a timeout; a spent retry budget just ends the subgoal unfinished.
func (r *runState) step(subgoal string, fn func() (bool, error)) (bool, error) {
	for {
		if err := r.agent.guard.CheckRuntime(r.taskID); err != nil {
			return false, err
		}
		if err := r.agent.guard.CheckStepRetry(r.taskID, subgoal); err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				return false, nil
			}
			return false, err
		}
		ok, err := fn()
		if err != nil {
			return false, err
		}
		if ok {
			r.agent.guard.ResetStepRetries(r.taskID, subgoal)
			return true, nil
		}
	}
}

func (r *runState) clearPopups() (bool, error) {
	return r.step(SubgoalClearPopups, func() (bool, error) {
		state, err := statedetect.Detect(r.page)
		if err != nil {
			return false, nil
		}
		r.state = state
		if !state.NeedsPopupClearing() {
			return true, nil
		}
		result, err := r.agent.popups.ClearIfNeeded(r.page, r.taskID, r.domain, &state)
		if err != nil {
			return false, err
		}
		if result.Cleared {
			if after, derr := statedetect.Detect(r.page); derr == nil {
				r.state = after
			}
			return true, nil
		}
		// nothing cleared and nothing blocking counts as done
		return !state.NeedsPopupClearing(), nil
	})
}

func (r *runState) find(role string, keywords []string) (*locator.Found, error) {
	found, _, err := r.agent.engine.Find(r.page, r.taskID, r.domain, role, keywords)
	return found, err
}

func (r *runState) fail(reason models.FailureReason, subgoal string) *Outcome {
	r.agent.logger.Warn().
		Str("subgoal", subgoal).
		Str("reason", string(reason)).
		Str("domain", r.domain).
		Msg("Agent subgoal exhausted")
	return &Outcome{Success: false, FailureReason: reason, Subgoal: subgoal}
}

func (r *runState) comment() (*Outcome, error) {
	if ok, err := r.clearPopups(); err != nil {
		return nil, err
	} else if !ok {
		return r.fail(models.FailurePopupBlocking, SubgoalClearPopups), nil
	}

	prepared := &Prepared{State: r.state}

	ok, err := r.step(SubgoalOpenCommentEditor, func() (bool, error) {
		found, ferr := r.find("comment_field", []string{"comment", "reply", "message"})
		if ferr != nil {
			return false, ferr
		}
		prepared.CommentField = found
		return found != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fail(models.FailureCommentFormNotFound, SubgoalOpenCommentEditor), nil
	}

	ok, err = r.step(SubgoalSubmitComment, func() (bool, error) {
		found, ferr := r.find("submit_button", []string{"submit", "post", "send", "comment"})
		if ferr != nil {
			return false, ferr
		}
		prepared.SubmitButton = found
		return found != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fail(models.FailureElementNotFound, SubgoalSubmitComment), nil
	}

	return &Outcome{Success: true, Subgoal: SubgoalSubmitComment, Prepared: prepared}, nil
}

func (r *runState) profile() (*Outcome, error) {
	if ok, err := r.clearPopups(); err != nil {
		return nil, err
	} else if !ok {
		return r.fail(models.FailurePopupBlocking, SubgoalClearPopups), nil
	}

	prepared := &Prepared{State: r.state}

	// Login detour only when the page demands it
	if r.state.LoginRequired && !r.state.RegistrationDetected {
		ok, err := r.step(SubgoalGoToLogin, func() (bool, error) {
			found, ferr := r.find("link", []string{"register", "sign up", "signup", "join", "create account"})
			if ferr != nil {
				return false, ferr
			}
			if found == nil {
				return false, nil
			}
			prepared.LoginLink = found
			if cerr := r.page.Click(found.Locator); cerr != nil {
				return false, nil
			}
			r.page.Sleep(time.Second, 2*time.Second)
			if state, derr := statedetect.Detect(r.page); derr == nil {
				r.state = state
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return r.fail(models.FailureRegistrationFailed, SubgoalGoToLogin), nil
		}
	}

	ok, err := r.step(SubgoalRegisterAccount, func() (bool, error) {
		found, ferr := r.find("form", []string{"register", "signup", "sign-up", "account"})
		if ferr != nil {
			return false, ferr
		}
		prepared.Form = found
		return found != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fail(models.FailureRegistrationFailed, SubgoalRegisterAccount), nil
	}

	// Verification hints mean the account cannot go live in this run.
	// Report pending so the coordinator can re-queue the confirmation click.
	if r.state.VerificationHints {
		return &Outcome{
			Success:             false,
			FailureReason:       models.FailureEmailVerificationFailed,
			Subgoal:             SubgoalVerifyEmail,
			PendingVerification: true,
			Prepared:            prepared,
		}, nil
	}

	return &Outcome{Success: true, Subgoal: SubgoalRegisterAccount, Prepared: prepared}, nil
}

func (r *runState) forum() (*Outcome, error) {
	if ok, err := r.clearPopups(); err != nil {
		return nil, err
	} else if !ok {
		return r.fail(models.FailurePopupBlocking, SubgoalClearPopups), nil
	}

	prepared := &Prepared{State: r.state}

	ok, err := r.step(SubgoalOpenForumEditor, func() (bool, error) {
		found, ferr := r.find("comment_field", []string{"reply", "message", "post", "body"})
		if ferr != nil {
			return false, ferr
		}
		prepared.Editor = found
		return found != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fail(models.FailureElementNotFound, SubgoalOpenForumEditor), nil
	}

	return &Outcome{Success: true, Subgoal: SubgoalOpenForumEditor, Prepared: prepared}, nil
}

func (r *runState) guest() (*Outcome, error) {
	if ok, err := r.clearPopups(); err != nil {
		return nil, err
	} else if !ok {
		return r.fail(models.FailurePopupBlocking, SubgoalClearPopups), nil
	}

	prepared := &Prepared{State: r.state}

	ok, err := r.step(SubgoalOpenGuestForm, func() (bool, error) {
		found, ferr := r.find("form", []string{"guest", "submit", "contact", "article", "contribute"})
		if ferr != nil {
			return false, ferr
		}
		prepared.Form = found
		return found != nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.fail(models.FailureElementNotFound, SubgoalOpenGuestForm), nil
	}

	return &Outcome{Success: true, Subgoal: SubgoalOpenGuestForm, Prepared: prepared}, nil
}
