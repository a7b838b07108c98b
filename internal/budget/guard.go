package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/nexo/internal/common"
)

// ExceededError signals a breached per-task bound. It unwinds to the worker
// loop, which maps it to the "timeout" failure reason and terminates the task.
type ExceededError struct {
	TaskID string
	Kind   string // "runtime", "step_retries", "popup_dismiss", "locator_candidates"
	Limit  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for task %s: %s (limit %d)", e.TaskID, e.Kind, e.Limit)
}

type taskState struct {
	startedAt     time.Time
	stepRetries   map[string]int
	popupAttempts int
	locatorsTried int
}

// Guard enforces the closed set of per-task limits
type Guard struct {
	limits common.BudgetConfig

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewGuard creates a guard with the configured limits
func NewGuard(limits common.BudgetConfig) *Guard {
	return &Guard{
		limits: limits,
		tasks:  make(map[string]*taskState),
	}
}

// InitTask starts budget tracking for a task
func (g *Guard) InitTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[taskID] = &taskState{
		startedAt:   time.Now(),
		stepRetries: make(map[string]int),
	}
}

// CleanupTask discards all counters for a task
func (g *Guard) CleanupTask(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, taskID)
}

func (g *Guard) state(taskID string) *taskState {
	st, ok := g.tasks[taskID]
	if !ok {
		st = &taskState{startedAt: time.Now(), stepRetries: make(map[string]int)}
		g.tasks[taskID] = st
	}
	return st
}

// CheckRuntime fails when the task's wall-clock budget is spent
func (g *Guard) CheckRuntime(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(taskID)
	if time.Since(st.startedAt) > time.Duration(g.limits.MaxRuntimeSeconds)*time.Second {
		return &ExceededError{TaskID: taskID, Kind: "runtime", Limit: g.limits.MaxRuntimeSeconds}
	}
	return nil
}

// CheckStepRetry increments the per-step retry counter and fails once it passes the limit
func (g *Guard) CheckStepRetry(taskID, step string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(taskID)
	st.stepRetries[step]++
	if st.stepRetries[step] > g.limits.MaxRetriesPerStep {
		return &ExceededError{TaskID: taskID, Kind: "step_retries", Limit: g.limits.MaxRetriesPerStep}
	}
	return nil
}

// ResetStepRetries zeroes the retry counter for a step after it succeeds
func (g *Guard) ResetStepRetries(taskID, step string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.tasks[taskID]; ok {
		delete(st.stepRetries, step)
	}
}

// CheckPopupDismiss increments the popup-dismiss counter and enforces its bound
func (g *Guard) CheckPopupDismiss(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(taskID)
	st.popupAttempts++
	if st.popupAttempts > g.limits.MaxPopupDismissAttempts {
		return &ExceededError{TaskID: taskID, Kind: "popup_dismiss", Limit: g.limits.MaxPopupDismissAttempts}
	}
	return nil
}

// CheckLocatorCandidate increments the tried-candidate counter and enforces its bound
func (g *Guard) CheckLocatorCandidate(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(taskID)
	st.locatorsTried++
	if st.locatorsTried > g.limits.MaxLocatorCandidates {
		return &ExceededError{TaskID: taskID, Kind: "locator_candidates", Limit: g.limits.MaxLocatorCandidates}
	}
	return nil
}

// Elapsed reports wall-clock time since InitTask
func (g *Guard) Elapsed(taskID string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.tasks[taskID]; ok {
		return time.Since(st.startedAt)
	}
	return 0
}
