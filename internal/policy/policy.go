// Package policy gates intents and plans before anything is dispatched. The
// engine answers three questions: is this intent allowed at all, may this
// sender submit right now, and may each planned task touch its target.
// Denials are terminal; the orchestrator never retries a policy decision.
package policy

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agentrix/agentrix/internal/common/config"
	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/job/models"
)

// Engine evaluates policy rules against intents and plans.
type Engine struct {
	blockedActions map[string]bool
	allowedApps    map[string]bool
	ratePerSender  rate.Limit
	rateBurst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine builds an engine from configuration. A zero per-sender rate
// disables rate limiting; an empty allowed-apps list permits any desktop
// target.
func NewEngine(cfg config.PolicyConfig) *Engine {
	e := &Engine{
		blockedActions: make(map[string]bool, len(cfg.BlockedActions)),
		allowedApps:    make(map[string]bool, len(cfg.AllowedApps)),
		ratePerSender:  rate.Limit(cfg.RatePerSender),
		rateBurst:      cfg.RateBurst,
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, action := range cfg.BlockedActions {
		e.blockedActions[normalize(action)] = true
	}
	for _, app := range cfg.AllowedApps {
		e.allowedApps[normalize(app)] = true
	}
	if e.rateBurst <= 0 {
		e.rateBurst = 1
	}
	return e
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CheckIntent validates an incoming intent at the boundary: blocked intents
// are denied and each sender is held to the configured submission rate.
func (e *Engine) CheckIntent(sender, intent string) error {
	for blocked := range e.blockedActions {
		if strings.Contains(normalize(intent), blocked) {
			return apperrors.Newf(apperrors.KindPolicyDenied,
				"intent contains blocked action %q", blocked)
		}
	}
	if e.ratePerSender > 0 && !e.limiter(sender).Allow() {
		return apperrors.Newf(apperrors.KindPolicyDenied,
			"sender %s exceeded submission rate", sender)
	}
	return nil
}

// CheckTask validates one planned task. Desktop actions are held to the
// allowed-application list; blocked targets are denied regardless of kind.
func (e *Engine) CheckTask(task *models.Task) error {
	if !task.Action.Valid() {
		return apperrors.Newf(apperrors.KindValidation,
			"task %s has unknown action %q", task.ID, task.Action)
	}
	if e.blockedActions[normalize(task.Target)] {
		return apperrors.Newf(apperrors.KindPolicyDenied,
			"task %s targets blocked action %q", task.ID, task.Target)
	}
	if task.Action.DesktopAction() && len(e.allowedApps) > 0 {
		if !e.allowedApps[normalize(task.Target)] {
			return apperrors.Newf(apperrors.KindPolicyDenied,
				"task %s targets application %q outside the allow-list", task.ID, task.Target)
		}
	}
	return nil
}

// CheckPlan validates every task of a planned job. The first violation
// fails the whole plan; a partially allowed plan never runs.
func (e *Engine) CheckPlan(job *models.Job) error {
	for _, task := range job.OrderedTasks() {
		if err := e.CheckTask(task); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) limiter(sender string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.limiters[sender]
	if !ok {
		l = rate.NewLimiter(e.ratePerSender, e.rateBurst)
		e.limiters[sender] = l
	}
	return l
}
