// Package planner decomposes a user intent into a task graph. Two
// strategies run in preference order: a regex rule router bound to template
// plans, then a planning-capable agent for intents no rule covers. Plans
// from either source are validated before adoption.
package planner

import (
	"context"

	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/job/graph"
	"github.com/agentrix/agentrix/internal/job/models"
)

// Plan is the planner's output: the task set in execution-intent order plus
// the reasoning that produced it.
type Plan struct {
	Tasks     []*models.Task
	Reasoning string
	Mode      models.PlanMode
}

// taskIDs returns the plan's task ids in order.
func (p *Plan) taskIDs() []string {
	ids := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Apply binds the plan to a job: tasks, order, reasoning and mode.
func (p *Plan) Apply(job *models.Job) {
	job.Tasks = make(map[string]*models.Task, len(p.Tasks))
	for _, task := range p.Tasks {
		task.Status = models.TaskStatusPending
		job.Tasks[task.ID] = task
	}
	job.TaskOrder = p.taskIDs()
	job.Reasoning = p.Reasoning
	if p.Mode != "" {
		job.Mode = p.Mode
	} else {
		job.Mode = models.PlanModeOrchestrated
	}
}

// Planner turns an intent into a validated plan.
type Planner interface {
	Plan(ctx context.Context, intent string, params map[string]interface{}) (*Plan, error)
}

// Composite tries each strategy in order and returns the first plan.
type Composite struct {
	strategies []Planner
}

var _ Planner = (*Composite)(nil)

// NewComposite chains planners; nil entries are skipped.
func NewComposite(strategies ...Planner) *Composite {
	c := &Composite{}
	for _, s := range strategies {
		if s != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	return c
}

// Plan returns the first strategy's plan. ErrNoRule from a strategy moves on
// to the next; any other error is final.
func (c *Composite) Plan(ctx context.Context, intent string, params map[string]interface{}) (*Plan, error) {
	for _, s := range c.strategies {
		plan, err := s.Plan(ctx, intent, params)
		if err == nil {
			return plan, nil
		}
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			continue
		}
		return nil, err
	}
	return nil, apperrors.Newf(apperrors.KindValidation,
		"no planning strategy produced a plan for intent %q", intent)
}

// validatePlan rejects plans with unknown actions, unresolved dependencies
// or cycles.
func validatePlan(plan *Plan) error {
	if len(plan.Tasks) == 0 {
		return apperrors.New(apperrors.KindValidation, "plan has no tasks")
	}
	for _, task := range plan.Tasks {
		if task.ID == "" {
			return apperrors.New(apperrors.KindValidation, "plan task missing id")
		}
		if !task.Action.Valid() {
			return apperrors.Newf(apperrors.KindValidation,
				"plan task %s has unknown action %q", task.ID, task.Action)
		}
		if task.Target == "" {
			return apperrors.Newf(apperrors.KindValidation,
				"plan task %s has no target", task.ID)
		}
	}
	if _, err := graph.FromTasks(plan.Tasks); err != nil {
		return apperrors.Newf(apperrors.KindValidation, "plan rejected: %v", err)
	}
	return nil
}
