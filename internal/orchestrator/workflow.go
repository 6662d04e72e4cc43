package orchestrator

import (
	"context"
	"time"

	"github.com/agentrix/agentrix/internal/audit"
	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/events"
	"github.com/agentrix/agentrix/internal/job/models"
	"github.com/agentrix/agentrix/internal/protocol"
)

// DispatchWorkflow starts a handoff chain: a single request to the first
// agent carrying the whole plan as a workflow context. The orchestrator
// then waits for the final reply, whose context holds the accumulated
// per-step trace.
func (d *Dispatcher) DispatchWorkflow(ctx context.Context, job *models.Job, order []string, steps []protocol.WorkflowStep) ([]protocol.WorkflowTraceEntry, error) {
	if len(steps) == 0 {
		return nil, apperrors.New(apperrors.KindValidation, "handoff plan has no steps")
	}

	first := steps[0]
	agent := d.registry.Get(first.Agent)
	if agent == nil {
		return nil, apperrors.Newf(apperrors.KindAgentUnavailable, "agent %s not registered", first.Agent)
	}

	payload := make(map[string]interface{}, len(first.Payload)+1)
	for k, v := range first.Payload {
		payload[k] = v
	}
	protocol.AttachWorkflow(payload, &protocol.WorkflowContext{Steps: steps, Current: 0})

	env := protocol.NewRequest(d.cfg.OrchestratorURI, first.Agent, first.Intent, job.ID, payload)
	if err := d.persistOutbound(ctx, job.ID, order[0], env); err != nil {
		return nil, err
	}
	d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionTaskDispatch, "running", map[string]interface{}{
		"task_id":    order[0],
		"agent":      first.Agent,
		"message_id": env.ID,
		"handoff":    true,
		"steps":      len(steps),
	}))
	d.publish(ctx, events.TaskDispatched, map[string]interface{}{
		"job_id": job.ID, "task_id": order[0], "agent": first.Agent,
	})
	if err := d.store.UpdateTaskStatus(ctx, job.ID, order[0], models.TaskStatusRunning, nil, ""); err != nil {
		return nil, apperrors.Wrap(err, "failed to mark first handoff task running")
	}

	// The whole chain shares one deadline: the sum of the per-step budgets.
	timeout := time.Duration(0)
	for _, id := range order {
		if task := job.Task(id); task != nil && task.Timeout() > 0 {
			timeout += task.Timeout()
			continue
		}
		timeout += d.cfg.DefaultTimeoutDuration()
	}

	reply, err := d.exchange(ctx, agent, env, timeout)
	if err != nil {
		return nil, err
	}
	d.registry.MarkSeen(agent.URI)
	if err := d.persistInbound(ctx, job.ID, order[0], reply); err != nil {
		d.log.WithJobID(job.ID).Warn("failed to persist handoff reply")
	}

	switch reply.Type {
	case protocol.TypeDone, protocol.TypeInform:
	case protocol.TypeRefuse:
		return nil, apperrors.Newf(apperrors.KindAgentRefused, "chain refused: %s", reply.FailureReason())
	default:
		return nil, apperrors.Newf(apperrors.KindAgentFailure, "chain failed: %s", reply.FailureReason())
	}

	// Agents return the extended context either in the payload or in the
	// envelope context; accept both.
	wf, present, err := protocol.WorkflowFromPayload(reply.Payload)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindAgentFailure, "final reply carries invalid workflow context: %v", err)
	}
	if !present {
		wf, present, err = protocol.WorkflowFromPayload(reply.Context)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindAgentFailure, "final reply carries invalid workflow context: %v", err)
		}
	}
	if !present || len(wf.Trace) == 0 {
		return nil, apperrors.New(apperrors.KindAgentFailure, "final reply missing workflow trace")
	}
	return wf.Trace, nil
}
