package orchestrator

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/agentrix/agentrix/internal/audit"
	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/common/logger"
	"github.com/agentrix/agentrix/internal/events"
	"github.com/agentrix/agentrix/internal/job/graph"
	"github.com/agentrix/agentrix/internal/job/models"
	"github.com/agentrix/agentrix/internal/protocol"
)

// runJob is one job's driver: it advances the task graph round by round
// until the job is terminal. Exactly one runner drives a job at a time.
func (s *Service) runJob(ctx context.Context, jobID string) {
	log := s.log.WithJobID(jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("failed to load job", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}

	if job.Status == models.JobStatusPending {
		if _, err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, ""); err != nil {
			log.Error("failed to start job", zap.Error(err))
			return
		}
		s.recordAudit(ctx, audit.Entry(jobID, audit.ActionJobStarted, "running", nil))
		s.publish(ctx, events.JobStarted, jobID, nil)
	}

	// An empty plan has nothing to dispatch and completes immediately.
	if len(job.Tasks) == 0 {
		s.finishJob(ctx, jobID, nil)
		return
	}

	if job.Mode == models.PlanModeHandoff {
		s.runHandoff(ctx, job, log)
		return
	}

	for {
		if ctx.Err() != nil {
			s.settleInterrupted(ctx, jobID, log)
			return
		}

		job, err = s.store.GetJob(ctx, jobID)
		if err != nil {
			log.Error("failed to re-read job", zap.Error(err))
			return
		}
		if job.Status.Terminal() {
			// Cancelled out from under us; settle the leftovers.
			if job.Status == models.JobStatusCancelled {
				s.failRunningTasks(context.WithoutCancel(ctx), job, "cancelled")
			}
			return
		}

		g, err := graph.FromJob(job)
		if err != nil {
			s.failJob(ctx, jobID, apperrors.Wrap(err, "task graph no longer valid"))
			return
		}

		// Prune branches downstream of failed tasks before computing the
		// ready set: their fallback siblings become ready in the same round.
		pruned := false
		for _, id := range g.SkippableTasks() {
			if err := s.store.UpdateTaskStatus(ctx, jobID, id, models.TaskStatusSkipped, nil, "dependency failed"); err != nil {
				log.Error("failed to skip task", zap.String("task_id", id), zap.Error(err))
			}
			s.recordAudit(ctx, audit.Entry(jobID, audit.ActionTaskSkipped, "skipped", map[string]interface{}{
				"task_id": id,
			}))
			pruned = true
		}
		if pruned {
			continue
		}

		ready := g.ReadyTasks()
		if len(ready) == 0 {
			s.aggregate(ctx, job)
			return
		}

		if err := s.dispatcher.DispatchBatch(ctx, job, ready); err != nil {
			// Only context cancellation aborts a batch.
			continue
		}
	}
}

// aggregate settles the job once no task is ready: all-done yields done
// with the aggregated result, any failure yields failed with the first
// failure reason.
func (s *Service) aggregate(ctx context.Context, job *models.Job) {
	var firstFailed *models.Task
	allTerminal := true
	for _, task := range job.OrderedTasks() {
		if !task.Status.Terminal() {
			allTerminal = false
		}
		if task.Status == models.TaskStatusFailed && firstFailed == nil {
			firstFailed = task
		}
	}

	if firstFailed != nil {
		// The task error string carries its kind prefix; keep the original
		// classification on the job.
		kind := apperrors.ParseKind(firstFailed.Error)
		s.failJob(ctx, job.ID, apperrors.Newf(kind, "task %s failed: %s", firstFailed.ID, firstFailed.Error))
		return
	}
	if !allTerminal {
		// No ready task, no failure, not all terminal: the graph is wedged.
		s.failJob(ctx, job.ID, apperrors.New(apperrors.KindInternal, "no task ready and job not terminal"))
		return
	}
	s.finishJob(ctx, job.ID, buildResult(job))
}

// buildResult aggregates task results: the final task's payload becomes the
// job output, every task result stays addressable by id.
func buildResult(job *models.Job) map[string]interface{} {
	perTask := make(map[string]interface{})
	var output map[string]interface{}
	g, err := graph.FromJob(job)
	order := job.TaskOrder
	if err == nil {
		if topo, terr := g.TopoOrder(); terr == nil {
			order = topo
		}
	}
	for _, id := range order {
		task := job.Task(id)
		if task == nil || task.Result == nil {
			continue
		}
		perTask[id] = task.Result
		if task.Status == models.TaskStatusDone {
			output = task.Result
		}
	}
	result := map[string]interface{}{"tasks": perTask}
	if output != nil {
		result["output"] = output
	}
	return result
}

// finishJob transitions a job to done.
func (s *Service) finishJob(ctx context.Context, jobID string, result map[string]interface{}) {
	if result != nil {
		if err := s.store.SetJobResult(ctx, jobID, result); err != nil {
			s.log.WithJobID(jobID).Error("failed to store job result", zap.Error(err))
		}
	}
	if _, err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusDone, ""); err != nil {
		s.log.WithJobID(jobID).Error("failed to complete job", zap.Error(err))
		return
	}
	s.recordAudit(ctx, audit.Entry(jobID, audit.ActionJobCompleted, "done", nil))
	s.publish(ctx, events.JobCompleted, jobID, map[string]interface{}{"result": result})
}

// failJob transitions a job to failed with the given cause.
func (s *Service) failJob(ctx context.Context, jobID string, cause error) {
	if _, err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, cause.Error()); err != nil {
		s.log.WithJobID(jobID).Error("failed to fail job", zap.Error(err))
		return
	}
	s.recordAudit(ctx, audit.Entry(jobID, audit.ActionJobFailed, "failed", map[string]interface{}{
		"error": cause.Error(),
		"kind":  string(apperrors.KindOf(cause)),
	}))
	s.publish(ctx, events.JobFailed, jobID, map[string]interface{}{"error": cause.Error()})
}

// settleInterrupted handles a runner whose context ended: cancellation and
// job timeout both land here. State writes use a fresh context since the
// runner's own is already dead.
func (s *Service) settleInterrupted(runnerCtx context.Context, jobID string, log *logger.Logger) {
	ctx := context.Background()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("failed to load job after interrupt", zap.Error(err))
		return
	}

	switch {
	case job.Status == models.JobStatusCancelled:
		// Cancel endpoint already transitioned the job; settle the tasks.
		s.failRunningTasks(ctx, job, "cancelled")
		s.recordAudit(ctx, audit.Entry(jobID, audit.ActionJobCancelled, "cancelled", nil))
		s.publish(ctx, events.JobCancelled, jobID, nil)

	case job.Status == models.JobStatusRunning && stderrors.Is(runnerCtx.Err(), context.DeadlineExceeded):
		s.failRunningTasks(ctx, job, "job timeout")
		s.failJob(ctx, jobID, apperrors.New(apperrors.KindTimeout, "job wall-clock timeout exceeded"))

	default:
		// Process shutdown: leave the job running, a future runner resumes it.
	}
}

// failRunningTasks marks in-flight tasks failed with the given reason. Their
// late replies, if any, are still recorded in the audit trail.
func (s *Service) failRunningTasks(ctx context.Context, job *models.Job, reason string) {
	for _, task := range job.OrderedTasks() {
		if task.Status != models.TaskStatusRunning {
			continue
		}
		if err := s.store.UpdateTaskStatus(ctx, job.ID, task.ID, models.TaskStatusFailed, nil, reason); err != nil {
			s.log.WithJobID(job.ID).WithTaskID(task.ID).Error("failed to settle task", zap.Error(err))
		}
	}
}

// runHandoff drives a workflow-handoff job: the whole chain is embedded in
// the first request, agents hand off to each other, and the orchestrator
// waits for the final reply carrying the accumulated trace.
func (s *Service) runHandoff(ctx context.Context, job *models.Job, log *logger.Logger) {
	g, err := graph.FromJob(job)
	if err != nil {
		s.failJob(ctx, job.ID, apperrors.Wrap(err, "invalid handoff plan"))
		return
	}
	order, err := g.TopoOrder()
	if err != nil {
		s.failJob(ctx, job.ID, apperrors.Wrap(err, "invalid handoff plan"))
		return
	}

	// Resolve every step's agent up front; a chain with an unresolvable
	// step never starts.
	steps := make([]protocol.WorkflowStep, 0, len(order))
	for _, id := range order {
		task := job.Task(id)
		agent, err := s.registry.SelectForCapability(capabilityFor(task))
		if err != nil {
			s.failJob(ctx, job.ID, apperrors.Newf(apperrors.KindAgentUnavailable,
				"no agent for handoff step %s (%s)", id, capabilityFor(task)))
			return
		}
		steps = append(steps, protocol.WorkflowStep{
			Agent:   agent.URI,
			Intent:  intentFor(task),
			Payload: task.Payload,
		})
	}

	trace, err := s.dispatcher.DispatchWorkflow(ctx, job, order, steps)
	if err != nil {
		if ctx.Err() != nil {
			s.settleInterrupted(ctx, job.ID, log)
			return
		}
		s.failJob(ctx, job.ID, err)
		return
	}

	// Reconstruct per-step state and audit from the returned trace.
	failed := false
	for i, entry := range trace {
		if i >= len(order) {
			break
		}
		taskID := order[i]
		s.recordAudit(ctx, audit.Entry(job.ID, audit.ActionWorkflowStep, entry.Status, map[string]interface{}{
			"task_id": taskID,
			"step":    entry.Step,
			"agent":   entry.Agent,
			"error":   entry.Error,
		}))
		status := models.TaskStatusDone
		if entry.Status != "done" {
			status = models.TaskStatusFailed
			failed = true
		}
		if err := s.store.UpdateTaskStatus(ctx, job.ID, taskID, status, entry.Result, entry.Error); err != nil {
			log.Error("failed to apply trace entry", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	for i := len(trace); i < len(order); i++ {
		_ = s.store.UpdateTaskStatus(ctx, job.ID, order[i], models.TaskStatusSkipped, nil, "chain aborted")
		failed = true
	}

	if failed {
		s.failJob(ctx, job.ID, apperrors.New(apperrors.KindAgentFailure, "workflow chain did not complete"))
		return
	}

	job, err = s.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Error("failed to re-read job after handoff", zap.Error(err))
		return
	}
	s.finishJob(ctx, job.ID, buildResult(job))
}
