package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentrix/agentrix/internal/audit"
	"github.com/agentrix/agentrix/internal/common/config"
	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/common/logger"
	"github.com/agentrix/agentrix/internal/events"
	"github.com/agentrix/agentrix/internal/events/bus"
	"github.com/agentrix/agentrix/internal/job/models"
	"github.com/agentrix/agentrix/internal/job/store"
	"github.com/agentrix/agentrix/internal/policy"
	"github.com/agentrix/agentrix/internal/protocol"
	"github.com/agentrix/agentrix/internal/registry"
)

// Dispatcher delivers ready tasks to agents: it selects an agent per task,
// gates it through policy, sends the request envelope over HTTP and
// interprets the reply. Every exchange lands in the message store and the
// audit log.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	registry *registry.Registry
	policy   *policy.Engine
	store    store.Store
	audit    audit.Log
	evidence *audit.EvidenceStore
	bus      bus.EventBus
	replies  *replyTracker
	client   *http.Client
	log      *logger.Logger
}

// NewDispatcher wires the dispatcher. The HTTP client carries no global
// timeout; per-request deadlines come from the task or the configured
// default. evidence may be nil; task-failure dumps are skipped then.
func NewDispatcher(
	cfg config.DispatcherConfig,
	reg *registry.Registry,
	pol *policy.Engine,
	st store.Store,
	auditLog audit.Log,
	evidence *audit.EvidenceStore,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		registry: reg,
		policy:   pol,
		store:    st,
		audit:    auditLog,
		evidence: evidence,
		bus:      eventBus,
		replies:  newReplyTracker(),
		client:   &http.Client{},
		log:      log,
	}
}

// Replies exposes the tracker so the intake path can resolve async replies.
func (d *Dispatcher) Replies() *replyTracker {
	return d.replies
}

// capabilityFor maps a task to the capability tag used for agent selection.
// call-agent tasks name the capability directly in their target; every
// other action kind is itself the capability.
func capabilityFor(task *models.Task) string {
	if task.Action == models.ActionCallAgent {
		return task.Target
	}
	return string(task.Action)
}

// intentFor is the intent label on the outgoing request envelope.
func intentFor(task *models.Task) string {
	return capabilityFor(task)
}

// DispatchBatch runs one task dispatch per ready task concurrently and
// waits for all of them. Individual task failures are recorded on the task,
// not returned; only context cancellation aborts the batch.
func (d *Dispatcher) DispatchBatch(ctx context.Context, job *models.Job, taskIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range taskIDs {
		task := job.Task(id)
		if task == nil {
			continue
		}
		g.Go(func() error {
			d.DispatchTask(ctx, job, task)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// DispatchTask drives one task to a terminal state for this scheduling
// round: done, failed, or pending again if the job is being cancelled. The
// outcome is persisted; callers re-read the job afterwards.
func (d *Dispatcher) DispatchTask(ctx context.Context, job *models.Job, task *models.Task) {
	log := d.log.WithJobID(job.ID).WithTaskID(task.ID)

	if err := d.policy.CheckTask(task); err != nil {
		log.Warn("task denied by policy", zap.Error(err))
		d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionPolicyDenied, "denied", map[string]interface{}{
			"task_id": task.ID,
			"reason":  err.Error(),
		}))
		d.failTask(ctx, job, task, err)
		return
	}

	err := d.attemptLoop(ctx, job, task, log)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Cancellation: leave the task as-is, the loop settles final state.
		return
	}
	d.failTask(ctx, job, task, err)
}

// attemptLoop retries retryable dispatch failures with exponential backoff
// and jitter until the attempt budget is spent.
func (d *Dispatcher) attemptLoop(ctx context.Context, job *models.Job, task *models.Task, log *logger.Logger) error {
	limit := d.cfg.TaskRetryLimit
	if limit <= 0 {
		limit = 1
	}

	var lastErr error
	for {
		attempt, err := d.store.IncrementTaskAttempt(ctx, job.ID, task.ID)
		if err != nil {
			return apperrors.Wrap(err, "failed to record task attempt")
		}

		lastErr = d.attemptOnce(ctx, job, task, log)
		if lastErr == nil {
			return nil
		}

		var app *apperrors.AppError
		retryable := stderrors.As(lastErr, &app) && app.Retryable()
		if !retryable || attempt >= limit {
			return lastErr
		}

		delay := d.backoff(attempt)
		log.Warn("task attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))
		d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionTaskRetry, "retrying", map[string]interface{}{
			"task_id": task.ID,
			"attempt": attempt,
			"error":   lastErr.Error(),
		}))

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}

// backoff is exponential in the attempt number with up to 25% jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.cfg.RetryBackoffBaseDuration()
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	delay := base << (attempt - 1)
	if max := 30 * time.Second; delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// attemptOnce performs one full dispatch attempt: agent selection, request
// build, send, reply interpretation.
func (d *Dispatcher) attemptOnce(ctx context.Context, job *models.Job, task *models.Task, log *logger.Logger) error {
	agent, err := d.selectAgent(ctx, task)
	if err != nil {
		return err
	}
	log = log.WithAgentID(agent.URI)

	env := d.buildRequest(job, task, agent)
	if err := d.persistOutbound(ctx, job.ID, task.ID, env); err != nil {
		return err
	}

	d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionTaskDispatch, "running", map[string]interface{}{
		"task_id":    task.ID,
		"agent":      agent.URI,
		"message_id": env.ID,
	}))
	d.publish(ctx, events.TaskDispatched, map[string]interface{}{
		"job_id": job.ID, "task_id": task.ID, "agent": agent.URI,
	})

	if err := d.store.UpdateTaskStatus(ctx, job.ID, task.ID, models.TaskStatusRunning, nil, ""); err != nil {
		return apperrors.Wrap(err, "failed to mark task running")
	}
	task.Status = models.TaskStatusRunning

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeoutDuration()
	}

	d.registry.MarkBusy(agent.URI)
	reply, err := d.exchange(ctx, agent, env, timeout)
	if err != nil {
		return err
	}
	d.registry.MarkSeen(agent.URI)

	return d.applyReply(ctx, job, task, reply, log)
}

// selectAgent resolves the task's capability against the registry. When no
// agent covers it, the dispatcher waits for one to appear (registration is
// dynamic) up to the configured no-agent limit.
func (d *Dispatcher) selectAgent(ctx context.Context, task *models.Task) (*registry.Agent, error) {
	capability := capabilityFor(task)
	wait := d.cfg.RetryBackoffBaseDuration()
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}

	limit := d.cfg.NoAgentLimit
	if limit <= 0 {
		limit = 1
	}
	for i := 0; ; i++ {
		agent, err := d.registry.SelectForCapability(capability)
		if err == nil {
			return agent, nil
		}
		if i+1 >= limit {
			return nil, apperrors.Newf(apperrors.KindAgentUnavailable,
				"no agent for capability %q", capability)
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.KindCancelled, "dispatch cancelled")
		case <-time.After(wait):
		}
	}
}

// buildRequest assembles the request envelope for a task.
func (d *Dispatcher) buildRequest(job *models.Job, task *models.Task, agent *registry.Agent) *protocol.Envelope {
	payload := map[string]interface{}{
		"target": task.Target,
	}
	if task.Text != "" {
		payload["text"] = task.Text
	}
	for k, v := range task.Payload {
		payload[k] = v
	}
	payload["constraints"] = map[string]interface{}{
		"timeout_secs": task.TimeoutSecs,
	}

	env := protocol.NewRequest(d.cfg.OrchestratorURI, agent.URI, intentFor(task), job.ID, payload)
	env.Context = map[string]interface{}{
		"task_id": task.ID,
	}
	// Dependency results travel with the request so agents can chain.
	deps := make(map[string]interface{})
	for _, depID := range task.DependsOn {
		if dep := job.Task(depID); dep != nil && dep.Result != nil {
			deps[depID] = dep.Result
		}
	}
	if len(deps) > 0 {
		env.Context["dependencies"] = deps
	}
	return env
}

// exchange POSTs the envelope and returns the final reply. Agents answer
// either synchronously (reply envelope in the HTTP response body) or
// asynchronously (202 now, reply later through the intake API); both paths
// converge here.
func (d *Dispatcher) exchange(ctx context.Context, agent *registry.Agent, env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	waiter := d.replies.Expect(env.ID)
	defer d.replies.Forget(env.ID)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(env)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to encode request envelope")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build agent request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.registry.MarkUnavailable(agent.URI)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Newf(apperrors.KindTimeout, "agent %s did not respond in %s", agent.URI, timeout)
		}
		return nil, apperrors.Newf(apperrors.KindTransport, "agent %s unreachable: %v", agent.URI, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindTransport, "agent %s reply unreadable: %v", agent.URI, err)
		}
		reply, err := protocol.Parse(data)
		if err != nil {
			return nil, apperrors.Newf(apperrors.KindAgentFailure, "agent %s sent malformed reply: %v", agent.URI, err)
		}
		return reply, nil

	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		// Asynchronous path: the reply arrives through the intake API.
		// The waiter stays registered across agree/confirm progress acks,
		// so a terminal reply racing an ack is never dropped.
		for {
			select {
			case <-ctx.Done():
				return nil, apperrors.Newf(apperrors.KindTimeout, "agent %s reply not received in %s", agent.URI, timeout)
			case reply := <-waiter:
				if reply.Type.IsReply() {
					return reply, nil
				}
			}
		}

	default:
		d.registry.MarkUnavailable(agent.URI)
		return nil, apperrors.Newf(apperrors.KindTransport, "agent %s returned HTTP %d", agent.URI, resp.StatusCode)
	}
}

// applyReply maps the reply envelope onto the task outcome.
func (d *Dispatcher) applyReply(ctx context.Context, job *models.Job, task *models.Task, reply *protocol.Envelope, log *logger.Logger) error {
	if err := d.persistInbound(ctx, job.ID, task.ID, reply); err != nil {
		log.Warn("failed to persist reply", zap.Error(err))
	}

	switch reply.Type {
	case protocol.TypeDone, protocol.TypeInform:
		// An ethics verdict is only an approval when allowed is true; any
		// other inform aborts the branch as a policy failure.
		if capabilityFor(task) == "ethics-check" {
			if allowed, ok := reply.Payload["allowed"].(bool); !ok || !allowed {
				d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionPolicyDenied, "denied", map[string]interface{}{
					"task_id":    task.ID,
					"violations": reply.Payload["violations"],
				}))
				return apperrors.Newf(apperrors.KindPolicyDenied,
					"ethics check denied intent: %v", reply.Payload["violations"])
			}
		}
		if err := d.store.UpdateTaskStatus(ctx, job.ID, task.ID, models.TaskStatusDone, reply.Payload, ""); err != nil {
			return apperrors.Wrap(err, "failed to mark task done")
		}
		task.Status = models.TaskStatusDone
		task.Result = reply.Payload
		d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionTaskDone, "done", map[string]interface{}{
			"task_id":    task.ID,
			"message_id": reply.ID,
		}))
		d.publish(ctx, events.TaskCompleted, map[string]interface{}{
			"job_id": job.ID, "task_id": task.ID,
		})
		return nil

	case protocol.TypeRefuse:
		d.recordAudit(ctx, audit.Entry(job.ID, audit.ActionAgentRefused, "refused", map[string]interface{}{
			"task_id": task.ID,
			"reason":  reply.FailureReason(),
		}))
		if capabilityFor(task) == "ethics-check" {
			return apperrors.Newf(apperrors.KindPolicyDenied, "ethics check refused: %s", reply.FailureReason())
		}
		return apperrors.Newf(apperrors.KindAgentRefused, "agent refused: %s", reply.FailureReason())

	case protocol.TypeFailure:
		return apperrors.Newf(apperrors.KindAgentFailure, "agent failed: %s", reply.FailureReason())

	default:
		return apperrors.Newf(apperrors.KindAgentFailure,
			"unexpected reply type %q for task %s", reply.Type, task.ID)
	}
}

// failTask settles a task as failed and publishes the failure. The failing
// task's state is dumped to the evidence store so the audit entry carries a
// durable reference to what was attempted.
func (d *Dispatcher) failTask(ctx context.Context, job *models.Job, task *models.Task, cause error) {
	if err := d.store.UpdateTaskStatus(ctx, job.ID, task.ID, models.TaskStatusFailed, nil, cause.Error()); err != nil {
		d.log.WithJobID(job.ID).WithTaskID(task.ID).Error("failed to mark task failed", zap.Error(err))
	}
	task.Status = models.TaskStatusFailed
	task.Error = cause.Error()

	entry := audit.Entry(job.ID, audit.ActionTaskFailed, "failed", map[string]interface{}{
		"task_id": task.ID,
		"error":   cause.Error(),
	})
	if ref, err := d.dumpEvidence(job, task, cause); err != nil {
		d.log.WithJobID(job.ID).WithTaskID(task.ID).Warn("failed to store task evidence", zap.Error(err))
	} else {
		entry.Evidence = ref
	}

	d.recordAudit(ctx, entry)
	d.publish(ctx, events.TaskFailed, map[string]interface{}{
		"job_id": job.ID, "task_id": task.ID, "error": cause.Error(),
	})
}

// dumpEvidence writes a JSON snapshot of the failed task. Returns the empty
// reference when no evidence store is configured.
func (d *Dispatcher) dumpEvidence(job *models.Job, task *models.Task, cause error) (string, error) {
	if d.evidence == nil {
		return "", nil
	}
	snapshot, err := json.Marshal(map[string]interface{}{
		"job_id":   job.ID,
		"task_id":  task.ID,
		"action":   task.Action,
		"target":   task.Target,
		"payload":  task.Payload,
		"attempts": task.AttemptCount,
		"error":    cause.Error(),
	})
	if err != nil {
		return "", err
	}
	return d.evidence.Put(snapshot, "json")
}

// CallCapability sends a one-off request to an agent selected by capability
// and returns the reply payload. It backs the planner's agent strategy and
// carries no task or job state.
func (d *Dispatcher) CallCapability(ctx context.Context, capability, intent string, payload map[string]interface{}) (map[string]interface{}, error) {
	agent, err := d.registry.SelectForCapability(capability)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindAgentUnavailable, "no agent for capability %q", capability)
	}

	env := protocol.NewRequest(d.cfg.OrchestratorURI, agent.URI, intent, "", payload)
	reply, err := d.exchange(ctx, agent, env, d.cfg.DefaultTimeoutDuration())
	if err != nil {
		return nil, err
	}
	d.registry.MarkSeen(agent.URI)

	switch reply.Type {
	case protocol.TypeInform, protocol.TypeDone:
		return reply.Payload, nil
	case protocol.TypeRefuse:
		return nil, apperrors.Newf(apperrors.KindAgentRefused, "agent refused: %s", reply.FailureReason())
	default:
		return nil, apperrors.Newf(apperrors.KindAgentFailure, "agent failed: %s", reply.FailureReason())
	}
}

func (d *Dispatcher) persistOutbound(ctx context.Context, jobID, taskID string, env *protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode envelope")
	}
	_, err = d.store.SaveMessage(ctx, &models.StoredMessage{
		MessageID:      env.ID,
		ConversationID: env.Correlation.ConversationID,
		Type:           string(env.Type),
		Sender:         env.Sender,
		Intent:         env.Intent,
		TaskID:         taskID,
		Direction:      "outbound",
		Raw:            raw,
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to persist outbound message")
	}
	return nil
}

func (d *Dispatcher) persistInbound(ctx context.Context, jobID, taskID string, env *protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = d.store.SaveMessage(ctx, &models.StoredMessage{
		MessageID:      env.ID,
		ConversationID: env.Correlation.ConversationID,
		InReplyTo:      env.Correlation.InReplyTo,
		Type:           string(env.Type),
		Sender:         env.Sender,
		Intent:         env.Intent,
		TaskID:         taskID,
		Direction:      "inbound",
		Raw:            raw,
	})
	return err
}

func (d *Dispatcher) recordAudit(ctx context.Context, entry *models.AuditEntry) {
	if err := d.audit.Record(ctx, entry); err != nil {
		d.log.Error("failed to record audit entry", zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if d.bus == nil {
		return
	}
	subject := eventType
	if jobID, ok := data["job_id"].(string); ok {
		subject = fmt.Sprintf("%s.%s", eventType, jobID)
	}
	if err := d.bus.Publish(ctx, subject, bus.NewEvent(eventType, "dispatcher", data)); err != nil {
		d.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
