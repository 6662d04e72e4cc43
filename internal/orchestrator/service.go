// Package orchestrator drives jobs from intake to terminal state: a queue
// consumer starts one runner per job, runners advance task graphs through
// the dispatcher, and agent replies flow back in through the reply tracker.
package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrix/agentrix/internal/audit"
	"github.com/agentrix/agentrix/internal/common/config"
	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/common/logger"
	"github.com/agentrix/agentrix/internal/events"
	"github.com/agentrix/agentrix/internal/events/bus"
	"github.com/agentrix/agentrix/internal/job/graph"
	"github.com/agentrix/agentrix/internal/job/models"
	"github.com/agentrix/agentrix/internal/job/queue"
	"github.com/agentrix/agentrix/internal/job/store"
	"github.com/agentrix/agentrix/internal/planner"
	"github.com/agentrix/agentrix/internal/policy"
	"github.com/agentrix/agentrix/internal/protocol"
	"github.com/agentrix/agentrix/internal/registry"
)

// Service owns the orchestration lifecycle: job intake, the scheduling
// loop, cancellation and reply ingestion.
type Service struct {
	cfg        *config.Config
	store      store.Store
	queue      *queue.JobQueue
	registry   *registry.Registry
	policy     *policy.Engine
	planner    planner.Planner
	dispatcher *Dispatcher
	audit      audit.Log
	bus        bus.EventBus
	log        *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires the orchestrator service.
func NewService(
	cfg *config.Config,
	st store.Store,
	jobQueue *queue.JobQueue,
	reg *registry.Registry,
	pol *policy.Engine,
	plan planner.Planner,
	dispatcher *Dispatcher,
	auditLog audit.Log,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		queue:      jobQueue,
		registry:   reg,
		policy:     pol,
		planner:    plan,
		dispatcher: dispatcher,
		audit:      auditLog,
		bus:        eventBus,
		log:        log,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start launches the scheduling loop and the bus feeds. It returns
// immediately; runners are spawned as jobs arrive.
func (s *Service) Start() {
	s.rootCtx, s.stop = context.WithCancel(context.Background())
	s.subscribeBus()
	s.wg.Add(1)
	go s.schedule()
	s.log.Info("orchestrator started",
		zap.Int("max_concurrent_jobs", s.cfg.Scheduler.MaxConcurrentJobs))
}

// subscribeBus wires the cross-process feeds. With several orchestrator
// processes behind one store, a reply or a cancel can land on any intake;
// the bus carries it to the process that holds the waiter or the runner.
func (s *Service) subscribeBus() {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Subscribe(events.BuildReplyWildcardSubject(), s.onReplyEvent); err != nil {
		s.log.Error("failed to subscribe to reply events", zap.Error(err))
	}
	if _, err := s.bus.Subscribe(events.BuildCancelWildcardSubject(), s.onCancelEvent); err != nil {
		s.log.Error("failed to subscribe to cancel events", zap.Error(err))
	}
}

// onReplyEvent settles the local waiter for a reply ingested by any process.
// The ingesting process already persisted and audited the envelope; here it
// only needs to reach the dispatcher that is waiting on it.
func (s *Service) onReplyEvent(ctx context.Context, event *bus.Event) error {
	raw, _ := event.Data["envelope"].(string)
	if raw == "" {
		return nil
	}
	env, err := protocol.Parse([]byte(raw))
	if err != nil {
		s.log.Warn("malformed envelope on reply subject", zap.Error(err))
		return nil
	}
	s.dispatcher.Replies().Resolve(env)
	return nil
}

// onCancelEvent stops the local runner for a job cancelled on any process.
func (s *Service) onCancelEvent(ctx context.Context, event *bus.Event) error {
	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		return nil
	}
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Stop shuts the scheduler down and waits for active runners to finish
// their current store writes.
func (s *Service) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.queue.Close()
	s.wg.Wait()
	s.log.Info("orchestrator stopped")
}

// schedule polls the queue and starts runners up to the concurrency bound.
func (s *Service) schedule() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Scheduler.PollIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			for s.activeRunners() < s.cfg.Scheduler.MaxConcurrentJobs {
				entry := s.queue.Dequeue()
				if entry == nil {
					break
				}
				s.startRunner(entry.JobID)
			}
		}
	}
}

func (s *Service) activeRunners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// startRunner spawns the driver goroutine for one job.
func (s *Service) startRunner(jobID string) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	if timeout := s.cfg.Scheduler.JobTimeoutDuration(); timeout > 0 {
		ctx, cancel = context.WithTimeout(s.rootCtx, timeout)
	}

	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, jobID)
			s.mu.Unlock()
		}()
		s.runJob(ctx, jobID)
	}()
}

// SubmitRequest is a job submission.
type SubmitRequest struct {
	Intent     string
	Params     map[string]interface{}
	Tasks      []*models.Task // optional explicit plan; skips the planner
	Mode       models.PlanMode
	MaxRetries int
	Sender     string
}

// SubmitJob validates, plans, persists and enqueues a new job.
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.Intent == "" {
		return nil, apperrors.ValidationError("intent", "must not be empty")
	}
	sender := req.Sender
	if sender == "" {
		sender = "anonymous"
	}
	if err := s.policy.CheckIntent(sender, req.Intent); err != nil {
		return nil, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.Scheduler.DefaultMaxRetries
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		Intent:     req.Intent,
		Status:     models.JobStatusPending,
		Mode:       models.PlanModeOrchestrated,
		Params:     req.Params,
		MaxRetries: maxRetries,
	}
	if req.Mode != "" {
		job.Mode = req.Mode
	}

	if len(req.Tasks) > 0 {
		if _, err := graph.FromTasks(req.Tasks); err != nil {
			return nil, apperrors.Newf(apperrors.KindValidation, "invalid task graph: %v", err)
		}
		job.Tasks = make(map[string]*models.Task, len(req.Tasks))
		job.TaskOrder = make([]string, 0, len(req.Tasks))
		for _, task := range req.Tasks {
			task.Status = models.TaskStatusPending
			job.Tasks[task.ID] = task
			job.TaskOrder = append(job.TaskOrder, task.ID)
		}
	} else {
		plan, err := s.planner.Plan(ctx, req.Intent, req.Params)
		if err != nil {
			return nil, err
		}
		plan.Apply(job)
		if req.Mode != "" {
			job.Mode = req.Mode
		}
		s.recordAudit(ctx, audit.Entry(job.ID, audit.ActionPlanGenerated, "planned", map[string]interface{}{
			"tasks":     len(job.Tasks),
			"reasoning": job.Reasoning,
		}))
	}

	if err := s.policy.CheckPlan(job); err != nil {
		return nil, err
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, apperrors.Wrap(err, "failed to persist job")
	}
	s.recordAudit(ctx, audit.Entry(job.ID, audit.ActionJobSubmitted, "pending", map[string]interface{}{
		"intent": job.Intent,
		"mode":   string(job.Mode),
	}))
	s.publish(ctx, events.JobSubmitted, job.ID, map[string]interface{}{"intent": job.Intent})

	if err := s.queue.Enqueue(job.ID); err != nil {
		return nil, apperrors.Wrap(err, "failed to enqueue job")
	}
	return s.store.GetJob(ctx, job.ID)
}

// CancelJob requests cooperative cancellation. It returns once the job
// status is transitioned; in-flight replies settle asynchronously.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("job", jobID)
		}
		return apperrors.Wrap(err, "failed to load job")
	}
	if job.Status == models.JobStatusCancelled {
		return nil // idempotent
	}
	if job.Status.Terminal() {
		return apperrors.Conflict("job " + jobID + " is already " + string(job.Status))
	}

	if _, err := s.store.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled, "cancelled by operator"); err != nil {
		return apperrors.Wrap(err, "failed to cancel job")
	}
	s.queue.Remove(jobID)

	// Signal every process: the runner may live behind another intake.
	s.publishSubject(ctx, events.BuildCancelSubject(jobID), events.JobCancelled, map[string]interface{}{
		"job_id": jobID,
	})

	s.mu.Lock()
	cancel, hasRunner := s.cancels[jobID]
	s.mu.Unlock()
	if hasRunner {
		// The runner observes the cancellation and settles tasks and audit.
		cancel()
		return nil
	}

	s.recordAudit(ctx, audit.Entry(jobID, audit.ActionJobCancelled, "cancelled", nil))
	s.publish(ctx, events.JobCancelled, jobID, nil)
	return nil
}

// RetryJob resets a failed job and puts it back on the queue. Completed
// tasks keep their results; failed and skipped tasks run again.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.store.ResetForRetry(ctx, jobID)
	if err != nil {
		switch {
		case stderrors.Is(err, store.ErrNotFound):
			return nil, apperrors.NotFound("job", jobID)
		case stderrors.Is(err, store.ErrRetriesExhausted):
			return nil, apperrors.Conflict("job " + jobID + " has no retries left")
		case stderrors.Is(err, store.ErrInvalidTransition):
			return nil, apperrors.Conflict("only failed jobs can be retried")
		default:
			return nil, apperrors.Wrap(err, "failed to reset job")
		}
	}

	s.recordAudit(ctx, audit.Entry(jobID, audit.ActionJobRetried, "pending", map[string]interface{}{
		"retry_count": job.RetryCount,
	}))
	if err := s.queue.Requeue(jobID); err != nil {
		return nil, apperrors.Wrap(err, "failed to requeue job")
	}
	return job, nil
}

// IngestReply accepts an agent reply envelope from the intake API. It is
// idempotent on message id. The reply is persisted, correlated to its
// outstanding request if one exists, and announced on the bus; a late or
// unsolicited reply only lands in the audit trail.
func (s *Service) IngestReply(ctx context.Context, env *protocol.Envelope) error {
	if !env.Type.IsReply() && env.Type != protocol.TypeAgree && env.Type != protocol.TypeConfirm {
		return apperrors.Newf(apperrors.KindValidation,
			"envelope type %q is not a reply", env.Type)
	}
	if env.Correlation.InReplyTo == "" {
		return apperrors.ValidationError("correlation.in_reply_to", "required on replies")
	}

	raw, err := env.MarshalJSON()
	if err != nil {
		return apperrors.Wrap(err, "failed to encode envelope")
	}
	created, err := s.store.SaveMessage(ctx, &models.StoredMessage{
		MessageID:      env.ID,
		ConversationID: env.Correlation.ConversationID,
		InReplyTo:      env.Correlation.InReplyTo,
		Type:           string(env.Type),
		Sender:         env.Sender,
		Intent:         env.Intent,
		Direction:      "inbound",
		Raw:            raw,
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to persist reply")
	}
	if !created {
		return nil // duplicate delivery, no-op
	}

	s.registry.MarkSeen(env.Sender)

	jobID := env.Correlation.ConversationID
	if resolved := s.dispatcher.Replies().Resolve(env); !resolved {
		s.recordAudit(ctx, audit.Entry(jobID, audit.ActionLateReply, "recorded", map[string]interface{}{
			"message_id":  env.ID,
			"in_reply_to": env.Correlation.InReplyTo,
			"sender":      env.Sender,
		}))
	}
	if jobID != "" {
		// The raw envelope travels with the event so a peer process holding
		// the waiter can settle it without re-reading the store.
		s.publishSubject(ctx, events.BuildReplySubject(jobID), events.ReplyReceived, map[string]interface{}{
			"job_id":     jobID,
			"message_id": env.ID,
			"envelope":   string(raw),
		})
	}
	return nil
}

// RegisterAgent handles a discover/offer handshake envelope: an agent
// announces itself with its endpoint and capabilities.
func (s *Service) RegisterAgent(ctx context.Context, env *protocol.Envelope) (*registry.Agent, error) {
	endpoint, _ := env.Payload["endpoint"].(string)
	var capabilities []string
	if raw, ok := env.Payload["capabilities"].([]interface{}); ok {
		for _, c := range raw {
			if tag, ok := c.(string); ok {
				capabilities = append(capabilities, tag)
			}
		}
	}

	agent := &registry.Agent{
		URI:          env.Sender,
		Endpoint:     endpoint,
		Capabilities: capabilities,
		Source:       registry.SourceDiscovery,
	}
	if err := s.registry.Register(agent); err != nil {
		return nil, apperrors.Newf(apperrors.KindValidation, "registration rejected: %v", err)
	}
	s.log.WithAgentID(env.Sender).Info("agent registered",
		zap.Strings("capabilities", capabilities))
	return agent, nil
}

// Health reports per-component status for the health endpoint.
func (s *Service) Health(ctx context.Context) map[string]string {
	components := map[string]string{
		"queue":    "ok",
		"registry": "ok",
	}
	if err := s.store.Ping(ctx); err != nil {
		components["store"] = "unavailable"
	} else {
		components["store"] = "ok"
	}
	if s.bus != nil && s.bus.IsConnected() {
		components["bus"] = "ok"
	} else {
		components["bus"] = "disconnected"
	}
	return components
}

// Stats is a snapshot of orchestrator load.
type Stats struct {
	QueueDepth         int `json:"queue_depth"`
	ActiveJobs         int `json:"active_jobs"`
	OutstandingReplies int `json:"outstanding_replies"`
	Agents             int `json:"agents"`
}

// Stats returns current load counters.
func (s *Service) Stats() Stats {
	return Stats{
		QueueDepth:         s.queue.Len(),
		ActiveJobs:         s.activeRunners(),
		OutstandingReplies: s.dispatcher.Replies().Outstanding(),
		Agents:             s.registry.Len(),
	}
}

func (s *Service) recordAudit(ctx context.Context, entry *models.AuditEntry) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.log.Error("failed to record audit entry", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType, jobID string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["job_id"] = jobID
	s.publishSubject(ctx, eventType+"."+jobID, eventType, data)
}

func (s *Service) publishSubject(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		s.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
