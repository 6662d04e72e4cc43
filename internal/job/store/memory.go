package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentrix/agentrix/internal/job/models"
)

// MemoryStore provides in-memory job storage. It is used by tests and by
// single-process demo deployments; durability comes from the SQL store.
type MemoryStore struct {
	jobs     map[string]*models.Job
	messages map[string]*models.StoredMessage
	byConv   map[string][]string // conversation id -> message ids in order
	jobLocks map[string]*sync.Mutex
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*models.Job),
		messages: make(map[string]*models.StoredMessage),
		byConv:   make(map[string][]string),
		jobLocks: make(map[string]*sync.Mutex),
	}
}

// jobLock returns the per-job mutex, creating it on first use. It serializes
// task updates within one job.
func (s *MemoryStore) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.jobLocks[jobID] = lock
	}
	return lock
}

// cloneJob deep-copies a job so callers never share mutable state with the
// store.
func cloneJob(job *models.Job) *models.Job {
	data, _ := json.Marshal(job)
	var clone models.Job
	_ = json.Unmarshal(data, &clone)
	return &clone
}

// SaveJob stores the job, preserving the original creation time on
// overwrite.
func (s *MemoryStore) SaveJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := cloneJob(job)
	if existing, ok := s.jobs[job.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = clone
	return nil
}

// GetJob returns the full job including its task map.
func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs newest-first with optional status filtering.
func (s *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	result := make([]*models.Job, 0, len(matched))
	for _, job := range matched {
		result = append(result, cloneJob(job))
	}
	return result, total, nil
}

// UpdateJobStatus atomically transitions the job status.
func (s *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) (*models.Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if !models.ValidJobTransition(job.Status, status) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Status, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	job.Status = status
	job.Error = errMsg
	if status == models.JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	return cloneJob(job), nil
}

// SetJobResult records the aggregated result payload.
func (s *MemoryStore) SetJobResult(ctx context.Context, jobID string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	job.Result = result
	return nil
}

// UpdateTaskStatus atomically updates one task within a job; the per-job
// lock guarantees at most one task status change is applied at a time.
func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, jobID, taskID string, status models.TaskStatus, result map[string]interface{}, errMsg string) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	task := job.Task(taskID)
	if task == nil {
		return fmt.Errorf("task %s in job %s: %w", taskID, jobID, ErrNotFound)
	}
	// A done task never leaves done within the same attempt.
	if task.Status == models.TaskStatusDone && status != models.TaskStatusDone {
		return fmt.Errorf("task %s in job %s is done: %w", taskID, jobID, ErrInvalidTransition)
	}

	task.Status = status
	task.Error = errMsg
	if result != nil {
		task.Result = result
	}
	return nil
}

// IncrementTaskAttempt bumps a task's attempt count.
func (s *MemoryStore) IncrementTaskAttempt(ctx context.Context, jobID, taskID string) (int, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	task := job.Task(taskID)
	if task == nil {
		return 0, fmt.Errorf("task %s in job %s: %w", taskID, jobID, ErrNotFound)
	}
	task.AttemptCount++
	return task.AttemptCount, nil
}

// ResetForRetry prepares a failed job for another attempt.
func (s *MemoryStore) ResetForRetry(ctx context.Context, jobID string) (*models.Job, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if job.Status != models.JobStatusFailed {
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be retried: %w", jobID, job.Status, ErrInvalidTransition)
	}
	if job.RetryCount >= job.MaxRetries {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrRetriesExhausted)
	}

	job.RetryCount++
	job.Status = models.JobStatusPending
	job.Error = ""
	job.CompletedAt = nil
	for _, task := range job.Tasks {
		if task.Status == models.TaskStatusFailed || task.Status == models.TaskStatusSkipped || task.Status == models.TaskStatusRunning {
			task.Status = models.TaskStatusPending
			task.Error = ""
		}
	}
	return cloneJob(job), nil
}

// SaveMessage persists an envelope; duplicate message ids are a no-op.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *models.StoredMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.MessageID]; exists {
		return false, nil
	}
	clone := *msg
	if clone.ReceivedAt.IsZero() {
		clone.ReceivedAt = time.Now().UTC()
	}
	s.messages[msg.MessageID] = &clone
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.MessageID)
	return true, nil
}

// GetMessage returns a stored message by message id.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (*models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	clone := *msg
	return &clone, nil
}

// ListMessages returns the conversation's messages in receive order.
func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	result := make([]*models.StoredMessage, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			clone := *msg
			result = append(result, &clone)
		}
	}
	return result, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
