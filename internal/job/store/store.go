// Package store persists jobs, tasks and messages. It is the single owner
// of the durable job representation; the queue and the orchestrator loop
// hold only job ids.
package store

import (
	"context"
	"errors"

	"github.com/agentrix/agentrix/internal/job/models"
)

// Common errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetriesExhausted  = errors.New("retry limit reached")
)

// ListFilter narrows and pages job listings.
type ListFilter struct {
	Status models.JobStatus // empty matches all
	Limit  int
	Offset int
}

// Store is the durable job store contract. Implementations must serialize
// concurrent task updates to the same job so at most one task status change
// is applied at a time.
type Store interface {
	// SaveJob is idempotent on job id: repeated saves overwrite in place
	// without changing the creation time.
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob returns the full job including its current task map.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs supports status filtering and stable newest-first ordering.
	// The returned total counts all matches regardless of paging.
	ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, int, error)

	// UpdateJobStatus atomically transitions the job. The first transition
	// to running stamps started_at; terminal transitions stamp completed_at.
	// Illegal transitions return ErrInvalidTransition.
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) (*models.Job, error)

	// SetJobResult records the aggregated result payload.
	SetJobResult(ctx context.Context, jobID string, result map[string]interface{}) error

	// UpdateTaskStatus atomically updates one task within a job.
	UpdateTaskStatus(ctx context.Context, jobID, taskID string, status models.TaskStatus, result map[string]interface{}, errMsg string) error

	// IncrementTaskAttempt bumps a task's attempt count and returns the new
	// value.
	IncrementTaskAttempt(ctx context.Context, jobID, taskID string) (int, error)

	// ResetForRetry prepares a failed job for another run: failed and
	// skipped tasks return to pending, the job returns to pending, and
	// retry_count is incremented. ErrRetriesExhausted when the budget is
	// spent; history (attempt counts, messages, audit) is preserved.
	ResetForRetry(ctx context.Context, jobID string) (*models.Job, error)

	// SaveMessage persists an envelope for replay and correlation. Returns
	// false when the message id was already stored (idempotent re-delivery).
	SaveMessage(ctx context.Context, msg *models.StoredMessage) (bool, error)

	// GetMessage returns a stored message by message id.
	GetMessage(ctx context.Context, messageID string) (*models.StoredMessage, error)

	// ListMessages returns all messages of a conversation in receive order.
	ListMessages(ctx context.Context, conversationID string) ([]*models.StoredMessage, error)

	// Ping reports store health for the /health endpoint.
	Ping(ctx context.Context) error

	Close() error
}
