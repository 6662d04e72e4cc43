// Package audit records the immutable trail of state-affecting orchestration
// events: dispatches, replies, policy denials, retries and cancellations.
// Entries are append-only; nothing in the system updates or deletes them.
package audit

import (
	"context"
	"time"

	"github.com/agentrix/agentrix/internal/job/models"
)

// Well-known audit actions.
const (
	ActionJobSubmitted  = "job-submitted"
	ActionJobStarted    = "job-started"
	ActionJobCompleted  = "job-completed"
	ActionJobFailed     = "job-failed"
	ActionJobCancelled  = "job-cancelled"
	ActionJobRetried    = "job-retried"
	ActionTaskDispatch  = "task-dispatch"
	ActionTaskDone      = "task-done"
	ActionTaskFailed    = "task-failed"
	ActionTaskSkipped   = "task-skipped"
	ActionTaskRetry     = "task-retry"
	ActionPolicyDenied  = "policy-denied"
	ActionAgentRefused  = "agent-refused"
	ActionLateReply     = "late-reply"
	ActionWorkflowStep  = "workflow-step"
	ActionPlanGenerated = "plan-generated"
)

// Log is the append-only audit trail.
type Log interface {
	// Record appends one entry; the implementation stamps the timestamp if
	// the caller left it zero.
	Record(ctx context.Context, entry *models.AuditEntry) error

	// List returns a job's entries in record order.
	List(ctx context.Context, jobID string) ([]*models.AuditEntry, error)

	Close() error
}

// Entry builds an audit entry with the timestamp stamped.
func Entry(jobID, action, status string, detail map[string]interface{}) *models.AuditEntry {
	return &models.AuditEntry{
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
		Detail:    detail,
	}
}
