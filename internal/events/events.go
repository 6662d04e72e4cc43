// Package events defines the event subjects used by the orchestrator.
package events

// Event types for jobs.
const (
	JobSubmitted = "job.submitted"
	JobStarted   = "job.started"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"
)

// Event types for tasks.
const (
	TaskDispatched = "task.dispatched"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
)

// Event types for agent replies.
const (
	ReplyReceived = "reply.received"
)

// BuildReplySubject creates the reply notification subject for a job.
// The orchestrator loop for that job subscribes here; the intake API
// publishes here when an agent reply lands.
func BuildReplySubject(jobID string) string {
	return "job." + jobID + ".reply"
}

// BuildCancelSubject creates the cancellation subject for a job. Published
// on every cancel so the process that owns the runner stops it even when the
// DELETE landed elsewhere.
func BuildCancelSubject(jobID string) string {
	return "job." + jobID + ".cancel"
}

// BuildReplyWildcardSubject subscribes to reply notifications for all jobs.
func BuildReplyWildcardSubject() string {
	return "job.*.reply"
}

// BuildCancelWildcardSubject subscribes to cancellations for all jobs.
func BuildCancelWildcardSubject() string {
	return "job.*.cancel"
}
