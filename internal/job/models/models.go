// Package models defines the job and task records owned by the job store.
package models

import (
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions except
// an operator-triggered retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidJobTransition enforces the job status machine:
//
//	pending → running → done | failed | cancelled
//	pending → cancelled            (cancelled before first dispatch)
//	failed  → pending              (operator retry)
func ValidJobTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled || to == JobStatusFailed || to == JobStatusDone
	case JobStatusRunning:
		return to == JobStatusDone || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusFailed:
		return to == JobStatusPending
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of one task within a job.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusReady   TaskStatus = "ready"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusSkipped TaskStatus = "skipped"
)

// Terminal reports whether the task status admits no further transitions
// within the current attempt.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// ActionKind enumerates the closed set of task actions a plan may contain.
type ActionKind string

const (
	ActionOpenApp      ActionKind = "open-app"
	ActionClick        ActionKind = "click"
	ActionType         ActionKind = "type"
	ActionWaitFor      ActionKind = "wait-for"
	ActionWebScript    ActionKind = "web-script"
	ActionUIAutomation ActionKind = "ui-automation"
	ActionSendMail     ActionKind = "send-mail"
	ActionCallAgent    ActionKind = "call-agent"
	ActionGenericTool  ActionKind = "generic-tool"
)

var validActions = map[ActionKind]bool{
	ActionOpenApp: true, ActionClick: true, ActionType: true,
	ActionWaitFor: true, ActionWebScript: true, ActionUIAutomation: true,
	ActionSendMail: true, ActionCallAgent: true, ActionGenericTool: true,
}

// Valid reports whether k is a defined action kind.
func (k ActionKind) Valid() bool {
	return validActions[k]
}

// DesktopAction reports whether the action targets the desktop automation
// surface and is therefore subject to the allowed-application policy.
func (k ActionKind) DesktopAction() bool {
	switch k {
	case ActionOpenApp, ActionClick, ActionType, ActionUIAutomation:
		return true
	default:
		return false
	}
}

// Task is one node in a job's task graph.
type Task struct {
	ID           string                 `json:"id"`
	Action       ActionKind             `json:"action"`
	Target       string                 `json:"target"`          // selector for the action's subject
	Text         string                 `json:"text,omitempty"`  // optional text/payload
	Payload      map[string]interface{} `json:"payload,omitempty"`
	TimeoutSecs  int                    `json:"timeout_secs,omitempty"`
	DependsOn    []string               `json:"depends_on,omitempty"`
	Status       TaskStatus             `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	AttemptCount int                    `json:"attempt_count"`
	// Fallback marks a task that still runs when its dependency failed
	// instead of being skipped with the rest of the branch.
	Fallback bool `json:"fallback,omitempty"`
}

// Timeout returns the task timeout as a duration; fallback is applied by the
// dispatcher when zero.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSecs) * time.Second
}

// PlanMode selects how a job's plan is driven.
type PlanMode string

const (
	// PlanModeOrchestrated - the orchestrator loop drives every step.
	PlanModeOrchestrated PlanMode = "orchestrated"
	// PlanModeHandoff - the first agent receives the whole chain as a
	// workflow context and agents hand off to each other directly.
	PlanModeHandoff PlanMode = "handoff"
)

// Job is the unit of work requested by a user.
type Job struct {
	ID          string                 `json:"id"`
	Intent      string                 `json:"intent"`
	Status      JobStatus              `json:"status"`
	Mode        PlanMode               `json:"mode"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Tasks       map[string]*Task       `json:"tasks"`
	TaskOrder   []string               `json:"task_order"` // insertion order of task ids
	Reasoning   string                 `json:"reasoning,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Task returns the task with the given id, or nil.
func (j *Job) Task(id string) *Task {
	if j.Tasks == nil {
		return nil
	}
	return j.Tasks[id]
}

// OrderedTasks returns the tasks in insertion order.
func (j *Job) OrderedTasks() []*Task {
	tasks := make([]*Task, 0, len(j.TaskOrder))
	for _, id := range j.TaskOrder {
		if t := j.Tasks[id]; t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

// AllTasksDone reports whether every task reached done.
func (j *Job) AllTasksDone() bool {
	for _, t := range j.Tasks {
		if t.Status != TaskStatusDone {
			return false
		}
	}
	return true
}

// AuditEntry is one immutable record of a state-affecting event.
type AuditEntry struct {
	ID        int64                  `json:"id,omitempty"`
	JobID     string                 `json:"job_id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"` // e.g. dispatch, task-done, retry
	Status    string                 `json:"status"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Evidence  string                 `json:"evidence,omitempty"` // content hash or file reference
}

// StoredMessage is a persisted envelope, kept for replay and correlation.
type StoredMessage struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	InReplyTo      string    `json:"in_reply_to,omitempty"`
	Type           string    `json:"type"`
	Sender         string    `json:"sender"`
	Intent         string    `json:"intent"`
	TaskID         string    `json:"task_id,omitempty"` // task the message belongs to, if any
	Direction      string    `json:"direction"`         // outbound, inbound
	Raw            []byte    `json:"raw"`               // full envelope JSON
	ReceivedAt     time.Time `json:"received_at"`
}
