package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentrix/agentrix/internal/job/models"
)

// SQLStore persists jobs over sqlx. It supports the sqlite3 and pgx drivers;
// nested structures (tasks, params, result) are stored as JSON columns so
// the job row is the unit of atomicity.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database handle and initializes the schema.
// driver must be "sqlite3" or "pgx".
func NewSQLStore(db *sqlx.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	timestamp := "DATETIME"
	if s.driver == "pgx" {
		timestamp = "TIMESTAMPTZ"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		intent TEXT NOT NULL,
		status TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'orchestrated',
		params TEXT NOT NULL DEFAULT '{}',
		tasks TEXT NOT NULL DEFAULT '{}',
		task_order TEXT NOT NULL DEFAULT '[]',
		reasoning TEXT NOT NULL DEFAULT '',
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		created_at %[1]s NOT NULL,
		started_at %[1]s,
		completed_at %[1]s
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		in_reply_to TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		sender TEXT NOT NULL,
		intent TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		raw TEXT NOT NULL,
		received_at %[1]s NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, received_at);
	`, timestamp)

	_, err := s.db.Exec(schema)
	return err
}

// jobRow is the flat database representation of a job.
type jobRow struct {
	ID          string         `db:"id"`
	Intent      string         `db:"intent"`
	Status      string         `db:"status"`
	Mode        string         `db:"mode"`
	Params      string         `db:"params"`
	Tasks       string         `db:"tasks"`
	TaskOrder   string         `db:"task_order"`
	Reasoning   string         `db:"reasoning"`
	Result      sql.NullString `db:"result"`
	Error       string         `db:"error"`
	RetryCount  int            `db:"retry_count"`
	MaxRetries  int            `db:"max_retries"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func rowFromJob(job *models.Job) (*jobRow, error) {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	tasks, err := json.Marshal(job.Tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}
	order, err := json.Marshal(job.TaskOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task order: %w", err)
	}

	row := &jobRow{
		ID:         job.ID,
		Intent:     job.Intent,
		Status:     string(job.Status),
		Mode:       string(job.Mode),
		Params:     string(params),
		Tasks:      string(tasks),
		TaskOrder:  string(order),
		Reasoning:  job.Reasoning,
		Error:      job.Error,
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		CreatedAt:  job.CreatedAt,
	}
	if job.Result != nil {
		result, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		row.Result = sql.NullString{String: string(result), Valid: true}
	}
	if job.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: *job.StartedAt, Valid: true}
	}
	if job.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *job.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r *jobRow) toJob() (*models.Job, error) {
	job := &models.Job{
		ID:         r.ID,
		Intent:     r.Intent,
		Status:     models.JobStatus(r.Status),
		Mode:       models.PlanMode(r.Mode),
		Reasoning:  r.Reasoning,
		Error:      r.Error,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
		CreatedAt:  r.CreatedAt,
	}
	if r.Params != "" {
		if err := json.Unmarshal([]byte(r.Params), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params for job %s: %w", r.ID, err)
		}
	}
	if r.Tasks != "" {
		if err := json.Unmarshal([]byte(r.Tasks), &job.Tasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tasks for job %s: %w", r.ID, err)
		}
	}
	if r.TaskOrder != "" {
		if err := json.Unmarshal([]byte(r.TaskOrder), &job.TaskOrder); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task order for job %s: %w", r.ID, err)
		}
	}
	if r.Result.Valid {
		if err := json.Unmarshal([]byte(r.Result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result for job %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// SaveJob upserts the job row; the creation time of an existing row wins.
func (s *SQLStore) SaveJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	row, err := rowFromJob(job)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		INSERT INTO jobs (id, intent, status, mode, params, tasks, task_order, reasoning,
			result, error, retry_count, max_retries, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			intent = excluded.intent,
			status = excluded.status,
			mode = excluded.mode,
			params = excluded.params,
			tasks = excluded.tasks,
			task_order = excluded.task_order,
			reasoning = excluded.reasoning,
			result = excluded.result,
			error = excluded.error,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`)

	_, err = s.db.ExecContext(ctx, query,
		row.ID, row.Intent, row.Status, row.Mode, row.Params, row.Tasks, row.TaskOrder,
		row.Reasoning, row.Result, row.Error, row.RetryCount, row.MaxRetries,
		row.CreatedAt, row.StartedAt, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob reads the full job row.
func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT * FROM jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return row.toJob()
}

// ListJobs returns jobs newest-first with optional status filtering.
func (s *SQLStore) ListJobs(ctx context.Context, filter ListFilter) ([]*models.Job, int, error) {
	where := ""
	args := []interface{}{}
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	countQuery := s.db.Rebind("SELECT COUNT(*) FROM jobs" + where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := "SELECT * FROM jobs" + where + " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, nil
}

// withJobTx runs fn against the current job row inside a transaction and
// writes the mutated job back. On postgres the row is locked with FOR UPDATE
// so concurrent processes serialize; the sqlite driver serializes through
// its single write connection.
func (s *SQLStore) withJobTx(ctx context.Context, jobID string, fn func(job *models.Job) error) (*models.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT * FROM jobs WHERE id = ?`
	if s.driver == "pgx" {
		query += " FOR UPDATE"
	}

	var row jobRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(query), jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	job, err := row.toJob()
	if err != nil {
		return nil, err
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	updated, err := rowFromJob(job)
	if err != nil {
		return nil, err
	}
	updateQuery := tx.Rebind(`
		UPDATE jobs SET status = ?, mode = ?, tasks = ?, task_order = ?, result = ?,
			error = ?, retry_count = ?, started_at = ?, completed_at = ?
		WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, updateQuery,
		updated.Status, updated.Mode, updated.Tasks, updated.TaskOrder, updated.Result,
		updated.Error, updated.RetryCount, updated.StartedAt, updated.CompletedAt, jobID); err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

// UpdateJobStatus atomically transitions the job status.
func (s *SQLStore) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) (*models.Job, error) {
	return s.withJobTx(ctx, jobID, func(job *models.Job) error {
		if !models.ValidJobTransition(job.Status, status) {
			return fmt.Errorf("job %s: %s -> %s: %w", jobID, job.Status, status, ErrInvalidTransition)
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
		return nil
	})
}

// SetJobResult records the aggregated result payload.
func (s *SQLStore) SetJobResult(ctx context.Context, jobID string, result map[string]interface{}) error {
	_, err := s.withJobTx(ctx, jobID, func(job *models.Job) error {
		job.Result = result
		return nil
	})
	return err
}

// UpdateTaskStatus atomically updates one task within a job.
func (s *SQLStore) UpdateTaskStatus(ctx context.Context, jobID, taskID string, status models.TaskStatus, result map[string]interface{}, errMsg string) error {
	_, err := s.withJobTx(ctx, jobID, func(job *models.Job) error {
		task := job.Task(taskID)
		if task == nil {
			return fmt.Errorf("task %s in job %s: %w", taskID, jobID, ErrNotFound)
		}
		if task.Status == models.TaskStatusDone && status != models.TaskStatusDone {
			return fmt.Errorf("task %s in job %s is done: %w", taskID, jobID, ErrInvalidTransition)
		}
		task.Status = status
		task.Error = errMsg
		if result != nil {
			task.Result = result
		}
		return nil
	})
	return err
}

// IncrementTaskAttempt bumps a task's attempt count and returns the new value.
func (s *SQLStore) IncrementTaskAttempt(ctx context.Context, jobID, taskID string) (int, error) {
	attempts := 0
	_, err := s.withJobTx(ctx, jobID, func(job *models.Job) error {
		task := job.Task(taskID)
		if task == nil {
			return fmt.Errorf("task %s in job %s: %w", taskID, jobID, ErrNotFound)
		}
		task.AttemptCount++
		attempts = task.AttemptCount
		return nil
	})
	return attempts, err
}

// ResetForRetry prepares a failed job for another attempt.
func (s *SQLStore) ResetForRetry(ctx context.Context, jobID string) (*models.Job, error) {
	return s.withJobTx(ctx, jobID, func(job *models.Job) error {
		if job.Status != models.JobStatusFailed {
			return fmt.Errorf("job %s is %s, only failed jobs can be retried: %w", jobID, job.Status, ErrInvalidTransition)
		}
		if job.RetryCount >= job.MaxRetries {
			return fmt.Errorf("job %s: %w", jobID, ErrRetriesExhausted)
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
		return nil
	})
}

// SaveMessage inserts an envelope row; duplicate message ids are a no-op and
// report false.
func (s *SQLStore) SaveMessage(ctx context.Context, msg *models.StoredMessage) (bool, error) {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	query := s.db.Rebind(`
		INSERT INTO messages (message_id, conversation_id, in_reply_to, type, sender,
			intent, task_id, direction, raw, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		msg.MessageID, msg.ConversationID, msg.InReplyTo, msg.Type, msg.Sender,
		msg.Intent, msg.TaskID, msg.Direction, string(msg.Raw), receivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save message %s: %w", msg.MessageID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

type messageRow struct {
	MessageID      string    `db:"message_id"`
	ConversationID string    `db:"conversation_id"`
	InReplyTo      string    `db:"in_reply_to"`
	Type           string    `db:"type"`
	Sender         string    `db:"sender"`
	Intent         string    `db:"intent"`
	TaskID         string    `db:"task_id"`
	Direction      string    `db:"direction"`
	Raw            string    `db:"raw"`
	ReceivedAt     time.Time `db:"received_at"`
}

func (r *messageRow) toMessage() *models.StoredMessage {
	return &models.StoredMessage{
		MessageID:      r.MessageID,
		ConversationID: r.ConversationID,
		InReplyTo:      r.InReplyTo,
		Type:           r.Type,
		Sender:         r.Sender,
		Intent:         r.Intent,
		TaskID:         r.TaskID,
		Direction:      r.Direction,
		Raw:            json.RawMessage(r.Raw),
		ReceivedAt:     r.ReceivedAt,
	}
}

// GetMessage returns a stored message by message id.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (*models.StoredMessage, error) {
	var row messageRow
	query := s.db.Rebind(`SELECT * FROM messages WHERE message_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return row.toMessage(), nil
}

// ListMessages returns the conversation's messages in receive order.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]*models.StoredMessage, error) {
	var rows []messageRow
	query := s.db.Rebind(`SELECT * FROM messages WHERE conversation_id = ? ORDER BY received_at, message_id`)
	if err := s.db.SelectContext(ctx, &rows, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", conversationID, err)
	}
	result := make([]*models.StoredMessage, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toMessage())
	}
	return result, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
