package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentrix/agentrix/internal/job/models"
)

// SQLLog persists the audit trail over sqlx. It shares the job store's
// database handle so an audit entry and the state change it describes live
// in the same file.
type SQLLog struct {
	db     *sqlx.DB
	driver string
}

var _ Log = (*SQLLog)(nil)

// NewSQLLog wraps an open database handle and initializes the schema.
func NewSQLLog(db *sqlx.DB, driver string) (*SQLLog, error) {
	l := &SQLLog{db: db, driver: driver}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return l, nil
}

func (l *SQLLog) initSchema() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timestamp := "DATETIME"
	if l.driver == "pgx" {
		id = "BIGSERIAL PRIMARY KEY"
		timestamp = "TIMESTAMPTZ"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_entries (
		id %s,
		job_id TEXT NOT NULL,
		timestamp %s NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '{}',
		evidence TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_entries(job_id, id);
	`, id, timestamp)

	_, err := l.db.Exec(schema)
	return err
}

type auditRow struct {
	ID        int64     `db:"id"`
	JobID     string    `db:"job_id"`
	Timestamp time.Time `db:"timestamp"`
	Action    string    `db:"action"`
	Status    string    `db:"status"`
	Detail    string    `db:"detail"`
	Evidence  string    `db:"evidence"`
}

// Record appends one entry.
func (l *SQLLog) Record(ctx context.Context, entry *models.AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	detail := "{}"
	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		detail = string(data)
	}

	query := l.db.Rebind(`
		INSERT INTO audit_entries (job_id, timestamp, action, status, detail, evidence)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := l.db.ExecContext(ctx, query,
		entry.JobID, ts, entry.Action, entry.Status, detail, entry.Evidence); err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// List returns a job's entries in record order.
func (l *SQLLog) List(ctx context.Context, jobID string) ([]*models.AuditEntry, error) {
	var rows []auditRow
	query := l.db.Rebind(`SELECT * FROM audit_entries WHERE job_id = ? ORDER BY id`)
	if err := l.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list audit entries for %s: %w", jobID, err)
	}

	result := make([]*models.AuditEntry, 0, len(rows))
	for i := range rows {
		entry := &models.AuditEntry{
			ID:        rows[i].ID,
			JobID:     rows[i].JobID,
			Timestamp: rows[i].Timestamp,
			Action:    rows[i].Action,
			Status:    rows[i].Status,
			Evidence:  rows[i].Evidence,
		}
		if rows[i].Detail != "" && rows[i].Detail != "{}" {
			if err := json.Unmarshal([]byte(rows[i].Detail), &entry.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit detail: %w", err)
			}
		}
		result = append(result, entry)
	}
	return result, nil
}

// Close is a no-op; the shared database handle is closed by its owner.
func (l *SQLLog) Close() error {
	return nil
}
