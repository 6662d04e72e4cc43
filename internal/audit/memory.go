package audit

import (
	"context"
	"sync"
	"time"

	"github.com/agentrix/agentrix/internal/job/models"
)

// MemoryLog keeps the audit trail in memory. Used by tests and by the
// memory store profile.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*models.AuditEntry
	nextID  int64
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextID: 1}
}

// Record appends one entry.
func (l *MemoryLog) Record(ctx context.Context, entry *models.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	clone := *entry
	clone.ID = l.nextID
	l.nextID++
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	l.entries = append(l.entries, &clone)
	return nil
}

// List returns a job's entries in record order.
func (l *MemoryLog) List(ctx context.Context, jobID string) ([]*models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*models.AuditEntry
	for _, entry := range l.entries {
		if entry.JobID == jobID {
			clone := *entry
			result = append(result, &clone)
		}
	}
	return result, nil
}

// Close is a no-op for the in-memory log.
func (l *MemoryLog) Close() error {
	return nil
}
