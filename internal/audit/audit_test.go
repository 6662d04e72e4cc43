package audit

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrix/agentrix/internal/db"
	"github.com/agentrix/agentrix/internal/job/models"
)

func logFactories(t *testing.T) map[string]func(t *testing.T) Log {
	return map[string]func(t *testing.T) Log{
		"memory": func(t *testing.T) Log {
			return NewMemoryLog()
		},
		"sqlite": func(t *testing.T) Log {
			sqlDB, err := db.OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = sqlDB.Close() })
			l, err := NewSQLLog(sqlx.NewDb(sqlDB, "sqlite3"), "sqlite3")
			require.NoError(t, err)
			return l
		},
	}
}

func TestRecordAndList(t *testing.T) {
	for name, factory := range logFactories(t) {
		t.Run(name, func(t *testing.T) {
			l := factory(t)
			ctx := context.Background()

			require.NoError(t, l.Record(ctx, Entry("job-1", ActionJobSubmitted, "pending", nil)))
			require.NoError(t, l.Record(ctx, Entry("job-1", ActionTaskDispatch, "running", map[string]interface{}{
				"task_id": "t1",
				"agent":   "agent://acme/calc",
			})))
			require.NoError(t, l.Record(ctx, Entry("job-2", ActionJobSubmitted, "pending", nil)))

			entries, err := l.List(ctx, "job-1")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, ActionJobSubmitted, entries[0].Action)
			assert.Equal(t, ActionTaskDispatch, entries[1].Action)
			assert.Equal(t, "t1", entries[1].Detail["task_id"])
			assert.False(t, entries[0].Timestamp.IsZero())
			assert.Greater(t, entries[1].ID, entries[0].ID)
		})
	}
}

func TestListUnknownJobIsEmpty(t *testing.T) {
	for name, factory := range logFactories(t) {
		t.Run(name, func(t *testing.T) {
			entries, err := factory(t).List(context.Background(), "ghost")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestMemoryLogCopies(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	entry := &models.AuditEntry{JobID: "job-1", Action: ActionJobSubmitted, Status: "pending"}
	require.NoError(t, l.Record(ctx, entry))

	got, err := l.List(ctx, "job-1")
	require.NoError(t, err)
	got[0].Action = "mutated"

	fresh, err := l.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ActionJobSubmitted, fresh[0].Action)
}

func TestEvidenceStorePutGet(t *testing.T) {
	store, err := NewEvidenceStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put([]byte("screenshot bytes"), "png")
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{64}\.png$`, ref)

	// Same content yields the same reference.
	ref2, err := store.Put([]byte("screenshot bytes"), ".png")
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	data, err := store.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("screenshot bytes"), data)
}

func TestEvidenceStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewEvidenceStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get("../etc/passwd")
	assert.Error(t, err)
}
