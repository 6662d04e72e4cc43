package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrix/agentrix/internal/db"
	"github.com/agentrix/agentrix/internal/job/models"
)

// storeFactories returns every Store implementation under test. The SQL
// store runs against an in-memory SQLite database.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			sqlDB, err := db.OpenSQLite(":memory:")
			require.NoError(t, err)
			s, err := NewSQLStore(sqlx.NewDb(sqlDB, "sqlite3"), "sqlite3")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, test func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			test(t, factory(t))
		})
	}
}

func newTestJob(id string) *models.Job {
	return &models.Job{
		ID:     id,
		Intent: "calculate and format",
		Status: models.JobStatusPending,
		Mode:   models.PlanModeOrchestrated,
		Params: map[string]interface{}{"expression": "100+23"},
		Tasks: map[string]*models.Task{
			"t1": {
				ID:     "t1",
				Action: models.ActionCallAgent,
				Target: "calculate",
				Status: models.TaskStatusPending,
			},
			"t2": {
				ID:        "t2",
				Action:    models.ActionCallAgent,
				Target:    "format",
				DependsOn: []string{"t1"},
				Status:    models.TaskStatusPending,
			},
		},
		TaskOrder:  []string{"t1", "t2"},
		MaxRetries: 2,
	}
}

func TestSaveAndGetJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("job-1")
		require.NoError(t, s.SaveJob(ctx, job))

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "calculate and format", got.Intent)
		assert.Equal(t, models.JobStatusPending, got.Status)
		require.Len(t, got.Tasks, 2)
		assert.Equal(t, []string{"t1"}, got.Task("t2").DependsOn)
		assert.Equal(t, []string{"t1", "t2"}, got.TaskOrder)
		assert.False(t, got.CreatedAt.IsZero())
	})
}

func TestGetJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetJob(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSaveJobPreservesCreatedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("job-1")
		require.NoError(t, s.SaveJob(ctx, job))

		first, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)

		job.Intent = "updated intent"
		job.CreatedAt = first.CreatedAt.Add(time.Hour)
		require.NoError(t, s.SaveJob(ctx, job))

		second, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "updated intent", second.Intent)
		assert.True(t, second.CreatedAt.Equal(first.CreatedAt),
			"created_at must survive re-save: %v vs %v", second.CreatedAt, first.CreatedAt)
	})
}

func TestListJobsOrderFilterPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 5; i++ {
			job := newTestJob(fmt.Sprintf("job-%d", i))
			job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				job.Status = models.JobStatusDone
			}
			require.NoError(t, s.SaveJob(ctx, job))
		}

		all, total, err := s.ListJobs(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, "job-4", all[0].ID) // newest first

		done, total, err := s.ListJobs(ctx, ListFilter{Status: models.JobStatusDone})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, done, 3)

		page, total, err := s.ListJobs(ctx, ListFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, "job-3", page[0].ID)
	})
}

func TestUpdateJobStatusTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveJob(ctx, newTestJob("job-1")))

		running, err := s.UpdateJobStatus(ctx, "job-1", models.JobStatusRunning, "")
		require.NoError(t, err)
		require.NotNil(t, running.StartedAt)

		done, err := s.UpdateJobStatus(ctx, "job-1", models.JobStatusDone, "")
		require.NoError(t, err)
		require.NotNil(t, done.CompletedAt)

		// done is terminal
		_, err = s.UpdateJobStatus(ctx, "job-1", models.JobStatusRunning, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestUpdateTaskStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveJob(ctx, newTestJob("job-1")))

		result := map[string]interface{}{"value": "123"}
		require.NoError(t, s.UpdateTaskStatus(ctx, "job-1", "t1", models.TaskStatusDone, result, ""))

		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusDone, job.Task("t1").Status)
		assert.Equal(t, "123", job.Task("t1").Result["value"])

		// A done task does not move back within the same attempt.
		err = s.UpdateTaskStatus(ctx, "job-1", "t1", models.TaskStatusRunning, nil, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		err = s.UpdateTaskStatus(ctx, "job-1", "ghost", models.TaskStatusDone, nil, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIncrementTaskAttempt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveJob(ctx, newTestJob("job-1")))

		n, err := s.IncrementTaskAttempt(ctx, "job-1", "t1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.IncrementTaskAttempt(ctx, "job-1", "t1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestResetForRetry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("job-1")
		job.Status = models.JobStatusFailed
		job.Error = "agent unavailable"
		job.Tasks["t1"].Status = models.TaskStatusDone
		job.Tasks["t1"].AttemptCount = 1
		job.Tasks["t2"].Status = models.TaskStatusFailed
		job.Tasks["t2"].AttemptCount = 3
		require.NoError(t, s.SaveJob(ctx, job))

		reset, err := s.ResetForRetry(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, reset.Status)
		assert.Equal(t, 1, reset.RetryCount)
		assert.Empty(t, reset.Error)
		// Completed work is kept, failed work returns to pending.
		assert.Equal(t, models.TaskStatusDone, reset.Task("t1").Status)
		assert.Equal(t, models.TaskStatusPending, reset.Task("t2").Status)
		// Attempt history survives the reset.
		assert.Equal(t, 3, reset.Task("t2").AttemptCount)
	})
}

func TestResetForRetryRequiresFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveJob(ctx, newTestJob("job-1")))

		_, err := s.ResetForRetry(ctx, "job-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestResetForRetryExhausted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("job-1")
		job.Status = models.JobStatusFailed
		job.RetryCount = 2
		job.MaxRetries = 2
		require.NoError(t, s.SaveJob(ctx, job))

		_, err := s.ResetForRetry(ctx, "job-1")
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	})
}

func TestSaveMessageIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		msg := &models.StoredMessage{
			MessageID:      "msg-1",
			ConversationID: "job-1",
			Type:           "inform",
			Sender:         "agent://acme/calc",
			Intent:         "calculate",
			Direction:      "inbound",
			Raw:            []byte(`{"id":"msg-1"}`),
		}

		created, err := s.SaveMessage(ctx, msg)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.SaveMessage(ctx, msg)
		require.NoError(t, err)
		assert.False(t, created, "duplicate message id must be a no-op")

		got, err := s.GetMessage(ctx, "msg-1")
		require.NoError(t, err)
		assert.Equal(t, "agent://acme/calc", got.Sender)
	})
}

func TestListMessagesInOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Minute)
		for i := 0; i < 3; i++ {
			_, err := s.SaveMessage(ctx, &models.StoredMessage{
				MessageID:      fmt.Sprintf("msg-%d", i),
				ConversationID: "job-1",
				Type:           "inform",
				Sender:         "agent://acme/calc",
				Direction:      "inbound",
				Raw:            []byte("{}"),
				ReceivedAt:     base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}
		_, err := s.SaveMessage(ctx, &models.StoredMessage{
			MessageID:      "other",
			ConversationID: "job-2",
			Type:           "inform",
			Sender:         "agent://acme/calc",
			Direction:      "inbound",
			Raw:            []byte("{}"),
		})
		require.NoError(t, err)

		msgs, err := s.ListMessages(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		for i, msg := range msgs {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.MessageID)
		}
	})
}

func TestConcurrentTaskUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newTestJob("job-1")
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("p%d", i)
			job.Tasks[id] = &models.Task{
				ID:     id,
				Action: models.ActionCallAgent,
				Target: "echo",
				Status: models.TaskStatusPending,
			}
			job.TaskOrder = append(job.TaskOrder, id)
		}
		require.NoError(t, s.SaveJob(ctx, job))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("p%d", i)
				_ = s.UpdateTaskStatus(ctx, "job-1", id, models.TaskStatusDone, nil, "")
				_, _ = s.IncrementTaskAttempt(ctx, "job-1", id)
			}(i)
		}
		wg.Wait()

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("p%d", i)
			assert.Equal(t, models.TaskStatusDone, got.Task(id).Status, "task %s", id)
			assert.Equal(t, 1, got.Task(id).AttemptCount, "task %s", id)
		}
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveJob(ctx, newTestJob("job-1")))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	got.Intent = "mutated"
	got.Tasks["t1"].Status = models.TaskStatusFailed

	fresh, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "calculate and format", fresh.Intent)
	assert.Equal(t, models.TaskStatusPending, fresh.Task("t1").Status)
}
