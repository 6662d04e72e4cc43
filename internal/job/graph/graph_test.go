package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrix/agentrix/internal/job/models"
)

func task(id string, deps ...string) *models.Task {
	return &models.Task{
		ID:        id,
		Action:    models.ActionCallAgent,
		Target:    "calculate",
		DependsOn: deps,
		Status:    models.TaskStatusPending,
	}
}

func TestFromTasksRejectsUnknownDependency(t *testing.T) {
	_, err := FromTasks([]*models.Task{task("a", "ghost")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
}

func TestAddRejectsDuplicate(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(task("a")))
	err := g.Add(task("a"))
	assert.True(t, errors.Is(err, ErrDuplicateTask))
}

func TestValidateDetectsCycle(t *testing.T) {
	// Build the cycle directly: a → b → a cannot be constructed through Add.
	g := New()
	g.tasks["a"] = task("a", "b")
	g.tasks["b"] = task("b", "a")
	g.order = []string{"a", "b"}

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
}

func TestAddRollsBackOnCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(task("a")))
	// Self-dependency is the smallest cycle expressible through Add.
	err := g.Add(task("b", "b"))
	require.Error(t, err)
	assert.Equal(t, 1, g.Len())
}

func TestTopoOrderDeterministic(t *testing.T) {
	g, err := FromTasks([]*models.Task{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
	})
	require.NoError(t, err)

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestParallelBatches(t *testing.T) {
	g, err := FromTasks([]*models.Task{
		task("a"),
		task("b", "a"),
		task("c", "a"),
		task("d", "b", "c"),
		task("e"),
	})
	require.NoError(t, err)

	batches, err := g.ParallelBatches()
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "e"}, batches[0])
	assert.Equal(t, []string{"b", "c"}, batches[1])
	assert.Equal(t, []string{"d"}, batches[2])
}

func TestReadyTasks(t *testing.T) {
	a := task("a")
	b := task("b", "a")
	c := task("c", "a")
	g, err := FromTasks([]*models.Task{a, b, c})
	require.NoError(t, err)

	// A task with no dependencies is ready immediately.
	assert.Equal(t, []string{"a"}, g.ReadyTasks())

	a.Status = models.TaskStatusDone
	assert.Equal(t, []string{"b", "c"}, g.ReadyTasks())

	b.Status = models.TaskStatusRunning
	assert.Equal(t, []string{"c"}, g.ReadyTasks())
}

func TestSkippableTasks(t *testing.T) {
	a := task("a")
	b := task("b", "a")
	fb := task("fb", "a")
	fb.Fallback = true
	g, err := FromTasks([]*models.Task{a, b, fb})
	require.NoError(t, err)

	a.Status = models.TaskStatusFailed
	assert.Equal(t, []string{"b"}, g.SkippableTasks())

	// The fallback task becomes ready instead of skipped.
	assert.Equal(t, []string{"fb"}, g.ReadyTasks())
}
