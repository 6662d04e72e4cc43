package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrix/agentrix/internal/common/config"
	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/job/models"
)

func testConfig() config.PolicyConfig {
	return config.PolicyConfig{
		BlockedActions: []string{"delete-files", "format-disk"},
		AllowedApps:    []string{"calculator", "notepad"},
	}
}

func TestCheckIntentBlockedAction(t *testing.T) {
	e := NewEngine(testConfig())

	err := e.CheckIntent("user:alice", "please delete-files in my home directory")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPolicyDenied))

	assert.NoError(t, e.CheckIntent("user:alice", "calculate 100+23"))
}

func TestCheckIntentRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSender = 1
	cfg.RateBurst = 2
	e := NewEngine(cfg)

	require.NoError(t, e.CheckIntent("user:alice", "calculate"))
	require.NoError(t, e.CheckIntent("user:alice", "calculate"))
	err := e.CheckIntent("user:alice", "calculate")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPolicyDenied))

	// Limits are per sender.
	assert.NoError(t, e.CheckIntent("user:bob", "calculate"))
}

func TestCheckTaskDesktopAllowList(t *testing.T) {
	e := NewEngine(testConfig())

	allowed := &models.Task{ID: "t1", Action: models.ActionOpenApp, Target: "Calculator"}
	assert.NoError(t, e.CheckTask(allowed))

	denied := &models.Task{ID: "t2", Action: models.ActionOpenApp, Target: "regedit"}
	err := e.CheckTask(denied)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPolicyDenied))

	// Non-desktop actions are not held to the app allow-list.
	agentTask := &models.Task{ID: "t3", Action: models.ActionCallAgent, Target: "calculate"}
	assert.NoError(t, e.CheckTask(agentTask))
}

func TestCheckTaskUnknownAction(t *testing.T) {
	e := NewEngine(testConfig())
	err := e.CheckTask(&models.Task{ID: "t1", Action: "teleport", Target: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestCheckPlanFailsOnFirstViolation(t *testing.T) {
	e := NewEngine(testConfig())
	job := &models.Job{
		ID: "job-1",
		Tasks: map[string]*models.Task{
			"t1": {ID: "t1", Action: models.ActionCallAgent, Target: "calculate"},
			"t2": {ID: "t2", Action: models.ActionOpenApp, Target: "regedit"},
		},
		TaskOrder: []string{"t1", "t2"},
	}

	err := e.CheckPlan(job)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPolicyDenied))
}

func TestEmptyAllowListPermitsAnyApp(t *testing.T) {
	e := NewEngine(config.PolicyConfig{})
	task := &models.Task{ID: "t1", Action: models.ActionOpenApp, Target: "anything"}
	assert.NoError(t, e.CheckTask(task))
}
