package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrix/agentrix/internal/audit"
	"github.com/agentrix/agentrix/internal/common/config"
	"github.com/agentrix/agentrix/internal/common/logger"
	"github.com/agentrix/agentrix/internal/events/bus"
	"github.com/agentrix/agentrix/internal/job/models"
	"github.com/agentrix/agentrix/internal/job/queue"
	"github.com/agentrix/agentrix/internal/job/store"
	"github.com/agentrix/agentrix/internal/orchestrator"
	"github.com/agentrix/agentrix/internal/planner"
	"github.com/agentrix/agentrix/internal/policy"
	"github.com/agentrix/agentrix/internal/protocol"
	"github.com/agentrix/agentrix/internal/registry"
)

// h is shorthand for JSON object literals in request bodies.
type h = map[string]interface{}

type testEnv struct {
	server   *Server
	store    store.Store
	registry *registry.Registry
	agentSrv *httptest.Server
}

// newTestEnv wires the full stack behind the API with an in-memory store and
// one fake agent answering every capability with done.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Scheduler: config.SchedulerConfig{
			PollInterval:      10,
			MaxConcurrentJobs: 4,
		},
		Dispatcher: config.DispatcherConfig{
			OrchestratorURI:  "agent://agentrix/orchestrator",
			DefaultTimeout:   5,
			TaskRetryLimit:   2,
			NoAgentLimit:     2,
			RetryBackoffBase: 10,
		},
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	reg := registry.New()
	pol := policy.NewEngine(cfg.Policy)
	auditLog := audit.NewMemoryLog()
	evidence, err := audit.NewEvidenceStore(t.TempDir())
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(log)
	dispatcher := orchestrator.NewDispatcher(cfg.Dispatcher, reg, pol, st, auditLog, evidence, eventBus, log)
	plan := planner.NewComposite(planner.NewRulePlanner(planner.DefaultRules()))

	svc := orchestrator.NewService(cfg, st, queue.New(0), reg, pol, plan, dispatcher, auditLog, eventBus, log)
	svc.Start()
	t.Cleanup(svc.Stop)

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := protocol.Parse(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply := protocol.NewReply(req, protocol.TypeDone, "agent://test/worker", map[string]interface{}{
			"value": 123.0, "formatted": "123,00",
		})
		data, _ := json.Marshal(reply)
		_, _ = w.Write(data)
	}))
	t.Cleanup(agentSrv.Close)
	require.NoError(t, reg.Register(&registry.Agent{
		URI:          "agent://test/worker",
		Endpoint:     agentSrv.URL,
		Capabilities: []string{"calculate", "format", "echo"},
	}))

	// An agent that acks and never replies, for cancellation paths.
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(slowSrv.Close)
	require.NoError(t, reg.Register(&registry.Agent{
		URI:          "agent://test/slow",
		Endpoint:     slowSrv.URL,
		Capabilities: []string{"slow"},
	}))

	return &testEnv{
		server:   NewServer(cfg.Server, svc, st, reg, auditLog, evidence, log),
		store:    st,
		registry: reg,
		agentSrv: agentSrv,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func (e *testEnv) waitStatus(t *testing.T, jobID string, status models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, status)
	return nil
}

func TestSubmitJobReturnsCreatedJob(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{
		"intent": "calculate the total",
		"params": map[string]interface{}{"expression": "100+23"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	job := decode[models.Job](t, rec)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Len(t, job.Tasks, 2)

	env.waitStatus(t, job.ID, models.JobStatusDone)
}

func TestSubmitJobRejectsMissingIntent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{"params": h{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "validation", body["error"])
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{"intent": "calculate one"})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decode[models.Job](t, rec)
	env.waitStatus(t, job.ID, models.JobStatusDone)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?status=done", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listJobsResponse](t, rec)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, job.ID, list.Jobs[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	list = decode[listJobsResponse](t, rec)
	assert.Zero(t, list.Total)
}

func TestCancelInFlightJobReturnsNoContentAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	// The slow agent acks the dispatch and never replies, so the job stays
	// in flight until we cancel it.
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{
		"intent": "explicit",
		"tasks": []h{
			{"id": "t1", "action": "call-agent", "target": "slow"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[models.Job](t, rec)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	env.waitStatus(t, job.ID, models.JobStatusCancelled)

	// Cancel is idempotent.
	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRetryEndpointConflictsOnNonFailedJob(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{"intent": "calculate two"})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decode[models.Job](t, rec)
	env.waitStatus(t, job.ID, models.JobStatusDone)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/retry", job.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobAuditAndMessagesEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{"intent": "calculate three"})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decode[models.Job](t, rec)
	env.waitStatus(t, job.ID, models.JobStatusDone)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/audit", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	auditBody := decode[map[string][]models.AuditEntry](t, rec)
	assert.NotEmpty(t, auditBody["entries"])

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/messages", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgBody := decode[map[string][]storedMessageResponse](t, rec)
	require.Len(t, msgBody["messages"], 4)
	assert.NotEmpty(t, msgBody["messages"][0].Envelope)
}

func TestEvidenceEndpointServesFailedTaskSnapshot(t *testing.T) {
	env := newTestEnv(t)

	// No agent carries this capability; the dispatcher gives up after its
	// no-agent budget and dumps the task snapshot to the evidence store.
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", h{
		"intent": "explicit",
		"tasks": []h{
			{"id": "t1", "action": "call-agent", "target": "nonesuch"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[models.Job](t, rec)
	env.waitStatus(t, job.ID, models.JobStatusFailed)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/audit", job.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	auditBody := decode[map[string][]models.AuditEntry](t, rec)

	var ref string
	for _, entry := range auditBody["entries"] {
		if entry.Action == audit.ActionTaskFailed {
			ref = entry.Evidence
			break
		}
	}
	require.NotEmpty(t, ref, "task-failed audit entry carries no evidence reference")

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/audit/evidence/%s", job.ID, ref), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	snapshot := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "t1", snapshot["task_id"])
	assert.Equal(t, job.ID, snapshot["job_id"])
	assert.NotEmpty(t, snapshot["error"])
}

func TestEvidenceEndpointRejectsUnknownReference(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/any/audit/evidence/deadbeef.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageEndpointAcceptsReply(t *testing.T) {
	env := newTestEnv(t)

	req := protocol.NewRequest("agent://agentrix/orchestrator", "agent://test/worker", "echo", "job-x", nil)
	reply := protocol.NewReply(req, protocol.TypeInform, "agent://test/worker", h{"ok": true})

	rec := env.do(t, http.MethodPost, "/api/v1/messages", reply)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	msg, err := env.store.GetMessage(context.Background(), reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "inbound", msg.Direction)
}

func TestMessageEndpointRejectsMalformedEnvelope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/messages", h{"type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageEndpointRegistersOfferingAgent(t *testing.T) {
	env := newTestEnv(t)

	offer := &protocol.Envelope{
		ID:        "offer-1",
		Timestamp: time.Now().UTC(),
		Type:      protocol.TypeOffer,
		Sender:    "agent://remote/helper",
		Intent:    "offer",
		Payload: h{
			"endpoint":     env.agentSrv.URL,
			"capabilities": []interface{}{"translate"},
		},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/messages", offer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, env.registry.Get("agent://remote/helper"))
}

func TestMessageEndpointAnswersDiscover(t *testing.T) {
	env := newTestEnv(t)

	discover := protocol.NewDiscover("agent://remote/helper", []string{"calculate"})
	rec := env.do(t, http.MethodPost, "/api/v1/messages", discover)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string][]registry.Agent](t, rec)
	require.Len(t, body["agents"], 1)
	assert.Equal(t, "agent://test/worker", body["agents"][0].URI)
}

func TestHealthEndpointReportsComponents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "ok", body["status"])
	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", components["store"])
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[orchestrator.Stats](t, rec)
	assert.Equal(t, 1, stats.Agents)
}
