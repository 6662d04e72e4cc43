package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/agentrix/agentrix/internal/common/errors"
	"github.com/agentrix/agentrix/internal/job/models"
	"github.com/agentrix/agentrix/internal/job/store"
	"github.com/agentrix/agentrix/internal/orchestrator"
	"github.com/agentrix/agentrix/internal/protocol"
)

// senderHeader identifies the submitting principal for rate limiting.
const senderHeader = "X-Agentrix-Sender"

type submitJobRequest struct {
	Intent     string                 `json:"intent" binding:"required"`
	Params     map[string]interface{} `json:"params"`
	Tasks      []*models.Task         `json:"tasks"`
	Mode       models.PlanMode        `json:"mode"`
	MaxRetries int                    `json:"max_retries"`
}

type listJobsResponse struct {
	Jobs   []*models.Job `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type storedMessageResponse struct {
	MessageID  string          `json:"message_id"`
	Type       string          `json:"type"`
	Sender     string          `json:"sender"`
	Intent     string          `json:"intent"`
	TaskID     string          `json:"task_id,omitempty"`
	Direction  string          `json:"direction"`
	ReceivedAt time.Time       `json:"received_at"`
	Envelope   json.RawMessage `json:"envelope"`
}

func (s *Server) writeError(c *gin.Context, err error) {
	var app *apperrors.AppError
	if !stderrors.As(err, &app) {
		app = apperrors.Wrap(err, "internal error")
	}
	c.JSON(app.HTTPStatus, gin.H{
		"error":   string(app.Kind),
		"message": app.Message,
	})
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.BadRequest("invalid job submission: "+err.Error()))
		return
	}

	job, err := s.svc.SubmitJob(c.Request.Context(), orchestrator.SubmitRequest{
		Intent:     req.Intent,
		Params:     req.Params,
		Tasks:      req.Tasks,
		Mode:       req.Mode,
		MaxRetries: req.MaxRetries,
		Sender:     c.GetHeader(senderHeader),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(c.Request.Context(), store.ListFilter{
		Status: models.JobStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(c, apperrors.Wrap(err, "failed to list jobs"))
		return
	}
	c.JSON(http.StatusOK, listJobsResponse{Jobs: jobs, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			s.writeError(c, apperrors.NotFound("job", c.Param("id")))
			return
		}
		s.writeError(c, apperrors.Wrap(err, "failed to load job"))
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.svc.CancelJob(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryJob(c *gin.Context) {
	job, err := s.svc.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) jobAudit(c *gin.Context) {
	entries, err := s.audit.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, apperrors.Wrap(err, "failed to list audit entries"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// jobEvidence serves an evidence blob referenced from an audit entry.
func (s *Server) jobEvidence(c *gin.Context) {
	ref := c.Param("ref")
	if s.evidence == nil {
		s.writeError(c, apperrors.NotFound("evidence", ref))
		return
	}
	data, err := s.evidence.Get(ref)
	if err != nil {
		s.writeError(c, apperrors.NotFound("evidence", ref))
		return
	}
	c.Data(http.StatusOK, evidenceContentType(ref), data)
}

// evidenceContentType maps the reference extension to a media type.
func evidenceContentType(ref string) string {
	switch {
	case strings.HasSuffix(ref, ".json"):
		return "application/json"
	case strings.HasSuffix(ref, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(ref, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func (s *Server) jobMessages(c *gin.Context) {
	msgs, err := s.store.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, apperrors.Wrap(err, "failed to list messages"))
		return
	}
	out := make([]storedMessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = storedMessageResponse{
			MessageID:  m.MessageID,
			Type:       m.Type,
			Sender:     m.Sender,
			Intent:     m.Intent,
			TaskID:     m.TaskID,
			Direction:  m.Direction,
			ReceivedAt: m.ReceivedAt,
			Envelope:   json.RawMessage(m.Raw),
		}
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// ingestMessage is the agent-facing endpoint: reply envelopes resolve their
// outstanding requests, offer envelopes register the sending agent, discover
// envelopes return the matching roster.
func (s *Server) ingestMessage(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.writeError(c, apperrors.BadRequest("unreadable body"))
		return
	}
	env, err := protocol.Parse(body)
	if err != nil {
		s.writeError(c, apperrors.BadRequest(err.Error()))
		return
	}

	switch env.Type {
	case protocol.TypeOffer:
		agent, err := s.svc.RegisterAgent(c.Request.Context(), env)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, agent)

	case protocol.TypeDiscover:
		capabilities := capabilityFilter(env)
		agents := s.registry.All()
		matched := agents[:0]
		for _, agent := range agents {
			if len(capabilities) == 0 {
				matched = append(matched, agent)
				continue
			}
			for _, want := range capabilities {
				if agent.Has(want) {
					matched = append(matched, agent)
					break
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"agents": matched})

	default:
		if err := s.svc.IngestReply(c.Request.Context(), env); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "message_id": env.ID})
	}
}

func capabilityFilter(env *protocol.Envelope) []string {
	raw, _ := env.Payload["capabilities"].([]interface{})
	caps := make([]string, 0, len(raw))
	for _, c := range raw {
		if tag, ok := c.(string); ok {
			caps = append(caps, tag)
		}
	}
	return caps
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.All()})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Stats())
}

func (s *Server) health(c *gin.Context) {
	components := s.svc.Health(c.Request.Context())
	status := http.StatusOK
	overall := "ok"
	for _, state := range components {
		if state != "ok" {
			status = http.StatusServiceUnavailable
			overall = "degraded"
			break
		}
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
