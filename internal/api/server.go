// Package api exposes the orchestrator over HTTP: job intake and lifecycle,
// the agent-facing message endpoint, and operational introspection.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentrix/agentrix/internal/audit"
	"github.com/agentrix/agentrix/internal/common/config"
	"github.com/agentrix/agentrix/internal/common/httpmw"
	"github.com/agentrix/agentrix/internal/common/logger"
	"github.com/agentrix/agentrix/internal/job/store"
	"github.com/agentrix/agentrix/internal/orchestrator"
	"github.com/agentrix/agentrix/internal/registry"
)

// Server is the intake HTTP server.
type Server struct {
	cfg      config.ServerConfig
	svc      *orchestrator.Service
	store    store.Store
	registry *registry.Registry
	audit    audit.Log
	evidence *audit.EvidenceStore
	log      *logger.Logger

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the server and its routes. evidence may be nil; the
// evidence route then answers not-found.
func NewServer(
	cfg config.ServerConfig,
	svc *orchestrator.Service,
	st store.Store,
	reg *registry.Registry,
	auditLog audit.Log,
	evidence *audit.EvidenceStore,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		svc:      svc,
		store:    st,
		registry: reg,
		audit:    auditLog,
		evidence: evidence,
		log:      log,
		engine:   gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(
		httpmw.Recovery(s.log),
		httpmw.RequestLogger(s.log, "intake"),
		httpmw.OtelTracing("intake"),
		httpmw.CORS(),
	)

	s.engine.GET("/health", s.health)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/jobs", s.submitJob)
		v1.GET("/jobs", s.listJobs)
		v1.GET("/jobs/:id", s.getJob)
		v1.DELETE("/jobs/:id", s.cancelJob)
		v1.POST("/jobs/:id/retry", s.retryJob)
		v1.GET("/jobs/:id/audit", s.jobAudit)
		v1.GET("/jobs/:id/audit/evidence/:ref", s.jobEvidence)
		v1.GET("/jobs/:id/messages", s.jobMessages)

		v1.POST("/messages", s.ingestMessage)

		v1.GET("/agents", s.listAgents)
		v1.GET("/stats", s.stats)
	}
}

// Router exposes the engine for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start begins serving; it blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}
	s.log.Info("intake API listening on " + addr)

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
