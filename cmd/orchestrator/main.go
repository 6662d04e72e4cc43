// Package main is the entry point for the Agentrix orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentrix/agentrix/internal/api"
	"github.com/agentrix/agentrix/internal/audit"
	"github.com/agentrix/agentrix/internal/common/config"
	"github.com/agentrix/agentrix/internal/common/logger"
	"github.com/agentrix/agentrix/internal/common/tracing"
	"github.com/agentrix/agentrix/internal/db"
	"github.com/agentrix/agentrix/internal/events/bus"
	"github.com/agentrix/agentrix/internal/job/queue"
	"github.com/agentrix/agentrix/internal/job/store"
	"github.com/agentrix/agentrix/internal/orchestrator"
	"github.com/agentrix/agentrix/internal/planner"
	"github.com/agentrix/agentrix/internal/policy"
	"github.com/agentrix/agentrix/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Agentrix orchestrator...")

	// 3. Open the job store and audit log
	var (
		jobStore store.Store
		auditLog audit.Log
	)
	switch cfg.Store.Driver {
	case "memory":
		jobStore = store.NewMemoryStore()
		auditLog = audit.NewMemoryLog()

	case "sqlite":
		sqlDB, err := db.OpenSQLite(cfg.Store.Path)
		if err != nil {
			log.Fatal("Failed to open sqlite store", zap.Error(err))
		}
		dbx := sqlx.NewDb(sqlDB, "sqlite3")
		defer dbx.Close()
		if jobStore, err = store.NewSQLStore(dbx, "sqlite3"); err != nil {
			log.Fatal("Failed to initialize job store", zap.Error(err))
		}
		if auditLog, err = audit.NewSQLLog(dbx, "sqlite3"); err != nil {
			log.Fatal("Failed to initialize audit log", zap.Error(err))
		}

	case "postgres":
		sqlDB, err := db.OpenPostgres(cfg.Store.DSN(), 0, 0)
		if err != nil {
			log.Fatal("Failed to connect to postgres", zap.Error(err))
		}
		dbx := sqlx.NewDb(sqlDB, "pgx")
		defer dbx.Close()
		if jobStore, err = store.NewSQLStore(dbx, "pgx"); err != nil {
			log.Fatal("Failed to initialize job store", zap.Error(err))
		}
		if auditLog, err = audit.NewSQLLog(dbx, "pgx"); err != nil {
			log.Fatal("Failed to initialize audit log", zap.Error(err))
		}

	default:
		log.Fatal("Unknown store driver", zap.String("driver", cfg.Store.Driver))
	}
	log.Info("Job store ready", zap.String("driver", cfg.Store.Driver))

	// 4. Evidence store for audit attachments
	evidence, err := audit.NewEvidenceStore(cfg.Audit.EvidenceDir)
	if err != nil {
		log.Fatal("Failed to prepare evidence store", zap.Error(err))
	}

	// 5. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Agent registry, roster seed and hot reload
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()

	reg := registry.New()
	if cfg.Agents.RosterPath != "" {
		if _, err := reg.LoadRoster(cfg.Agents.RosterPath); err != nil {
			log.Fatal("Failed to load agent roster", zap.Error(err))
		}
		log.Info("Agent roster loaded",
			zap.String("path", cfg.Agents.RosterPath),
			zap.Int("agents", reg.Len()))

		if cfg.Agents.HotReload {
			watcher, err := registry.NewWatcher(reg, cfg.Agents.RosterPath, log)
			if err != nil {
				log.Fatal("Failed to watch agent roster", zap.Error(err))
			}
			go watcher.Run(watchCtx)
		}
	}

	// 7. Policy engine and dispatcher
	policyEngine := policy.NewEngine(cfg.Policy)
	dispatcher := orchestrator.NewDispatcher(cfg.Dispatcher, reg, policyEngine, jobStore, auditLog, evidence, eventBus, log)

	// 8. Planner: rule templates first, then the planning agent
	var rulePlanner planner.Planner = planner.NewRulePlanner(planner.DefaultRules())
	if cfg.Policy.EthicsGate {
		rulePlanner = planner.NewEthicsGate(rulePlanner)
	}
	jobPlanner := planner.NewComposite(rulePlanner, planner.NewAgentPlanner(dispatcher, reg))

	// 9. Orchestrator service
	service := orchestrator.NewService(
		cfg, jobStore, queue.New(0), reg, policyEngine,
		jobPlanner, dispatcher, auditLog, eventBus, log,
	)
	service.Start()
	log.Info("Orchestrator service started")

	// 10. Intake HTTP server
	server := api.NewServer(cfg.Server, service, jobStore, reg, auditLog, evidence, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	// 12. Graceful shutdown: drain HTTP first, then stop the runners
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	service.Stop()
	if err := jobStore.Close(); err != nil {
		log.Error("Job store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Orchestrator stopped")
}
