package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/screenfleet/orchestrator/internal/audit"
	"github.com/screenfleet/orchestrator/internal/config"
	"github.com/screenfleet/orchestrator/internal/discovery"
	"github.com/screenfleet/orchestrator/internal/hub"
	"github.com/screenfleet/orchestrator/internal/monitor"
	"github.com/screenfleet/orchestrator/internal/registry"
	"github.com/screenfleet/orchestrator/internal/service"
	v1 "github.com/screenfleet/orchestrator/internal/transport/http/v1"
	"github.com/screenfleet/orchestrator/internal/ws"
	"github.com/screenfleet/orchestrator/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting orchestrator...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Poll Interval: %s", cfg.PollInterval)
	log.Printf("Audit DB: %s", cfg.AuditDB)

	// Initialize audit log
	auditLog, err := audit.Open(cfg.AuditDB)
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}
	defer auditLog.Close()

	// Initialize registry
	reg := registry.New(cfg.AgentTimeout, cfg.PollInterval)

	// Initialize viewer hub
	viewerHub := hub.NewHub()
	go viewerHub.Run()
	notifier := hub.NewBroadcaster(viewerHub)

	// Initialize monitor loop
	mon := monitor.New(reg, notifier, cfg)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go mon.Run(monitorCtx)

	// Initialize discovery scanner
	scanner := discovery.NewScanner(cfg.ProbeTimeout, cfg.DiscoveryMaxInFlight)

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize service
	svc := service.New(reg, mon, notifier, scanner, policyEngine, auditLog, cfg)

	// Register the default agent from the environment, if configured
	if cfg.DefaultAgentURL != "" {
		if _, err := svc.AddAgent(context.Background(), cfg.DefaultAgentURL, cfg.DefaultAgentToken, "Default Agent"); err != nil {
			log.Printf("Failed to register default agent %s: %v", cfg.DefaultAgentURL, err)
		}
	}

	// Initialize handlers
	h := v1.NewHandler(svc)
	wsServer := ws.NewServer(cfg, viewerHub, reg.List)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(e)
	e.GET("/ws", wsServer.HandleWebSocket)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down orchestrator...")
	stopMonitor()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Orchestrator stopped")
}
