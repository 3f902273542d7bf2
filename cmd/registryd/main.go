// cmd/registryd/main.go
// Package main implements the entry point for the registry service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AgentMesh/agentmesh-registry-go/internal/config"
	"github.com/AgentMesh/agentmesh-registry-go/internal/event"
	"github.com/AgentMesh/agentmesh-registry-go/internal/identity"
	"github.com/AgentMesh/agentmesh-registry-go/internal/metrics"
	"github.com/AgentMesh/agentmesh-registry-go/internal/payment"
	"github.com/AgentMesh/agentmesh-registry-go/internal/reputation"
	"github.com/AgentMesh/agentmesh-registry-go/internal/roles"
	"github.com/AgentMesh/agentmesh-registry-go/internal/server"
	"github.com/AgentMesh/agentmesh-registry-go/internal/storage"
	"github.com/AgentMesh/agentmesh-registry-go/internal/telemetry"
	"github.com/AgentMesh/agentmesh-registry-go/internal/validation"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("agentmesh-registry", cfg.Env)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}
	defer store.Close()

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	// Role authorizer seeded from configuration
	auth := roles.NewAuthorizer(cfg.AdminAddress, cfg.VerifierAddresses, cfg.ValidatorAddresses)

	// Wire the registries
	m := metrics.NewMetrics()
	agents := identity.NewRegistry(store, pub, m)
	payments := payment.NewLedger(store, pub, m, auth)
	rep := reputation.NewLedger(store, payments, pub, m, auth)
	validations := validation.NewLedger(store, pub, m, auth)

	// Create HTTP mux with all read handlers and middleware
	mux := server.NewMux(store, agents, payments, rep, validations, cfg.MinFeedbackForRanking)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited")
}
