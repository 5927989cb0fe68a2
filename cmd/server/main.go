package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/askarov/taskpilot/internal/agent"
	"github.com/askarov/taskpilot/internal/auth"
	"github.com/askarov/taskpilot/internal/chat"
	"github.com/askarov/taskpilot/internal/server"
	"github.com/askarov/taskpilot/internal/storage"
	"github.com/askarov/taskpilot/internal/tools"
	"github.com/askarov/taskpilot/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize the model client and agent
	client := agent.NewOpenAIClient(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		time.Duration(cfg.OpenAI.TimeoutSeconds)*time.Second,
		cfg.OpenAI.MaxRetries,
		logger,
	)
	registry := tools.NewRegistry(store, logger)
	orchestrator := agent.NewOrchestrator(client, registry, store, logger, cfg.Agent.MaxToolRounds, cfg.Agent.HistoryLimit)
	service := chat.NewService(store, orchestrator, logger, cfg.Agent.HistoryLimit)

	// Initialize the HTTP server
	verifier := auth.NewHMACVerifier(cfg.Auth.SessionSecret)
	srv := server.New(server.Options{
		Addr:             net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		ChatPerMinute:    cfg.RateLimit.ChatPerMinute,
		HistoryPerMinute: cfg.RateLimit.HistoryPerMinute,
		RequestTimeout:   time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
	}, service, verifier, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", zap.Error(err))
		}
	}
}
