package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ElasticDash/ElasticDash-BE-sub001/ai"
	"github.com/ElasticDash/ElasticDash-BE-sub001/chat"
	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
	"github.com/ElasticDash/ElasticDash-BE-sub001/orchestration"
	"github.com/ElasticDash/ElasticDash-BE-sub001/retrieval"
	"github.com/ElasticDash/ElasticDash-BE-sub001/storage"
	"github.com/ElasticDash/ElasticDash-BE-sub001/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		configFile      string
		port            int
		apiBaseURL      string
		requireApproval bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat orchestration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []core.Option{}
			if configFile != "" {
				opts = append(opts, core.WithConfigFile(configFile))
			}
			if port > 0 {
				opts = append(opts, core.WithPort(port))
			}
			if apiBaseURL != "" {
				opts = append(opts, core.WithAPIBaseURL(apiBaseURL))
			}

			cfg, err := core.NewConfig(opts...)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, requireApproval)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config)")
	cmd.Flags().StringVar(&apiBaseURL, "api-base-url", "", "backend API base URL (overrides config)")
	cmd.Flags().BoolVar(&requireApproval, "require-approval", false, "hold data-modifying plans for user approval")
	return cmd
}

func serve(ctx context.Context, cfg *core.Config, requireApproval bool) error {
	logger := core.NewLogger(cfg.Name)
	logger.SetLevel(cfg.Logging.Level)

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(cfg.Name, cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("telemetry init: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		tel = provider
	}

	aiClient := ai.NewOpenAIClient(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model)
	aiClient.SetLogger(logger)
	aiClient.SetTelemetry(tel)

	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()
	store.SetLogger(logger)

	retriever := retrieval.NewMemoryRetriever(nil)
	retriever.SetLogger(logger)

	orchCfg := orchestration.DefaultConfig()
	orchCfg.MaxIterations = cfg.Orchestration.MaxIterations
	orchCfg.Planner.MaxValidationIterations = cfg.Orchestration.MaxPlanValidation

	orchestrator := orchestration.NewIterativeOrchestrator(orchCfg, aiClient, retriever, store)
	orchestrator.SetLogger(logger)
	orchestrator.SetTelemetry(tel)

	var sessions chat.SessionManager
	if cfg.Redis.URL != "" {
		redisSessions, err := chat.NewRedisSessionManager(cfg.Redis.URL, cfg.Redis.SessionTTL)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process sessions", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
			sessions = chat.NewMemorySessionManager()
		} else {
			defer func() {
				_ = redisSessions.Close()
			}()
			redisSessions.SetLogger(logger)
			sessions = redisSessions
		}
	} else {
		sessions = chat.NewMemorySessionManager()
	}

	var planner chat.PlanPreviewer
	if requireApproval {
		planner = orchestration.NewPlanner(aiClient, retriever, orchestration.NewRenderer(), &orchCfg.Planner)
	}

	handler := chat.NewHandler(orchestrator, planner, sessions, store, chat.HandlerConfig{
		BaseURL:         cfg.API.BaseURL,
		RequireApproval: requireApproval,
		Record:          true,
	})
	handler.SetLogger(logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"operation": "startup",
			"port":      cfg.Port,
			"api_base":  cfg.API.BaseURL,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
