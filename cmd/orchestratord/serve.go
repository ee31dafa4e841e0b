package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/api"
	"SmartFlow-Orchestrator/internal/auth"
	"SmartFlow-Orchestrator/internal/config"
	"SmartFlow-Orchestrator/internal/connector"
	"SmartFlow-Orchestrator/internal/connector/chatgpt"
	"SmartFlow-Orchestrator/internal/connector/claude"
	"SmartFlow-Orchestrator/internal/connector/ollama"
	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/knowledge"
	"SmartFlow-Orchestrator/internal/observability/alerting"
	"SmartFlow-Orchestrator/internal/packages"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/internal/storage/mysql"
	redisstore "SmartFlow-Orchestrator/internal/storage/redis"
	"SmartFlow-Orchestrator/internal/storage/sqlite"
	"SmartFlow-Orchestrator/internal/task"
	"SmartFlow-Orchestrator/internal/workflow"
	"SmartFlow-Orchestrator/pkg/logger"
)

func newServeCmd(opts *rootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return run(cmd.Context(), cfg, version)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, version string) error {
	log := logger.Named("orchestratord")

	backend, err := openStateBackend(ctx, cfg)
	if err != nil {
		return err
	}
	store := state.NewStore(backend)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("关闭状态存储失败", slog.Any("error", err))
		}
	}()

	registry := agent.NewRegistry(cfg.Runtime.AgentsDir())
	if _, err := registry.Initialize(ctx); err != nil {
		return err
	}

	contextLoader := knowledge.NewLoader(cfg.Runtime.ContextDir())
	connectors := newConnectorManager(cfg, connector.WithEnricher(knowledge.NewAttacher(registry, contextLoader)))
	connectors.InitializeAll(ctx)

	alerts := newAlertDispatcher(cfg.Alerting)
	engine := workflow.NewEngine(registry, connectors, store, cfg.Runtime.WorkflowsDir(),
		workflow.WithLimits(workflowLimits(cfg.Workflow),
			time.Duration(cfg.Workflow.MaxWaitMillis)*time.Millisecond,
			cfg.Workflow.MaxNestedDepth),
		workflow.WithAlerts(alerts),
		workflow.WithShutdown(ctx),
	)
	if err := engine.Initialize(ctx); err != nil {
		return err
	}

	pkgs := packages.NewManager(cfg.Runtime.PackagesDir(), registry, engine)
	if _, err := pkgs.Initialize(ctx); err != nil {
		return err
	}

	queue, err := task.NewQueue(cfg.Queue)
	if err != nil {
		return err
	}
	runStore := task.NewStateStore(store)
	runs := task.NewService(runStore, queue, task.WithServiceLimits(workflowLimits(cfg.Workflow)))
	defer func() {
		if err := runs.Close(); err != nil {
			log.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	processor := task.NewProcessor(engine, runStore, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(alerts),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	log.Info("编排服务启动",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.String("state_backend", cfg.State.Backend),
		slog.String("queue_driver", cfg.Queue.Driver),
		slog.String("auth_mode", string(authService.Mode())),
		slog.Int("agents", registry.Count()),
		slog.Any("connectors", connectors.List()),
	)

	server := api.NewServer(api.OptionsFromConfig(cfg, version), api.Dependencies{
		Agents:     registry,
		Connectors: connectors,
		Engine:     engine,
		Packages:   pkgs,
		State:      store,
		Runs:       runs,
		Auth:       authService,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStateBackend(ctx context.Context, cfg *config.Config) (state.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.State.Backend)) {
	case "", "file":
		return state.NewFileBackend(cfg.Runtime.StateDir())
	case "sqlite":
		return sqlite.Open(ctx, cfg.State.SQLite.Path)
	case "mysql":
		return mysql.NewStateBackend(ctx, mysql.Config{
			DSN:             cfg.State.MySQL.DSN,
			MaxOpenConns:    cfg.State.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.State.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.State.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.State.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
	case "redis":
		return redisstore.NewStateBackend(ctx, redisstore.Config{
			Address:  cfg.State.Redis.Address,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Prefix:   cfg.State.Redis.Prefix,
		})
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unsupported state backend: %s", cfg.State.Backend)
	}
}

func newConnectorManager(cfg *config.Config, opts ...connector.Option) *connector.Manager {
	manager := connector.NewManager(opts...)
	c := cfg.Connectors

	if config.Enabled(c.ChatGPT.Enabled, true) {
		manager.Register(chatgpt.New(chatgpt.Config{
			APIKey:      c.ChatGPT.APIKey,
			BaseURL:     c.ChatGPT.BaseURL,
			Model:       c.ChatGPT.Model,
			Temperature: c.ChatGPT.Temperature,
			MaxTokens:   c.ChatGPT.MaxTokens,
			Timeout:     c.ChatGPT.Timeout(),
		}))
	}
	if config.Enabled(c.Claude.Enabled, true) {
		manager.Register(claude.New(claude.Config{
			APIKey:     c.Claude.APIKey,
			BaseURL:    c.Claude.BaseURL,
			Model:      c.Claude.Model,
			MaxTokens:  c.Claude.MaxTokens,
			CLIPath:    c.Claude.CLIPath,
			CLITimeout: time.Duration(c.Claude.CLITimeoutSeconds) * time.Second,
			TempDir:    filepath.Join(cfg.Runtime.DataDir, "tmp"),
		}))
	}
	if c.Ollama.Enabled {
		manager.Register(ollama.New(ollama.Config{
			ServerURL:   c.Ollama.ServerURL,
			Model:       c.Ollama.Model,
			Temperature: c.Ollama.Temperature,
		}))
	}
	if config.Enabled(c.Custom.Enabled, true) {
		manager.Register(connector.NewCustom())
	}
	return manager
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhook(url, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func workflowLimits(cfg config.WorkflowConfig) workflow.Limits {
	return workflow.Limits{MaxSteps: cfg.MaxSteps, MaxSize: cfg.MaxSizeBytes}
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	rotation := logger.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Rotation:    rotation,
		Audit: logger.AuditConfig{
			Enabled:    cfg.AuditPath != "",
			Path:       cfg.AuditPath,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
		},
	}
}
