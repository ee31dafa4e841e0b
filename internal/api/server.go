package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"SmartFlow-Orchestrator/internal/agent"
	"SmartFlow-Orchestrator/internal/auth"
	"SmartFlow-Orchestrator/internal/config"
	"SmartFlow-Orchestrator/internal/connector"
	"SmartFlow-Orchestrator/internal/observability/metrics"
	"SmartFlow-Orchestrator/internal/packages"
	"SmartFlow-Orchestrator/internal/state"
	"SmartFlow-Orchestrator/internal/task"
	"SmartFlow-Orchestrator/internal/workflow"
	"SmartFlow-Orchestrator/pkg/logger"
)

// ServiceName 出现在健康检查响应中。
const ServiceName = "SmartFlow Orchestrator"

// Options 控制 HTTP 服务行为。
type Options struct {
	Address           string
	Version           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	RateLimit         float64
	RateBurst         int
	MetricsEnabled    bool
	MetricsPath       string
	MaxBodyBytes      int64
}

// OptionsFromConfig 由配置生成 Options。
func OptionsFromConfig(cfg *config.Config, version string) Options {
	return Options{
		Address:           cfg.Server.Address,
		Version:           version,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
		ShutdownTimeout:   cfg.Server.ShutdownTimeout(),
		RateLimit:         cfg.Server.RateLimitPerSecond,
		RateBurst:         cfg.Server.RateLimitBurst,
		MetricsEnabled:    config.Enabled(cfg.Metrics.Enabled, true),
		MetricsPath:       cfg.Metrics.Path,
		MaxBodyBytes:      int64(cfg.Workflow.MaxSizeBytes) + 64<<10,
	}
}

// Dependencies 汇总各处理函数使用的组件，Runs 与 Auth 可为空。
type Dependencies struct {
	Agents     *agent.Registry
	Connectors *connector.Manager
	Engine     *workflow.Engine
	Packages   *packages.Manager
	State      *state.Store
	Runs       *task.Service
	Auth       *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	opts    Options
	deps    Dependencies
	handler http.Handler
	log     *slog.Logger
	now     func() time.Time
}

// NewServer 构造 API 服务并组装路由与中间件。
func NewServer(opts Options, deps Dependencies) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{opts: opts, deps: deps, log: logger.Named("api"), now: time.Now}

	mux := http.NewServeMux()
	s.routes(mux)

	var handler http.Handler = mux
	if deps.Auth != nil {
		handler = deps.Auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodPost:   {"write"},
				http.MethodDelete: {"write"},
			},
			Exempt: []string{"/health", opts.MetricsPath},
		})(handler)
	}
	handler = rateLimit(opts.RateLimit, opts.RateBurst, handler)
	handler = instrument(mux, handler)
	s.handler = recoverer(handler)
	return s
}

// Handler 返回完整的 HTTP 处理链。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.MetricsEnabled {
		mux.Handle("GET "+s.opts.MetricsPath, metrics.Handler())
	}

	mux.HandleFunc("POST /api/agents/register", s.handleRegisterAgent)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleUnregisterAgent)
	mux.HandleFunc("GET /api/agents/capability/{capability}", s.handleAgentsByCapability)
	mux.HandleFunc("GET /api/agents/platform/{platform}", s.handleAgentsByPlatform)
	mux.HandleFunc("GET /api/agents/app/{app}", s.handleAgentsByApp)
	mux.HandleFunc("POST /api/agents/{id}/invoke", s.handleInvokeAgent)

	mux.HandleFunc("POST /api/workflows/execute", s.handleExecuteWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleSaveWorkflow)
	mux.HandleFunc("GET /api/workflows/active", s.handleActiveWorkflows)
	mux.HandleFunc("GET /api/workflows/{name}", s.handleGetWorkflow)
	mux.HandleFunc("POST /api/workflows/submit", s.handleSubmitRun)
	mux.HandleFunc("GET /api/workflows/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/workflows/runs/{id}", s.handleGetRun)

	mux.HandleFunc("POST /api/packages/register", s.handleRegisterPackage)
	mux.HandleFunc("POST /api/packages/order", s.handlePackageOrder)
	mux.HandleFunc("GET /api/packages", s.handleListPackages)
	mux.HandleFunc("GET /api/packages/{id}", s.handleGetPackage)
	mux.HandleFunc("DELETE /api/packages/{id}", s.handleUnregisterPackage)
	mux.HandleFunc("GET /api/packages/capability/{capability}", s.handlePackagesByCapability)
	mux.HandleFunc("POST /api/packages/{id}/execute", s.handleExecutePackage)
	mux.HandleFunc("GET /api/packages/{id}/dependencies", s.handlePackageDependencies)

	mux.HandleFunc("GET /api/state/stats", s.handleStateStats)
	mux.HandleFunc("POST /api/state/{namespace}/{key}", s.handleSetState)
	mux.HandleFunc("GET /api/state/{namespace}/{key}", s.handleGetState)
	mux.HandleFunc("DELETE /api/state/{namespace}/{key}", s.handleDeleteState)
	mux.HandleFunc("GET /api/state/{namespace}", s.handleGetNamespace)
	mux.HandleFunc("DELETE /api/state/{namespace}", s.handleClearNamespace)

	mux.HandleFunc("GET /api/connectors", s.handleConnectors)
	mux.HandleFunc("GET /api/connectors/test", s.handleTestConnectors)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务启动", slog.String("address", s.opts.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
