package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/observability/metrics"
	"MAHA-Orchestrator/internal/orchestrator"
	"MAHA-Orchestrator/internal/planner"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/workflow"
	"MAHA-Orchestrator/pkg/logger"
)

// Service 是 HTTP 层依赖的业务能力，由 orchestrator.Service 实现。
type Service interface {
	Health(ctx context.Context) orchestrator.Health
	ListAgents() []agent.Agent
	RegisterAgent(ctx context.Context, url string) (*agent.Agent, error)
	AgentMeta(url string) (*agent.Agent, error)
	CreateWorkflow(ctx context.Context, intent planner.Intent) (*workflow.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	ListWorkflows(ctx context.Context, opts ...store.ListOption) ([]*workflow.Workflow, error)
	Execute(ctx context.Context, req orchestrator.ExecuteRequest) (*workflow.Execution, error)
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, opts ...store.ListOption) ([]*workflow.Execution, error)
	ExecutionStats(ctx context.Context, opts ...store.ListOption) (store.Stats, error)
	Summarize(ctx context.Context, executionID string) (*orchestrator.Summary, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	svc     Service
	echo    *echo.Echo
	log     *slog.Logger
	mcp     http.Handler
	origins []string

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithMCPHandler 把 MCP 端点挂载到 /mcp。
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

// WithCORSOrigins 限制跨域来源，为空时允许全部来源。
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithTimeouts 设置读写与优雅退出超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithLogger 替换默认日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例并注册全部路由。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		svc:             svc,
		log:             logger.Named("api"),
		readTimeout:     30 * time.Second,
		writeTimeout:    300 * time.Second,
		shutdownTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.echo = s.buildEcho()
	return s
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("maha-orchestrator"))
	e.Use(s.requestLogger())
	e.Use(observe())
	cors := middleware.DefaultCORSConfig
	if len(s.origins) > 0 {
		cors.AllowOrigins = s.origins
	}
	e.Use(middleware.CORSWithConfig(cors))

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.GET("/agents", s.listAgents)
	e.POST("/agents/register", s.registerAgent)
	e.GET("/agents/meta", s.agentMeta)

	e.POST("/workflows/create", s.createWorkflow)
	e.GET("/workflows", s.listWorkflows)
	e.POST("/workflows/execute", s.executeWorkflow)
	e.POST("/workflows/generate-summary", s.generateSummary)
	e.GET("/workflows/executions/:id", s.getExecution)
	e.GET("/workflows/:id", s.getWorkflow)

	e.GET("/executions", s.listExecutions)
	e.GET("/executions/stats", s.executionStats)
	e.GET("/executions/:id", s.getExecution)

	if s.mcp != nil {
		e.Any("/mcp", echo.WrapHandler(s.mcp))
		e.Any("/mcp/*", echo.WrapHandler(s.mcp))
	}
	return e
}

// Handler 返回完整的 HTTP 处理器，便于测试或嵌入。
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.echo,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http server shutdown failed", slog.Any("error", err))
			_ = server.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
