package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/agentteam/config"
	"github.com/BaSui01/agentteam/distributed/node"
	"github.com/BaSui01/agentteam/internal/server"
	"github.com/BaSui01/agentteam/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组合团队节点与两个 HTTP 监听（内部端点、metrics）
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	node      *node.Node
	telemetry *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 节点后台循环与限流清理的生命周期
	cancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 组装节点并启动所有监听
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// 1. 遥测（失败不阻塞启动）
	providers, err := telemetry.Init(s.cfg.Telemetry, s.cfg.Node, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 2. 团队节点
	n, err := node.New(ctx, s.cfg, node.Options{Logger: s.logger})
	if err != nil {
		return fmt.Errorf("failed to assemble node: %w", err)
	}
	s.node = n

	// 3. 内部 HTTP 服务器
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. 目录维护循环
	s.node.Start(ctx)

	s.logger.Info("All servers started",
		zap.String("node_id", s.node.ID()),
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// buildHandler 构建内部端点路由与中间件链
func (s *Server) buildHandler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	health := s.node.Health()
	mux.HandleFunc("/health", health.HandleHealth)
	mux.HandleFunc("/healthz", health.HandleHealthz)
	mux.HandleFunc("/ready", health.HandleReady)
	mux.HandleFunc("/readyz", health.HandleReady)
	mux.HandleFunc("/version", health.HandleVersion(Version, BuildTime, GitCommit))

	// 限流放在签名校验之后，按调用方节点计数
	limiter := RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger)
	s.node.RegisterRoutes(mux, node.Middleware(limiter))

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.node.Metrics()),
	)
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager("internal", s.buildHandler(ctx), serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("metrics port not configured, metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到信号或某个监听异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Wait(ctx, s.httpManager, s.metricsManager); err != nil {
		s.logger.Error("server exited unexpectedly", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 依次停止节点、HTTP 监听与遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	// 1. 节点：停止活动运行并释放存储
	if s.node != nil {
		errs = append(errs, s.node.Shutdown(ctx))
	}

	// 2. 内部 HTTP 与 metrics 监听
	if s.httpManager != nil {
		errs = append(errs, s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(ctx))
	}

	// 3. 后台循环
	if s.cancel != nil {
		s.cancel()
	}

	// 4. 遥测导出器最后刷新
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown completed with errors", zap.Error(err))
		return
	}
	s.logger.Info("Graceful shutdown completed")
}
