package handlers

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// 健康状态取值
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDraining  = "draining"
)

// readyTimeout 单次就绪检查的总超时
const readyTimeout = 5 * time.Second

// HealthHandler 节点健康检查。/healthz 同时是对端节点的心跳探测目标。
type HealthHandler struct {
	logger   *zap.Logger
	nodeID   string
	roles    []string
	runs     func() int
	draining atomic.Bool

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthCheck 依赖项检查
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	NodeID     string                 `json:"node_id,omitempty"`
	Roles      []string               `json:"roles,omitempty"`
	ActiveRuns *int                   `json:"active_runs,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// VersionInfo /version 响应
type VersionInfo struct {
	NodeID    string `json:"node_id,omitempty"`
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HealthOption 健康检查处理器选项
type HealthOption func(*HealthHandler)

// WithNodeInfo 在响应中附带节点 ID 与角色
func WithNodeInfo(nodeID string, roles []string) HealthOption {
	return func(h *HealthHandler) {
		h.nodeID = nodeID
		h.roles = append([]string(nil), roles...)
	}
}

// WithActiveRuns 在响应中附带当前活跃运行数
func WithActiveRuns(count func() int) HealthOption {
	return func(h *HealthHandler) {
		h.runs = count
	}
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &HealthHandler{
		logger: logger.With(zap.String("component", "health")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// SetDraining 标记节点正在关闭；之后 /ready 返回 503，/healthz 不受影响
func (h *HealthHandler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

func (h *HealthHandler) baseStatus() HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		NodeID:    h.nodeID,
		Roles:     h.roles,
	}
	if h.runs != nil {
		n := h.runs()
		status.ActiveRuns = &n
	}
	return status
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth /health：节点概要（ID、角色、活跃运行数）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.baseStatus())
}

// HandleHealthz /healthz：存活探针，只要进程能响应即为 200
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		NodeID:    h.nodeID,
	})
}

// HandleReady /ready、/readyz：并发执行全部检查，任一失败或节点关闭中返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := h.baseStatus()
	if h.draining.Load() {
		status.Status = StatusDraining
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := h.runChecks(r.Context(), checks)
	if len(results) > 0 {
		status.Checks = results
	}
	for _, res := range results {
		if res.Status != "pass" {
			status.Status = StatusUnhealthy
			WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	WriteJSON(w, http.StatusOK, status)
}

func (h *HealthHandler) runChecks(ctx context.Context, checks []HealthCheck) map[string]CheckResult {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
		g       errgroup.Group
	)
	for _, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			latency := time.Since(start)

			res := CheckResult{Status: "pass", Latency: latency.String()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				h.logger.Warn("health check failed",
					zap.String("check", check.Name()),
					zap.Duration("latency", latency),
					zap.Error(err),
				)
			}

			mu.Lock()
			results[check.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// HandleVersion /version
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := VersionInfo{
		NodeID:    h.nodeID,
		Version:   version,
		BuildTime: buildTime,
		GitCommit: gitCommit,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// =============================================================================
// 🔧 内置检查
// =============================================================================

// PingCheck 基于 ping 函数的检查（journal 数据库、Redis 等）
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建 ping 检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
