package bridge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/idempotency"
	"github.com/BaSui01/agentteam/internal/metrics"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CommandExecutor 执行已去重的命令信封
type CommandExecutor interface {
	ExecuteCommand(ctx context.Context, env envelope.TeamEnvelope) error
}

// CommandExecutorFunc adapts a function to CommandExecutor.
type CommandExecutorFunc func(ctx context.Context, env envelope.TeamEnvelope) error

// ExecuteCommand implements CommandExecutor.
func (f CommandExecutorFunc) ExecuteCommand(ctx context.Context, env envelope.TeamEnvelope) error {
	return f(ctx, env)
}

// HandleResult worker 处理结果
type HandleResult struct {
	Handled bool `json:"handled"`
	Deduped bool `json:"deduped"`
}

// WorkerServer worker 侧命令入口：每个 EnvelopeID 至多执行一次。
// 执行成功后才记录 EnvelopeID，失败的执行允许 host 重试。
type WorkerServer struct {
	executor  CommandExecutor
	processed idempotency.Store
	running   singleflight.Group
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewWorkerServer 创建 worker 侧入口。processed 为 nil 时使用默认内存窗口。
func NewWorkerServer(executor CommandExecutor, processed idempotency.Store, collector *metrics.Collector, logger *zap.Logger) *WorkerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if processed == nil {
		processed = idempotency.NewMemoryStore(idempotency.Options{})
	}
	return &WorkerServer{
		executor:  executor,
		processed: processed,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "worker_bridge_server")),
	}
}

// HandleCommand 处理一个命令信封
func (s *WorkerServer) HandleCommand(ctx context.Context, env envelope.TeamEnvelope) (HandleResult, error) {
	if err := env.Validate(); err != nil {
		return HandleResult{}, types.NewError(types.ErrInvalidEnvelope, err.Error()).
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
	}

	seen, err := s.processed.Contains(ctx, env.EnvelopeID)
	if err != nil {
		return HandleResult{}, fmt.Errorf("check processed envelope: %w", err)
	}
	if seen {
		return s.deduped(env), nil
	}

	executed := false
	_, err, _ = s.running.Do(env.EnvelopeID, func() (any, error) {
		// 另一个调用可能刚完成同一信封
		if seen, err := s.processed.Contains(ctx, env.EnvelopeID); err != nil || seen {
			return nil, err
		}
		if err := s.executor.ExecuteCommand(ctx, env); err != nil {
			return nil, err
		}
		executed = true
		if _, err := s.processed.Add(ctx, env.EnvelopeID); err != nil {
			s.logger.Warn("failed to record processed envelope",
				zap.String("envelope_id", env.EnvelopeID),
				zap.Error(err),
			)
		}
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("command execution failed",
			zap.String("envelope_id", env.EnvelopeID),
			zap.String("team_run_id", env.TeamRunID),
			zap.String("kind", string(env.Kind)),
			zap.Error(err),
		)
		return HandleResult{}, err
	}
	if !executed {
		return s.deduped(env), nil
	}

	s.metrics.RecordCommandHandled(string(env.Kind), false)
	s.logger.Debug("command handled",
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("team_run_id", env.TeamRunID),
		zap.String("kind", string(env.Kind)),
	)
	return HandleResult{Handled: true}, nil
}

func (s *WorkerServer) deduped(env envelope.TeamEnvelope) HandleResult {
	s.metrics.RecordCommandHandled(string(env.Kind), true)
	s.logger.Debug("duplicate envelope skipped", zap.String("envelope_id", env.EnvelopeID))
	return HandleResult{Handled: true, Deduped: true}
}
