package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/distributed/retry"
	"github.com/BaSui01/agentteam/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Transport 把信封投递到指定 worker 节点
type Transport interface {
	SendEnvelope(ctx context.Context, nodeID string, env envelope.TeamEnvelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, nodeID string, env envelope.TeamEnvelope) error

// SendEnvelope implements Transport.
func (f TransportFunc) SendEnvelope(ctx context.Context, nodeID string, env envelope.TeamEnvelope) error {
	return f(ctx, nodeID, env)
}

// SendResult 投递结果
type SendResult struct {
	Delivered bool `json:"delivered"`
	Attempts  int  `json:"attempts"`
	Deduped   bool `json:"deduped"`
}

// DefaultSendTimeout 一次共享投递（含全部重试）的上限
const DefaultSendTimeout = 30 * time.Second

// HostClient host 侧命令投递客户端。
// 同一 EnvelopeID 的并发调用共享一次投递：后到的调用不会重发，
// 而是等待首个调用的结果并返回 attempts=0, deduped=true。
// 共享投递不随任何单个调用方取消，只受 sendTimeout 约束。
type HostClient struct {
	transport   Transport
	retryer     *retry.Retryer
	inflight    singleflight.Group
	sendTimeout time.Duration
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger
}

// HostClientOption 可选配置
type HostClientOption func(*HostClient)

// WithSendTimeout 设置共享投递的总超时
func WithSendTimeout(d time.Duration) HostClientOption {
	return func(c *HostClient) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// NewHostClient 创建 host 侧客户端。retryer 为 nil 时使用默认策略。
func NewHostClient(transport Transport, retryer *retry.Retryer, collector *metrics.Collector, logger *zap.Logger, opts ...HostClientOption) *HostClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryer == nil {
		retryer = retry.NewRetryer(retry.DefaultPolicy(), logger)
	}
	c := &HostClient{
		transport:   transport,
		retryer:     retryer,
		sendTimeout: DefaultSendTimeout,
		metrics:     collector,
		tracer:      otel.Tracer("agentteam/bridge"),
		logger:      logger.With(zap.String("component", "host_bridge_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendOutcome struct {
	attempts int
}

// SendCommand 带重试地投递信封，重试耗尽后返回最后的错误。
// 调用方取消只结束自己的等待，正在进行的共享投递继续完成。
func (c *HostClient) SendCommand(ctx context.Context, targetNodeID string, env envelope.TeamEnvelope) (SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "bridge.SendCommand",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("team.run_id", env.TeamRunID),
			attribute.Int64("team.run_version", env.RunVersion),
			attribute.String("team.envelope_id", env.EnvelopeID),
			attribute.String("team.envelope_kind", string(env.Kind)),
			attribute.String("team.target_node_id", targetNodeID),
		),
	)
	defer span.End()

	var leader atomic.Bool
	ch := c.inflight.DoChan(env.EnvelopeID, func() (any, error) {
		leader.Store(true)
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sendTimeout)
		defer cancel()

		attempts, err := c.retryer.Execute(sendCtx, func(ctx context.Context, attempt int) error {
			return c.transport.SendEnvelope(ctx, targetNodeID, env)
		})
		c.recordOutcome(targetNodeID, env, attempts, err)
		return sendOutcome{attempts: attempts}, err
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		span.SetStatus(codes.Error, ctx.Err().Error())
		return SendResult{}, ctx.Err()
	}

	if !leader.Load() {
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "shared send failed")
			return SendResult{}, res.Err
		}
		c.metrics.RecordEnvelopeSent(string(env.Kind), "deduped", 0)
		span.SetAttributes(attribute.Bool("team.deduped", true))
		return SendResult{Delivered: true, Attempts: 0, Deduped: true}, nil
	}

	outcome, _ := res.Val.(sendOutcome)
	span.SetAttributes(attribute.Int("team.attempts", outcome.attempts))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "send failed")
		return SendResult{Attempts: outcome.attempts}, res.Err
	}
	return SendResult{Delivered: true, Attempts: outcome.attempts}, nil
}

// recordOutcome 在共享投递内记录指标与日志，发起方提前返回时也不会丢失
func (c *HostClient) recordOutcome(targetNodeID string, env envelope.TeamEnvelope, attempts int, err error) {
	kind := string(env.Kind)
	if err != nil {
		c.metrics.RecordEnvelopeSent(kind, "failed", attempts)
		c.logger.Warn("envelope delivery failed",
			zap.String("envelope_id", env.EnvelopeID),
			zap.String("team_run_id", env.TeamRunID),
			zap.String("node_id", targetNodeID),
			zap.String("kind", kind),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}
	c.metrics.RecordEnvelopeSent(kind, "delivered", attempts)
	c.logger.Debug("envelope delivered",
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("node_id", targetNodeID),
		zap.Int("attempts", attempts),
	)
}
