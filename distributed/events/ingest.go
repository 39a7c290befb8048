package events

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentteam/distributed/fencing"
	"github.com/BaSui01/agentteam/distributed/idempotency"
	"github.com/BaSui01/agentteam/internal/keylock"
	"github.com/BaSui01/agentteam/internal/metrics"
	"github.com/BaSui01/agentteam/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DropReason 事件被丢弃的原因
type DropReason string

const (
	DropStaleRunVersion      DropReason = "STALE_RUN_VERSION"
	DropDuplicateSourceEvent DropReason = "DUPLICATE_SOURCE_EVENT"
)

// IngestResult 摄取结果。被丢弃的事件同样视为已接受。
type IngestResult struct {
	Accepted bool       `json:"accepted"`
	Dropped  bool       `json:"dropped"`
	Reason   DropReason `json:"reason,omitempty"`
}

// IdempotencyPolicy 远端事件去重，键为 (teamRunId, sourceNodeId, sourceEventId)
type IdempotencyPolicy struct {
	store idempotency.Store
}

// NewIdempotencyPolicy 创建去重策略；store 为 nil 时使用默认内存窗口
func NewIdempotencyPolicy(store idempotency.Store) *IdempotencyPolicy {
	if store == nil {
		store = idempotency.NewMemoryStore(idempotency.Options{})
	}
	return &IdempotencyPolicy{store: store}
}

// Seen 报告事件是否已在窗口内，不记录
func (p *IdempotencyPolicy) Seen(ctx context.Context, ev RemoteExecutionEvent) (bool, error) {
	return p.store.Contains(ctx, ev.IdempotencyKey())
}

// Record 在事件被聚合之后记录其 key；返回 false 表示 key 已存在
func (p *IdempotencyPolicy) Record(ctx context.Context, ev RemoteExecutionEvent) (bool, error) {
	return p.store.Add(ctx, ev.IdempotencyKey())
}

// IngestService host 侧远端事件摄取：校验 → 版本栅栏 → 去重检查 → 聚合 → 记录 key
type IngestService struct {
	fencing     *fencing.Policy
	idempotency *IdempotencyPolicy
	aggregator  *Aggregator
	keys        *keylock.KeyedMutex // 同一事件 key 的检查、聚合与记录串行执行
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewIngestService 创建摄取服务
func NewIngestService(fence *fencing.Policy, idem *IdempotencyPolicy, agg *Aggregator, collector *metrics.Collector, logger *zap.Logger) *IngestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idem == nil {
		idem = NewIdempotencyPolicy(nil)
	}
	return &IngestService{
		fencing:     fence,
		idempotency: idem,
		aggregator:  agg,
		keys:        keylock.New(),
		metrics:     collector,
		tracer:      otel.Tracer("agentteam/events"),
		logger:      logger.With(zap.String("component", "remote_event_ingest")),
	}
}

// Ingest 处理一个远端事件。过期与重复事件返回 dropped，而不是错误。
func (s *IngestService) Ingest(ctx context.Context, ev RemoteExecutionEvent) (IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "events.Ingest", trace.WithAttributes(
		attribute.String("team.run_id", ev.TeamRunID),
		attribute.Int64("team.run_version", ev.RunVersion),
		attribute.String("team.source_node_id", ev.SourceNodeID),
	))
	defer span.End()

	if err := ev.Validate(); err != nil {
		return IngestResult{}, types.NewError(types.ErrInvalidRequest, err.Error()).
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
	}

	if s.fencing != nil {
		stale, err := s.fencing.IsStale(ctx, ev.TeamRunID, ev.RunVersion)
		if err != nil {
			span.RecordError(err)
			return IngestResult{}, fmt.Errorf("fence remote event: %w", err)
		}
		if stale {
			return s.drop(ev, DropStaleRunVersion), nil
		}
	}

	unlock := s.keys.Lock(ev.IdempotencyKey())
	defer unlock()

	seen, err := s.idempotency.Seen(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return IngestResult{}, fmt.Errorf("check remote event idempotency: %w", err)
	}
	if seen {
		return s.drop(ev, DropDuplicateSourceEvent), nil
	}

	// 聚合失败时不记录 key，worker 的重试仍能投递该事件
	if s.aggregator != nil {
		if _, err := s.aggregator.AcceptRemote(ctx, ev); err != nil {
			span.RecordError(err)
			return IngestResult{}, err
		}
	}

	added, err := s.idempotency.Record(ctx, ev)
	switch {
	case err != nil:
		// 事件已发布；返回错误会让 worker 重试并重复发布
		s.logger.Warn("failed to record remote event idempotency key",
			zap.String("team_run_id", ev.TeamRunID),
			zap.String("source_event_id", ev.SourceEventID),
			zap.Error(err),
		)
	case !added:
		// 另一个 host 进程共享同一 Redis 窗口并抢先记录
		s.logger.Debug("remote event key recorded concurrently",
			zap.String("team_run_id", ev.TeamRunID),
			zap.String("source_event_id", ev.SourceEventID),
		)
	}
	s.metrics.RecordRemoteEvent("accepted", "")
	return IngestResult{Accepted: true}, nil
}

func (s *IngestService) drop(ev RemoteExecutionEvent, reason DropReason) IngestResult {
	s.metrics.RecordRemoteEvent("dropped", string(reason))
	s.logger.Debug("remote event dropped",
		zap.String("team_run_id", ev.TeamRunID),
		zap.Int64("run_version", ev.RunVersion),
		zap.String("source_node_id", ev.SourceNodeID),
		zap.String("source_event_id", ev.SourceEventID),
		zap.String("reason", string(reason)),
	)
	return IngestResult{Accepted: true, Dropped: true, Reason: reason}
}
