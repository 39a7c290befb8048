package events

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentteam/distributed/fencing"
	"go.uber.org/zap"
)

// =============================================================================
// 🏠 本地发布
// =============================================================================

// LocalPublisher 将 host 本地成员的事件直接交给聚合器，不经过网络与去重窗口
type LocalPublisher struct {
	fencing    *fencing.Policy
	aggregator *Aggregator
	logger     *zap.Logger
}

// NewLocalPublisher 创建本地发布器；fence 为 nil 时不做版本栅栏
func NewLocalPublisher(fence *fencing.Policy, agg *Aggregator, logger *zap.Logger) *LocalPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalPublisher{
		fencing:    fence,
		aggregator: agg,
		logger:     logger.With(zap.String("component", "local_event_publisher")),
	}
}

// Publish implements Publisher.
func (p *LocalPublisher) Publish(ctx context.Context, _ string, ev RemoteExecutionEvent) (IngestResult, error) {
	if p.fencing != nil {
		stale, err := p.fencing.IsStale(ctx, ev.TeamRunID, ev.RunVersion)
		if err != nil {
			return IngestResult{}, fmt.Errorf("fence local event: %w", err)
		}
		if stale {
			p.logger.Debug("stale local event dropped",
				zap.String("team_run_id", ev.TeamRunID),
				zap.Int64("run_version", ev.RunVersion),
			)
			return IngestResult{Accepted: true, Dropped: true, Reason: DropStaleRunVersion}, nil
		}
	}
	if _, err := p.aggregator.AcceptLocal(ctx, ev.TeamRunID, ev.RunVersion, TeamEvent{
		EventID:    ev.SourceEventID,
		MemberName: ev.MemberName,
		AgentID:    ev.AgentID,
		EventType:  ev.EventType,
		Payload:    ev.Payload,
		OccurredAt: ev.OccurredAt,
	}); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Accepted: true}, nil
}

// LocalAwarePublisher 目标 host 为本节点时走本地发布，否则走上行
type LocalAwarePublisher struct {
	localNodeID string
	local       Publisher
	remote      Publisher
}

// NewLocalAwarePublisher 创建按目标节点选择路径的发布器
func NewLocalAwarePublisher(localNodeID string, local, remote Publisher) *LocalAwarePublisher {
	return &LocalAwarePublisher{localNodeID: localNodeID, local: local, remote: remote}
}

// Publish implements Publisher.
func (p *LocalAwarePublisher) Publish(ctx context.Context, hostNodeID string, ev RemoteExecutionEvent) (IngestResult, error) {
	if hostNodeID == p.localNodeID && p.local != nil {
		return p.local.Publish(ctx, hostNodeID, ev)
	}
	if p.remote == nil {
		return IngestResult{}, fmt.Errorf("events: no uplink configured for host %s", hostNodeID)
	}
	return p.remote.Publish(ctx, hostNodeID, ev)
}
