package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Sink 聚合事件的发布目标（WebSocket 层等）
type Sink interface {
	Publish(ctx context.Context, ev AggregatedEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev AggregatedEvent) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, ev AggregatedEvent) error { return f(ctx, ev) }

type runSequence struct {
	mu   sync.Mutex
	next int64
}

// Aggregator 将多节点事件合并为每个运行一条有序序列。
// 同一运行内序号从 1 开始连续递增，发布在运行锁内完成，sink 看到的顺序与序号一致。
type Aggregator struct {
	localNodeID string
	sink        Sink
	mu          sync.Mutex
	runs        map[string]*runSequence
	logger      *zap.Logger
}

// NewAggregator 创建聚合器
func NewAggregator(localNodeID string, sink Sink, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		localNodeID: localNodeID,
		sink:        sink,
		runs:        make(map[string]*runSequence),
		logger:      logger.With(zap.String("component", "event_aggregator")),
	}
}

func (a *Aggregator) run(teamRunID string) *runSequence {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.runs[teamRunID]
	if !ok {
		s = &runSequence{next: 1}
		a.runs[teamRunID] = s
	}
	return s
}

// AcceptLocal 接收 host 本地成员产生的事件
func (a *Aggregator) AcceptLocal(ctx context.Context, teamRunID string, runVersion int64, ev TeamEvent) (AggregatedEvent, error) {
	return a.accept(ctx, AggregatedEvent{
		TeamRunID:    teamRunID,
		RunVersion:   runVersion,
		SourceNodeID: a.localNodeID,
		Origin:       OriginLocal,
		MemberName:   ev.MemberName,
		AgentID:      ev.AgentID,
		EventType:    ev.EventType,
		Payload:      ev.Payload,
		OccurredAt:   ev.OccurredAt,
	})
}

// AcceptRemote 接收已通过去重与栅栏检查的远端事件
func (a *Aggregator) AcceptRemote(ctx context.Context, ev RemoteExecutionEvent) (AggregatedEvent, error) {
	return a.accept(ctx, AggregatedEvent{
		TeamRunID:    ev.TeamRunID,
		RunVersion:   ev.RunVersion,
		SourceNodeID: ev.SourceNodeID,
		Origin:       OriginRemote,
		MemberName:   ev.MemberName,
		AgentID:      ev.AgentID,
		EventType:    ev.EventType,
		Payload:      ev.Payload,
		OccurredAt:   ev.OccurredAt,
	})
}

func (a *Aggregator) accept(ctx context.Context, out AggregatedEvent) (AggregatedEvent, error) {
	s := a.run(out.TeamRunID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out.Sequence = s.next
	if a.sink != nil {
		if err := a.sink.Publish(ctx, out); err != nil {
			a.logger.Warn("failed to publish aggregated event",
				zap.String("team_run_id", out.TeamRunID),
				zap.Int64("sequence", out.Sequence),
				zap.Error(err),
			)
			return AggregatedEvent{}, fmt.Errorf("publish event %d for run %s: %w", out.Sequence, out.TeamRunID, err)
		}
	}
	s.next++
	return out, nil
}

// FinalizeRun 丢弃已结束运行的聚合状态
func (a *Aggregator) FinalizeRun(teamRunID string) {
	a.mu.Lock()
	_, ok := a.runs[teamRunID]
	delete(a.runs, teamRunID)
	a.mu.Unlock()
	if ok {
		a.logger.Debug("aggregator state finalized", zap.String("team_run_id", teamRunID))
	}
}

// TrackedRuns 返回当前持有序列状态的运行数
func (a *Aggregator) TrackedRuns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}
