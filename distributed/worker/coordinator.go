package worker

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentteam/distributed/events"
	"github.com/BaSui01/agentteam/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Projector 将团队事件投影为上行事件；返回 false 表示丢弃
type Projector func(teamRunID string, runVersion int64, ev events.TeamEvent) (events.RemoteExecutionEvent, bool)

// DefaultProjector 一对一投影，缺失的事件 ID 与时间由本节点补全
func DefaultProjector(sourceNodeID string) Projector {
	return func(teamRunID string, runVersion int64, ev events.TeamEvent) (events.RemoteExecutionEvent, bool) {
		id := ev.EventID
		if id == "" {
			id = uuid.NewString()
		}
		at := ev.OccurredAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return events.RemoteExecutionEvent{
			TeamRunID:     teamRunID,
			RunVersion:    runVersion,
			SourceNodeID:  sourceNodeID,
			SourceEventID: id,
			MemberName:    ev.MemberName,
			AgentID:       ev.AgentID,
			EventType:     ev.EventType,
			Payload:       ev.Payload,
			OccurredAt:    at,
		}, true
	}
}

type trackedRun struct {
	teamRunID  string
	hostNodeID string
	version    atomic.Int64
	stream     events.Stream
	cancel     context.CancelFunc
	done       chan struct{}
}

// =============================================================================
// 🔁 Coordinator
// =============================================================================

// Coordinator 为每个本地运行维护一个事件转发循环，把团队事件上行到 host。
// 发布失败只记录日志，循环不会因此退出。
type Coordinator struct {
	publisher events.Publisher
	project   Projector
	metrics   *metrics.Collector

	mu   sync.Mutex
	runs map[string]*trackedRun

	logger *zap.Logger
}

// NewCoordinator 创建生命周期协调器；project 为 nil 时使用 DefaultProjector(nodeID)
func NewCoordinator(nodeID string, publisher events.Publisher, project Projector, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if project == nil {
		project = DefaultProjector(nodeID)
	}
	return &Coordinator{
		publisher: publisher,
		project:   project,
		metrics:   collector,
		runs:      make(map[string]*trackedRun),
		logger:    logger.With(zap.String("component", "worker_lifecycle"), zap.String("node_id", nodeID)),
	}
}

// StartTracking 开始转发运行的事件流。已在跟踪时只更新运行版本，返回 false。
func (c *Coordinator) StartTracking(teamRunID string, runVersion int64, hostNodeID string, stream events.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tr, ok := c.runs[teamRunID]; ok {
		if runVersion > tr.version.Load() {
			tr.version.Store(runVersion)
		}
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &trackedRun{
		teamRunID:  teamRunID,
		hostNodeID: hostNodeID,
		stream:     stream,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	tr.version.Store(runVersion)
	c.runs[teamRunID] = tr

	go c.forward(ctx, tr)
	c.logger.Info("run tracking started",
		zap.String("team_run_id", teamRunID),
		zap.Int64("run_version", runVersion),
		zap.String("host_node_id", hostNodeID),
	)
	return true
}

// UpdateVersion 更新被跟踪运行的版本，只增不减
func (c *Coordinator) UpdateVersion(teamRunID string, runVersion int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.runs[teamRunID]
	if !ok {
		return false
	}
	if runVersion > tr.version.Load() {
		tr.version.Store(runVersion)
	}
	return true
}

// TeardownRun 关闭事件流并等待转发循环排空；ctx 结束时取消循环
func (c *Coordinator) TeardownRun(ctx context.Context, teamRunID string) error {
	c.mu.Lock()
	tr, ok := c.runs[teamRunID]
	delete(c.runs, teamRunID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := tr.stream.Close(); err != nil {
		c.logger.Debug("event stream close failed", zap.String("team_run_id", teamRunID), zap.Error(err))
	}
	select {
	case <-tr.done:
		tr.cancel()
	case <-ctx.Done():
		tr.cancel()
		<-tr.done
		return ctx.Err()
	}
	c.logger.Info("run tracking stopped", zap.String("team_run_id", teamRunID))
	return nil
}

// IsTracking 是否正在跟踪运行
func (c *Coordinator) IsTracking(teamRunID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[teamRunID]
	return ok
}

// TrackedRuns 返回被跟踪的运行（有序）
func (c *Coordinator) TrackedRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.runs))
}

// Close 停止所有转发循环
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error
	for _, id := range c.TrackedRuns() {
		if err := c.TeardownRun(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) forward(ctx context.Context, tr *trackedRun) {
	defer close(tr.done)
	for {
		ev, err := tr.stream.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				c.logger.Warn("event stream failed", zap.String("team_run_id", tr.teamRunID), zap.Error(err))
			}
			return
		}

		remote, ok := c.project(tr.teamRunID, tr.version.Load(), ev)
		if !ok {
			continue
		}
		if c.publisher == nil {
			continue
		}
		res, err := c.publisher.Publish(ctx, tr.hostNodeID, remote)
		switch {
		case err != nil:
			c.metrics.RecordForwardedEvent("failed")
			c.logger.Warn("event uplink failed",
				zap.String("team_run_id", tr.teamRunID),
				zap.String("source_event_id", remote.SourceEventID),
				zap.String("host_node_id", tr.hostNodeID),
				zap.Error(err),
			)
		case res.Dropped:
			c.metrics.RecordForwardedEvent("dropped")
		default:
			c.metrics.RecordForwardedEvent("delivered")
		}
	}
}
