package routing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/BaSui01/agentteam/distributed/bridge"
	"github.com/BaSui01/agentteam/distributed/envelope"
	"github.com/BaSui01/agentteam/internal/keylock"
	"github.com/BaSui01/agentteam/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🔌 路由端口
// =============================================================================

// Port 运行级路由端口，按成员放置决定本地调用或远程投递
type Port interface {
	DispatchUserMessage(ctx context.Context, p envelope.UserMessagePayload) error
	DispatchInterAgentMessage(ctx context.Context, p envelope.InterAgentMessagePayload) error
	DispatchToolApproval(ctx context.Context, p envelope.ToolApprovalPayload) error
	DispatchControlStop(ctx context.Context, p envelope.ControlStopPayload) error
}

// LocalDispatcher 本节点上的团队调用（无网络跳转）
type LocalDispatcher interface {
	DispatchUserMessage(ctx context.Context, teamRunID string, runVersion int64, p envelope.UserMessagePayload) error
	DispatchInterAgentMessage(ctx context.Context, teamRunID string, runVersion int64, p envelope.InterAgentMessagePayload) error
	DispatchToolApproval(ctx context.Context, teamRunID string, runVersion int64, p envelope.ToolApprovalPayload) error
	DispatchControlStop(ctx context.Context, teamRunID string, runVersion int64, p envelope.ControlStopPayload) error
}

// RemoteDispatcher 向远端节点投递信封
type RemoteDispatcher interface {
	DispatchRemoteEnvelope(ctx context.Context, targetNodeID string, env envelope.TeamEnvelope) error
}

// RemoteDispatcherFunc adapts a function to RemoteDispatcher.
type RemoteDispatcherFunc func(ctx context.Context, targetNodeID string, env envelope.TeamEnvelope) error

// DispatchRemoteEnvelope implements RemoteDispatcher.
func (f RemoteDispatcherFunc) DispatchRemoteEnvelope(ctx context.Context, targetNodeID string, env envelope.TeamEnvelope) error {
	return f(ctx, targetNodeID, env)
}

// HostClientDispatcher 以 host 桥接客户端作为远程投递实现
func HostClientDispatcher(c *bridge.HostClient) RemoteDispatcher {
	return RemoteDispatcherFunc(func(ctx context.Context, targetNodeID string, env envelope.TeamEnvelope) error {
		_, err := c.SendCommand(ctx, targetNodeID, env)
		return err
	})
}

// Config 单个运行的路由配置
type Config struct {
	TeamRunID         string
	RunVersion        int64
	LocalNodeID       string
	PlacementByMember map[string]string
	// Bootstrap 首次向远端节点下发命令前发送的运行快照；为空则不发送
	Bootstrap *envelope.RunBootstrapPayload
}

// Factory 为运行构造路由端口
type Factory func(cfg Config) (Port, error)

// NewFactory 返回共享本地/远程调度器的工厂
func NewFactory(local LocalDispatcher, remote RemoteDispatcher, builder *envelope.Builder, logger *zap.Logger) Factory {
	return func(cfg Config) (Port, error) {
		return NewAdapter(cfg, local, remote, builder, logger)
	}
}

// =============================================================================
// 🧭 Adapter
// =============================================================================

// Adapter 按 PlacementByMember 路由：本地成员直接调用 LocalDispatcher，
// 远端成员构建信封经 RemoteDispatcher 投递。每个远端节点在首个命令前收到一次 RUN_BOOTSTRAP。
type Adapter struct {
	cfg     Config
	local   LocalDispatcher
	remote  RemoteDispatcher
	builder *envelope.Builder

	bootLocks    *keylock.KeyedMutex
	mu           sync.Mutex
	bootstrapped map[string]bool

	logger *zap.Logger
}

// NewAdapter 创建路由适配器
func NewAdapter(cfg Config, local LocalDispatcher, remote RemoteDispatcher, builder *envelope.Builder, logger *zap.Logger) (*Adapter, error) {
	if cfg.TeamRunID == "" || cfg.RunVersion <= 0 {
		return nil, fmt.Errorf("routing: team run id and run version are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if builder == nil {
		builder = envelope.NewBuilder()
	}
	cfg.PlacementByMember = maps.Clone(cfg.PlacementByMember)
	return &Adapter{
		cfg:          cfg,
		local:        local,
		remote:       remote,
		builder:      builder,
		bootLocks:    keylock.New(),
		bootstrapped: make(map[string]bool),
		logger: logger.With(
			zap.String("component", "routing_adapter"),
			zap.String("team_run_id", cfg.TeamRunID),
			zap.Int64("run_version", cfg.RunVersion),
		),
	}, nil
}

// NodeFor 返回成员所在节点
func (a *Adapter) NodeFor(memberName string) (string, error) {
	node, ok := a.cfg.PlacementByMember[memberName]
	if !ok || node == "" {
		return "", types.NewError(types.ErrTeamMemberNotFound,
			fmt.Sprintf("member %q has no placement in run %s", memberName, a.cfg.TeamRunID)).
			WithHTTPStatus(404)
	}
	return node, nil
}

// IsLocal 成员是否放置在本节点
func (a *Adapter) IsLocal(memberName string) bool {
	node, err := a.NodeFor(memberName)
	return err == nil && node == a.cfg.LocalNodeID
}

// RemoteNodeIDs 返回放置中的全部远端节点（有序）
func (a *Adapter) RemoteNodeIDs() []string {
	set := make(map[string]struct{})
	for _, node := range a.cfg.PlacementByMember {
		if node != a.cfg.LocalNodeID {
			set[node] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

func (a *Adapter) hasLocalMembers() bool {
	for _, node := range a.cfg.PlacementByMember {
		if node == a.cfg.LocalNodeID {
			return true
		}
	}
	return false
}

// DispatchUserMessage implements Port.
func (a *Adapter) DispatchUserMessage(ctx context.Context, p envelope.UserMessagePayload) error {
	node, err := a.NodeFor(p.TargetMemberName)
	if err != nil {
		return err
	}
	if node == a.cfg.LocalNodeID {
		return a.local.DispatchUserMessage(ctx, a.cfg.TeamRunID, a.cfg.RunVersion, p)
	}
	return a.sendRemote(ctx, node, envelope.KindUserMessage, p)
}

// DispatchInterAgentMessage implements Port.
func (a *Adapter) DispatchInterAgentMessage(ctx context.Context, p envelope.InterAgentMessagePayload) error {
	node, err := a.NodeFor(p.RecipientMemberName)
	if err != nil {
		return err
	}
	if node == a.cfg.LocalNodeID {
		return a.local.DispatchInterAgentMessage(ctx, a.cfg.TeamRunID, a.cfg.RunVersion, p)
	}
	return a.sendRemote(ctx, node, envelope.KindInterAgentMessageRequest, p)
}

// DispatchToolApproval implements Port.
func (a *Adapter) DispatchToolApproval(ctx context.Context, p envelope.ToolApprovalPayload) error {
	node, err := a.NodeFor(p.TargetMemberName)
	if err != nil {
		return err
	}
	if node == a.cfg.LocalNodeID {
		return a.local.DispatchToolApproval(ctx, a.cfg.TeamRunID, a.cfg.RunVersion, p)
	}
	return a.sendRemote(ctx, node, envelope.KindToolApproval, p)
}

// DispatchControlStop 停止本地团队并并发向所有远端节点广播 CONTROL_STOP。
// 所有目标都会被尝试，错误合并返回。
func (a *Adapter) DispatchControlStop(ctx context.Context, p envelope.ControlStopPayload) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if a.hasLocalMembers() && a.local != nil {
		g.Go(func() error {
			if err := a.local.DispatchControlStop(ctx, a.cfg.TeamRunID, a.cfg.RunVersion, p); err != nil {
				collect(fmt.Errorf("local stop: %w", err))
			}
			return nil
		})
	}
	for _, node := range a.RemoteNodeIDs() {
		g.Go(func() error {
			env, err := a.builder.Build(envelope.BuildInput{
				TeamRunID:  a.cfg.TeamRunID,
				RunVersion: a.cfg.RunVersion,
				Kind:       envelope.KindControlStop,
				Payload:    p,
			})
			if err == nil {
				err = a.remote.DispatchRemoteEnvelope(ctx, node, env)
			}
			if err != nil {
				a.logger.Warn("control stop delivery failed", zap.String("node_id", node), zap.Error(err))
				collect(fmt.Errorf("stop %s: %w", node, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (a *Adapter) sendRemote(ctx context.Context, node string, kind envelope.Kind, payload any) error {
	if a.remote == nil {
		return types.NewError(types.ErrTeamDispatchUnavailable, "no remote dispatcher configured")
	}
	if err := a.ensureBootstrapped(ctx, node); err != nil {
		return err
	}
	env, err := a.builder.Build(envelope.BuildInput{
		TeamRunID:  a.cfg.TeamRunID,
		RunVersion: a.cfg.RunVersion,
		Kind:       kind,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	return a.remote.DispatchRemoteEnvelope(ctx, node, env)
}

// ensureBootstrapped 每个远端节点只成功发送一次 RUN_BOOTSTRAP；失败时下次命令会重试
func (a *Adapter) ensureBootstrapped(ctx context.Context, node string) error {
	if a.cfg.Bootstrap == nil {
		return nil
	}
	unlock := a.bootLocks.Lock(node)
	defer unlock()

	a.mu.Lock()
	done := a.bootstrapped[node]
	a.mu.Unlock()
	if done {
		return nil
	}

	env, err := a.builder.Build(envelope.BuildInput{
		TeamRunID:  a.cfg.TeamRunID,
		RunVersion: a.cfg.RunVersion,
		Kind:       envelope.KindRunBootstrap,
		Payload:    *a.cfg.Bootstrap,
	})
	if err != nil {
		return err
	}
	if err := a.remote.DispatchRemoteEnvelope(ctx, node, env); err != nil {
		return fmt.Errorf("bootstrap run on %s: %w", node, err)
	}

	a.mu.Lock()
	a.bootstrapped[node] = true
	a.mu.Unlock()
	a.logger.Info("run bootstrapped on remote node", zap.String("node_id", node))
	return nil
}
